package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndBrokerMetadata(t *testing.T) {
	err := New(
		"paper",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid order payload"),
		WithRawCode("40310000"),
		WithRawMessage("order does not exist"),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithBrokerMetadata(map[string]string{
			"symbol":   "005930",
			"endpoint": "/orders",
		}),
		WithBrokerField("request_id", "req-123"),
		WithRemediation("verify order id before retrying"),
		WithCause(errors.New("broker http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=paper") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=order_not_found") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "broker=endpoint=\"/orders\",request_id=\"req-123\",symbol=\"005930\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected broker metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"verify order id before retrying\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"broker http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("paper", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestWithBrokerMetadataMerge(t *testing.T) {
	err := New(
		"paper",
		CodeBroker,
		WithBrokerMetadata(map[string]string{"symbol": "005930"}),
		WithBrokerMetadata(map[string]string{"symbol": "000660", "endpoint": "/orders"}),
	)

	if got := err.BrokerMetadata["symbol"]; got != "000660" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.BrokerMetadata["endpoint"]; got != "/orders" {
		t.Fatalf("expected endpoint metadata to be present, got %q", got)
	}
}

func TestWithBrokerFieldEmptyKeyIgnored(t *testing.T) {
	err := New("paper", CodeInvalid, WithBrokerField("  ", "value"))
	if err.BrokerMetadata != nil {
		t.Fatalf("expected nil broker metadata for blank key, got %v", err.BrokerMetadata)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := New("feed", CodeNetwork, WithMessage("socket closed"))
	err := New("engine", CodeUnavailable, WithCause(cause))
	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Fatalf("expected unwrapped cause, got %v", unwrapped)
	}
	if unwrapped := New("engine", CodeInvalid).Unwrap(); unwrapped != nil {
		t.Fatalf("expected nil unwrap without cause, got %v", unwrapped)
	}
}

func TestNotSupportedCarriesCapabilityCode(t *testing.T) {
	err := NotSupported("short selling disabled")
	if err.Canonical != CanonicalCapabilityMissing {
		t.Fatalf("expected capability_missing, got %s", err.Canonical)
	}
	if err.Message != "short selling disabled" {
		t.Fatalf("unexpected message %q", err.Message)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestClassifyWalksWrapChain(t *testing.T) {
	inner := New("broker", CodeRateLimited, WithMessage("throttled"))
	wrapped := fmt.Errorf("submit order: %w", inner)

	if got := Classify(wrapped); got != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %q", got)
	}
	if got := Classify(errors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal for plain errors, got %q", got)
	}
	if got := Classify(nil); got != Code("") {
		t.Fatalf("expected empty code for nil, got %q", got)
	}
}

func TestRetryableByClass(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeRateLimited, true},
		{CodeAuth, true},
		{CodeNetwork, true},
		{CodeUnavailable, true},
		{CodeInvalid, false},
		{CodeMarketClosed, false},
		{CodeInsufficientBalance, false},
		{CodeBroker, false},
		{CodeInternal, false},
	}
	for _, tc := range cases {
		err := New("broker", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
		if got := Terminal(err); got == tc.want {
			t.Fatalf("Terminal(%s) = %v, want %v", tc.code, got, !tc.want)
		}
	}
	if Retryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if Terminal(nil) {
		t.Fatal("nil error must not be terminal")
	}
}
