package strategy

import (
	"io"
	"log"
	"testing"

	"github.com/quantbridge/quantbridge/errs"
)

func testSpecs() []ParamSpec {
	return []ParamSpec{
		{Name: "period", Type: ParamInt, Default: 5, Min: Bound(2), Max: Bound(20)},
		{Name: "threshold", Type: ParamFloat, Default: 0.02, Min: Bound(0.001), Max: Bound(0.2)},
		{Name: "enabled", Type: ParamBool, Default: true},
		{Name: "close_time", Type: ParamString, Default: "15:20"},
	}
}

func TestValidateParamsCoercesTypes(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	got, err := ValidateParams(testSpecs(), map[string]any{
		"period":    float64(8),
		"threshold": 3,
		"enabled":   false,
	}, logger)
	if err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if got["period"] != int64(8) {
		t.Fatalf("expected period int64(8), got %T %v", got["period"], got["period"])
	}
	if got["threshold"] != float64(3) {
		t.Fatalf("expected threshold float64(3), got %T %v", got["threshold"], got["threshold"])
	}
	if got["enabled"] != false {
		t.Fatalf("expected enabled false, got %v", got["enabled"])
	}
}

func TestValidateParamsDropsUnknownNames(t *testing.T) {
	got, err := ValidateParams(testSpecs(), map[string]any{
		"period":  10,
		"mystery": 42,
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if _, ok := got["mystery"]; ok {
		t.Fatal("expected unknown parameter to be dropped")
	}
	if got["period"] != int64(10) {
		t.Fatalf("expected period 10, got %v", got["period"])
	}
}

func TestValidateParamsRejectsViolations(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cases := []struct {
		name   string
		params map[string]any
	}{
		{"fractional int", map[string]any{"period": 2.5}},
		{"below min", map[string]any{"period": 1}},
		{"above max", map[string]any{"threshold": 0.5}},
		{"wrong bool", map[string]any{"enabled": "yes"}},
		{"wrong string", map[string]any{"close_time": 1520}},
	}
	for _, c := range cases {
		if _, err := ValidateParams(testSpecs(), c.params, logger); errs.Classify(err) != errs.CodeInvalid {
			t.Fatalf("%s: expected invalid, got %v", c.name, err)
		}
	}
}

func TestResolveParamsMergesDefaults(t *testing.T) {
	got, err := ResolveParams(testSpecs(), map[string]any{"period": 12}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	if got["period"] != int64(12) {
		t.Fatalf("expected override period 12, got %v", got["period"])
	}
	if got["threshold"] != 0.02 {
		t.Fatalf("expected default threshold 0.02, got %v", got["threshold"])
	}
	if got["enabled"] != true || got["close_time"] != "15:20" {
		t.Fatalf("expected remaining defaults, got %v", got)
	}
}

func TestParamAccessors(t *testing.T) {
	params := map[string]any{
		"period":     int64(7),
		"threshold":  0.05,
		"enabled":    false,
		"close_time": "15:00",
		"blank":      "  ",
	}
	if got := IntParam(params, "period", 5); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := IntParam(params, "missing", 5); got != 5 {
		t.Fatalf("expected default 5, got %d", got)
	}
	if got := FloatParam(params, "threshold", 0.02); got != 0.05 {
		t.Fatalf("expected 0.05, got %v", got)
	}
	if got := BoolParam(params, "enabled", true); got {
		t.Fatal("expected false")
	}
	if got := StringParam(params, "close_time", "15:20"); got != "15:00" {
		t.Fatalf("expected 15:00, got %q", got)
	}
	if got := StringParam(params, "blank", "fallback"); got != "fallback" {
		t.Fatalf("expected whitespace value to fall through, got %q", got)
	}
}
