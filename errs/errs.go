// Package errs provides structured error types and helpers for QuantBridge services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category produced by the engine or a broker.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeBroker indicates a broker-side failure.
	CodeBroker Code = "broker_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeMarketClosed indicates the venue rejected the request outside trading hours.
	CodeMarketClosed Code = "market_closed"
	// CodeInsufficientBalance indicates the account cannot fund the request.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeInternal indicates an unexpected engine-side failure.
	CodeInternal Code = "internal"
)

// CanonicalCode captures broker-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapabilityMissing indicates the adapter lacks the required capability.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalMarketClosed indicates the market is not accepting orders.
	CanonicalMarketClosed CanonicalCode = "market_closed"
	// CanonicalDuplicate indicates the operation was already applied.
	CanonicalDuplicate CanonicalCode = "duplicate"
)

// E captures structured error information produced across the QuantBridge stack.
type E struct {
	Scope          string
	Code           Code
	HTTP           int
	RawCode        string
	RawMsg         string
	Message        string
	Canonical      CanonicalCode
	BrokerMetadata map[string]string
	Remediation    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating scope and error code.
// Scope names the component or broker that produced the failure.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:          strings.TrimSpace(scope),
		Code:           code,
		HTTP:           0,
		RawCode:        "",
		RawMsg:         "",
		Message:        "",
		Canonical:      CanonicalUnknown,
		BrokerMetadata: nil,
		Remediation:    "",
		cause:          nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithBrokerMetadata merges the provided broker metadata into the error envelope.
func WithBrokerMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.BrokerMetadata == nil {
			e.BrokerMetadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			value := strings.TrimSpace(v)
			e.BrokerMetadata[key] = value
		}
	}
}

// WithBrokerField appends a single broker metadata key/value pair.
func WithBrokerField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.BrokerMetadata == nil {
			e.BrokerMetadata = make(map[string]string, 1)
		}
		e.BrokerMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.BrokerMetadata) > 0 {
		keys := make([]string, 0, len(e.BrokerMetadata))
		for k := range e.BrokerMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			v := e.BrokerMetadata[k]
			pairs = append(pairs, k+"="+strconv.Quote(v))
		}
		parts = append(parts, "broker="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(msg string) *E {
	return New("", CodeBroker, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}

// Classify extracts the error code from err, walking the wrap chain.
// Errors without an envelope classify as CodeInternal.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether the failure class is worth retrying.
// Rate-limit, auth, transport, and availability errors may clear on retry;
// validation and venue rejections are terminal.
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeRateLimited, CodeAuth, CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether the failure should abort without retry.
func Terminal(err error) bool {
	return err != nil && !Retryable(err)
}
