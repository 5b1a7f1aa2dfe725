// Package strategy runs the trading strategies. The contract is a small
// capability set: a strategy analyzes market data and may return a signal,
// and declares the indicators it needs. Parameter schemas live in metadata
// so the engine can validate activations without instantiating anything.
package strategy

import (
	"context"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

const scope = "strategy"

// Strategy analyzes one candle at a time. Analyze returns nil when the
// strategy has nothing to say; HOLD signals are treated the same way by the
// engine. Implementations may keep per-symbol state: the engine invokes
// Analyze serially.
type Strategy interface {
	Analyze(ctx context.Context, data *schema.MarketData) (*schema.TradingSignal, error)
	RequiredIndicators() []string
}

// ParamUpdater is an optional capability: strategies that can absorb a new
// parameter set in place (keeping their position memory) implement it.
// Everything else is rebuilt through its factory on update.
type ParamUpdater interface {
	UpdateParams(params map[string]any) error
}

// ParamType tags the scalar kind of a strategy parameter.
type ParamType string

const (
	// ParamInt is a whole-number parameter.
	ParamInt ParamType = "int"
	// ParamFloat is a fractional parameter.
	ParamFloat ParamType = "float"
	// ParamBool is an on/off parameter.
	ParamBool ParamType = "bool"
	// ParamString is a free-form parameter.
	ParamString ParamType = "string"
)

// ParamSpec describes one configurable strategy parameter. Min and Max
// bound numeric types only.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
}

// Metadata describes a strategy for catalogs and validation.
type Metadata struct {
	Name        string      `json:"name"`
	Version     string      `json:"version,omitempty"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
	Indicators  []string    `json:"indicators,omitempty"`
}

// CloneMetadata returns a copy with cloned slices.
func CloneMetadata(meta Metadata) Metadata {
	clone := meta
	if len(meta.Params) > 0 {
		clone.Params = append([]ParamSpec(nil), meta.Params...)
	}
	clone.Indicators = append([]string(nil), meta.Indicators...)
	return clone
}

// Factory builds a strategy instance from a resolved parameter set.
type Factory func(params map[string]any) (Strategy, error)

// Definition pairs metadata with its factory. Scripted definitions come
// from the plug-in directory and are replaced wholesale on reload.
type Definition struct {
	Meta     Metadata
	Scripted bool
	New      Factory
}

// ModuleSource supplies externally loaded strategy definitions, typically
// the script plug-in directory.
type ModuleSource interface {
	Refresh(ctx context.Context) error
	Definitions() []Definition
}

// Bound returns a pointer for use as a ParamSpec Min or Max.
func Bound(v float64) *float64 { return &v }

// ValidateParams coerces and range-checks the supplied overrides against
// the schema. Unknown names are logged and dropped; type or range
// violations fail the whole set.
func ValidateParams(specs []ParamSpec, params map[string]any, logger *log.Logger) (map[string]any, error) {
	byName := make(map[string]ParamSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	out := make(map[string]any, len(params))
	for name, raw := range params {
		spec, known := byName[name]
		if !known {
			if logger != nil {
				logger.Printf("ignoring unknown parameter %q", name)
			}
			continue
		}
		value, err := coerceParam(spec, raw)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// ResolveParams merges validated overrides over the schema defaults.
func ResolveParams(specs []ParamSpec, overrides map[string]any, logger *log.Logger) (map[string]any, error) {
	resolved := make(map[string]any, len(specs))
	for _, spec := range specs {
		if spec.Default != nil {
			value, err := coerceParam(spec, spec.Default)
			if err != nil {
				return nil, err
			}
			resolved[spec.Name] = value
		}
	}
	validated, err := ValidateParams(specs, overrides, logger)
	if err != nil {
		return nil, err
	}
	for name, value := range validated {
		resolved[name] = value
	}
	return resolved, nil
}

func coerceParam(spec ParamSpec, raw any) (any, error) {
	switch spec.Type {
	case ParamInt:
		n, ok := toInt64(raw)
		if !ok {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("parameter "+spec.Name+" must be an integer"))
		}
		if err := checkRange(spec, float64(n)); err != nil {
			return nil, err
		}
		return n, nil
	case ParamFloat:
		f, ok := toFloat64(raw)
		if !ok {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("parameter "+spec.Name+" must be a number"))
		}
		if err := checkRange(spec, f); err != nil {
			return nil, err
		}
		return f, nil
	case ParamBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("parameter "+spec.Name+" must be a boolean"))
		}
		return b, nil
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("parameter "+spec.Name+" must be a string"))
		}
		return s, nil
	default:
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("parameter "+spec.Name+" has unknown type "+string(spec.Type)))
	}
}

func checkRange(spec ParamSpec, v float64) error {
	if spec.Min != nil && v < *spec.Min {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("parameter "+spec.Name+" below minimum "+formatBound(*spec.Min)))
	}
	if spec.Max != nil && v > *spec.Max {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("parameter "+spec.Name+" above maximum "+formatBound(*spec.Max)))
	}
	return nil
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toFloat64(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// IntParam reads an integer from a resolved parameter set.
func IntParam(params map[string]any, key string, def int64) int64 {
	if raw, ok := params[key]; ok {
		if n, ok := toInt64(raw); ok {
			return n
		}
	}
	return def
}

// FloatParam reads a number from a resolved parameter set.
func FloatParam(params map[string]any, key string, def float64) float64 {
	if raw, ok := params[key]; ok {
		if f, ok := toFloat64(raw); ok {
			return f
		}
	}
	return def
}

// BoolParam reads a boolean from a resolved parameter set.
func BoolParam(params map[string]any, key string, def bool) bool {
	if raw, ok := params[key]; ok {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return def
}

// StringParam reads a string from a resolved parameter set.
func StringParam(params map[string]any, key, def string) string {
	if raw, ok := params[key]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return def
}
