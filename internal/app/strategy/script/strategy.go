package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// scriptStrategy runs one plug-in instance inside its own VM. goja runtimes
// are single-threaded, so every call into the VM holds the mutex; the engine
// dispatches serially anyway, the lock just makes the instance safe for
// control calls (parameter updates) racing a candle.
type scriptStrategy struct {
	name string
	meta strategy.Metadata

	mu      sync.Mutex
	rt      *goja.Runtime
	analyze goja.Callable
	update  goja.Callable
	params  map[string]any
}

// jsSignal is the shape analyze() returns from JavaScript.
type jsSignal struct {
	Action     string         `json:"action"`
	Confidence float64        `json:"confidence"`
	Price      float64        `json:"price"`
	Quantity   float64        `json:"quantity"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata"`
}

func newScriptStrategy(module *Module, params map[string]any) (strategy.Strategy, error) {
	rt := goja.New()
	exports, err := runModule(rt, module.Program)
	if err != nil {
		return nil, err
	}
	analyzeFn, ok := goja.AssertFunction(exports.Get("analyze"))
	if !ok {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("strategy "+module.Name+" analyze export must be a function"))
	}

	s := &scriptStrategy{
		name:    module.Name,
		meta:    strategy.CloneMetadata(module.Meta),
		rt:      rt,
		analyze: analyzeFn,
		params:  cloneParams(params),
	}
	if updateFn, ok := goja.AssertFunction(exports.Get("updateParams")); ok {
		s.update = updateFn
	}

	// Optional one-time init(params).
	if initFn, ok := goja.AssertFunction(exports.Get("init")); ok {
		if _, err := s.call(initFn, rt.ToValue(s.params)); err != nil {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("strategy "+module.Name+" init failed"), errs.WithCause(err))
		}
	}
	return s, nil
}

// RequiredIndicators reports the metadata-declared indicator set.
func (s *scriptStrategy) RequiredIndicators() []string {
	return append([]string(nil), s.meta.Indicators...)
}

// UpdateParams swaps the parameter set, invoking the module's updateParams
// export when it has one so VM-side state can react.
func (s *scriptStrategy) UpdateParams(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = cloneParams(params)
	if s.update == nil {
		return nil
	}
	if _, err := s.call(s.update, s.rt.ToValue(s.params)); err != nil {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("strategy "+s.name+" updateParams failed"), errs.WithCause(err))
	}
	return nil
}

// Analyze marshals the bar into plain JS values, invokes analyze(bar,
// params), and converts the result back.
func (s *scriptStrategy) Analyze(_ context.Context, md *schema.MarketData) (*schema.TradingSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.call(s.analyze, s.rt.ToValue(barValue(md)), s.rt.ToValue(s.params))
	if err != nil {
		return nil, errs.New(scope, errs.CodeInternal,
			errs.WithMessage("strategy "+s.name+" analyze failed"), errs.WithCause(err))
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}

	var raw jsSignal
	if err := s.rt.ExportTo(value, &raw); err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("strategy "+s.name+" returned an invalid signal"), errs.WithCause(err))
	}
	return convertSignal(md, raw), nil
}

// call invokes a VM function, converting JS throws and goja panics into
// errors so a broken script never takes the dispatch loop down.
func (s *scriptStrategy) call(fn goja.Callable, args ...goja.Value) (value goja.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panic: %v", rec)
		}
	}()
	return fn(goja.Undefined(), args...)
}

func convertSignal(md *schema.MarketData, raw jsSignal) *schema.TradingSignal {
	signal := &schema.TradingSignal{
		Symbol:     md.Symbol,
		Action:     schema.SignalAction(strings.ToUpper(strings.TrimSpace(raw.Action))),
		Confidence: raw.Confidence,
		Reason:     raw.Reason,
		Metadata:   raw.Metadata,
		Timestamp:  md.Timestamp,
	}
	if raw.Price > 0 {
		signal.Price = decimal.NewFromFloat(raw.Price)
	}
	if raw.Quantity > 0 {
		signal.Quantity = decimal.NewFromFloat(raw.Quantity)
	}
	return signal
}

// barValue flattens a candle into plain types for the VM: floats for
// prices, a string timestamp, and a nested indicator map.
func barValue(md *schema.MarketData) map[string]any {
	indicators := make(map[string]float64, len(md.Indicators))
	for name, v := range md.Indicators {
		indicators[name] = v.InexactFloat64()
	}
	return map[string]any{
		"symbol":     md.Symbol,
		"interval":   md.Interval,
		"timestamp":  md.Timestamp.UTC().Format(time.RFC3339),
		"open":       md.Open.InexactFloat64(),
		"high":       md.High.InexactFloat64(),
		"low":        md.Low.InexactFloat64(),
		"close":      md.Close.InexactFloat64(),
		"volume":     md.Volume.InexactFloat64(),
		"indicators": indicators,
	}
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
