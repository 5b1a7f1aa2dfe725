package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
)

// SignalAction enumerates strategy trade intents.
type SignalAction string

const (
	// ActionBuy requests opening or adding long exposure.
	ActionBuy SignalAction = "BUY"
	// ActionSell requests reducing exposure or opening short.
	ActionSell SignalAction = "SELL"
	// ActionHold requests no trade.
	ActionHold SignalAction = "HOLD"
)

// Valid reports whether the action is known.
func (a SignalAction) Valid() bool {
	return a == ActionBuy || a == ActionSell || a == ActionHold
}

// TradingSignal is a strategy's trade intent. Price zero asks for a market
// order; Quantity zero delegates sizing to the order engine. Confidence is a
// conviction weight in [0,1].
type TradingSignal struct {
	Strategy   string          `json:"strategy"`
	Symbol     string          `json:"symbol"`
	Action     SignalAction    `json:"action"`
	Confidence float64         `json:"confidence"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Quantity   decimal.Decimal `json:"quantity,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks structural signal integrity.
func (s *TradingSignal) Validate() error {
	if s == nil {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("nil signal"))
	}
	if strings.TrimSpace(s.Strategy) == "" {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("strategy required"))
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !s.Action.Valid() {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("invalid action "+string(s.Action)))
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("confidence outside [0,1]"))
	}
	if s.Price.Sign() < 0 {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("negative price"))
	}
	if s.Quantity.Sign() < 0 {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("negative quantity"))
	}
	return nil
}

// MetaString fetches a string metadata value.
func (s *TradingSignal) MetaString(key string) (string, bool) {
	if s == nil || len(s.Metadata) == 0 {
		return "", false
	}
	raw, ok := s.Metadata[key]
	if !ok {
		return "", false
	}
	str, ok := raw.(string)
	return str, ok
}

// MarketData is one candle (or tick rollup) with its indicator set. OHLCV
// values are decimal; indicators hold whatever the upstream computed, keyed
// by indicator name (e.g. "sma_5", "avg_volume_5d").
type MarketData struct {
	Symbol     string                     `json:"symbol"`
	Interval   string                     `json:"interval"`
	Timestamp  time.Time                  `json:"timestamp"`
	Open       decimal.Decimal            `json:"open"`
	High       decimal.Decimal            `json:"high"`
	Low        decimal.Decimal            `json:"low"`
	Close      decimal.Decimal            `json:"close"`
	Volume     decimal.Decimal            `json:"volume"`
	Indicators map[string]decimal.Decimal `json:"indicators,omitempty"`
}

// Indicator fetches a named indicator value.
func (m *MarketData) Indicator(name string) (decimal.Decimal, bool) {
	if m == nil || len(m.Indicators) == 0 {
		return decimal.Zero, false
	}
	v, ok := m.Indicators[name]
	return v, ok
}

// HasIndicators reports whether every named indicator is present.
func (m *MarketData) HasIndicators(names ...string) bool {
	for _, name := range names {
		if _, ok := m.Indicator(name); !ok {
			return false
		}
	}
	return true
}

// Validate checks structural market data integrity.
func (m *MarketData) Validate() error {
	if m == nil {
		return errs.New("schema/marketdata", errs.CodeInvalid, errs.WithMessage("nil market data"))
	}
	if strings.TrimSpace(m.Symbol) == "" {
		return errs.New("schema/marketdata", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if m.Timestamp.IsZero() {
		return errs.New("schema/marketdata", errs.CodeInvalid, errs.WithMessage("timestamp required"))
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (m *MarketData) Clone() *MarketData {
	if m == nil {
		return nil
	}
	dup := *m
	if len(m.Indicators) > 0 {
		dup.Indicators = make(map[string]decimal.Decimal, len(m.Indicators))
		for k, v := range m.Indicators {
			dup.Indicators[k] = v
		}
	}
	return &dup
}
