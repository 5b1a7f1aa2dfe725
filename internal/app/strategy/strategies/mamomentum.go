package strategies

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// MAMomentum is the reference momentum strategy: buy when the close crosses
// above its moving average, sell when it falls back, and liquidate anything
// still held once the market-close cutoff passes. The liquidation rule runs
// before the volume filter so a thin tape can never strand a position
// overnight.
type MAMomentum struct {
	mu sync.Mutex

	// Configuration
	maPeriod     int64
	smaName      string
	closeHour    int
	closeMinute  int
	forcedSell   bool
	volumeFilter bool
	minVolume    decimal.Decimal

	// State: open entries per symbol.
	entries map[string]maEntry
}

type maEntry struct {
	price decimal.Decimal
	at    time.Time
}

// MAMomentumDefinition describes ma_momentum for the registry.
func MAMomentumDefinition() strategy.Definition {
	return strategy.Definition{
		Meta: strategy.Metadata{
			Name:        NameMAMomentum,
			Version:     "1.0.0",
			Description: "1-minute moving-average momentum with market-close liquidation",
			Params: []strategy.ParamSpec{
				{Name: "ma_period", Type: strategy.ParamInt, Default: 5,
					Description: "moving-average window in minutes",
					Min:         strategy.Bound(2), Max: strategy.Bound(20)},
				{Name: "market_close_time", Type: strategy.ParamString, Default: "15:20",
					Description: "HH:MM cutoff for forced liquidation"},
				{Name: "enable_forced_sell", Type: strategy.ParamBool, Default: true,
					Description: "liquidate held positions at the cutoff"},
				{Name: "min_volume_threshold", Type: strategy.ParamInt, Default: int64(30_000_000_000),
					Description: "minimum 5-day average volume",
					Min:         strategy.Bound(1_000_000_000), Max: strategy.Bound(100_000_000_000)},
				{Name: "enable_volume_filter", Type: strategy.ParamBool, Default: true,
					Description: "skip symbols below the volume threshold"},
			},
			Indicators: []string{"sma_5", "avg_volume_5d"},
		},
		New: NewMAMomentum,
	}
}

// NewMAMomentum builds the strategy from a resolved parameter set.
func NewMAMomentum(params map[string]any) (strategy.Strategy, error) {
	s := &MAMomentum{entries: make(map[string]maEntry)}
	if err := s.apply(params); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateParams re-derives configuration in place, keeping open entries.
func (s *MAMomentum) UpdateParams(params map[string]any) error {
	return s.apply(params)
}

func (s *MAMomentum) apply(params map[string]any) error {
	hour, minute, err := parseCloseTime(strategy.StringParam(params, "market_close_time", "15:20"))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maPeriod = strategy.IntParam(params, "ma_period", 5)
	s.smaName = fmt.Sprintf("sma_%d", s.maPeriod)
	s.closeHour, s.closeMinute = hour, minute
	s.forcedSell = strategy.BoolParam(params, "enable_forced_sell", true)
	s.volumeFilter = strategy.BoolParam(params, "enable_volume_filter", true)
	s.minVolume = decimal.New(strategy.IntParam(params, "min_volume_threshold", 30_000_000_000), 0)
	return nil
}

// RequiredIndicators names the indicators the current window needs.
func (s *MAMomentum) RequiredIndicators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []string{s.smaName, "avg_volume_5d"}
}

// Analyze applies the decision rules to one 1-minute bar.
func (s *MAMomentum) Analyze(_ context.Context, md *schema.MarketData) (*schema.TradingSignal, error) {
	if md.Interval != "1m" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sma, ok := md.Indicator(s.smaName)
	if !ok || sma.Sign() <= 0 {
		return nil, nil
	}
	closePrice := md.Close
	held, holding := s.entries[md.Symbol]

	// Liquidation window: past the cutoff there are no new entries, only
	// the forced close of whatever is still held.
	if s.pastClose(md.Timestamp) {
		if !holding || !s.forcedSell {
			return nil, nil
		}
		delete(s.entries, md.Symbol)
		return &schema.TradingSignal{
			Symbol:     md.Symbol,
			Action:     schema.ActionSell,
			Confidence: 1.0,
			Reason:     "forced liquidation at market close",
			Metadata: map[string]any{
				"signal_type": "forced_market_close_sell",
				"order_type":  "market",
				"entry_price": held.price.String(),
			},
			Timestamp: md.Timestamp,
		}, nil
	}

	if s.volumeFilter {
		vol, ok := md.Indicator("avg_volume_5d")
		if !ok || vol.LessThan(s.minVolume) {
			return nil, nil
		}
	}

	if !holding && closePrice.GreaterThan(sma) {
		ratio := closePrice.Div(sma).InexactFloat64()
		s.entries[md.Symbol] = maEntry{price: closePrice, at: md.Timestamp}
		return &schema.TradingSignal{
			Symbol:     md.Symbol,
			Action:     schema.ActionBuy,
			Confidence: clampConfidence((ratio-1)*10+0.7, 0.5, 0.95),
			Price:      closePrice,
			Reason:     fmt.Sprintf("close above %s", s.smaName),
			Metadata: map[string]any{
				"signal_type": "momentum_buy",
				"order_type":  "limit",
			},
			Timestamp: md.Timestamp,
		}, nil
	}

	if holding && closePrice.LessThanOrEqual(sma) {
		confidence := 0.9
		if closePrice.GreaterThan(held.price) {
			confidence = 0.8
		}
		delete(s.entries, md.Symbol)
		return &schema.TradingSignal{
			Symbol:     md.Symbol,
			Action:     schema.ActionSell,
			Confidence: confidence,
			Price:      closePrice,
			Reason:     fmt.Sprintf("close at or below %s", s.smaName),
			Metadata: map[string]any{
				"signal_type": "momentum_sell",
				"order_type":  "limit",
				"entry_price": held.price.String(),
				"return_rate": closePrice.Sub(held.price).Div(held.price).String(),
			},
			Timestamp: md.Timestamp,
		}, nil
	}

	return nil, nil
}

func (s *MAMomentum) pastClose(ts time.Time) bool {
	hour, minute, _ := ts.Clock()
	if hour != s.closeHour {
		return hour > s.closeHour
	}
	return minute >= s.closeMinute
}

func parseCloseTime(raw string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("market_close_time must be HH:MM, got "+raw),
			errs.WithCause(err))
	}
	return t.Hour(), t.Minute(), nil
}
