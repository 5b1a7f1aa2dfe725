package strategies

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// MeanReversion buys when the close drops far enough below its moving
// average and exits once the price reverts to the mean.
type MeanReversion struct {
	mu sync.Mutex

	// Configuration
	maPeriod  int64
	smaName   string
	threshold float64

	// State: open entries per symbol.
	entries map[string]maEntry
}

// MeanReversionDefinition describes mean_reversion for the registry.
func MeanReversionDefinition() strategy.Definition {
	return strategy.Definition{
		Meta: strategy.Metadata{
			Name:        NameMeanReversion,
			Version:     "1.0.0",
			Description: "buys deep deviations below the moving average, exits at reversion",
			Params: []strategy.ParamSpec{
				{Name: "ma_period", Type: strategy.ParamInt, Default: 20,
					Description: "moving-average window in minutes",
					Min:         strategy.Bound(5), Max: strategy.Bound(200)},
				{Name: "deviation_threshold", Type: strategy.ParamFloat, Default: 0.02,
					Description: "fraction below the average that triggers a buy",
					Min:         strategy.Bound(0.001), Max: strategy.Bound(0.2)},
			},
			Indicators: []string{"sma_20"},
		},
		New: NewMeanReversion,
	}
}

// NewMeanReversion builds the strategy from a resolved parameter set.
func NewMeanReversion(params map[string]any) (strategy.Strategy, error) {
	s := &MeanReversion{entries: make(map[string]maEntry)}
	if err := s.apply(params); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateParams re-derives configuration in place, keeping open entries.
func (s *MeanReversion) UpdateParams(params map[string]any) error {
	return s.apply(params)
}

func (s *MeanReversion) apply(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maPeriod = strategy.IntParam(params, "ma_period", 20)
	s.smaName = fmt.Sprintf("sma_%d", s.maPeriod)
	s.threshold = strategy.FloatParam(params, "deviation_threshold", 0.02)
	return nil
}

// RequiredIndicators names the moving average the current window needs.
func (s *MeanReversion) RequiredIndicators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []string{s.smaName}
}

// Analyze applies the reversion rules to one bar.
func (s *MeanReversion) Analyze(_ context.Context, md *schema.MarketData) (*schema.TradingSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sma, ok := md.Indicator(s.smaName)
	if !ok || sma.Sign() <= 0 {
		return nil, nil
	}
	closePrice := md.Close
	held, holding := s.entries[md.Symbol]
	deviation := sma.Sub(closePrice).Div(sma).InexactFloat64()

	if !holding && deviation >= s.threshold {
		s.entries[md.Symbol] = maEntry{price: closePrice, at: md.Timestamp}
		return &schema.TradingSignal{
			Symbol:     md.Symbol,
			Action:     schema.ActionBuy,
			Confidence: clampConfidence(0.6+deviation*5, 0.5, 0.9),
			Price:      closePrice,
			Reason:     fmt.Sprintf("close %.2f%% below %s", deviation*100, s.smaName),
			Metadata: map[string]any{
				"signal_type": "mean_reversion_buy",
				"order_type":  "limit",
			},
			Timestamp: md.Timestamp,
		}, nil
	}

	if holding && closePrice.GreaterThanOrEqual(sma) {
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
			Reason:     "close reverted to " + s.smaName,
			Metadata: map[string]any{
				"signal_type": "mean_reversion_exit",
				"order_type":  "limit",
				"entry_price": held.price.String(),
				"return_rate": closePrice.Sub(held.price).Div(held.price).String(),
			},
			Timestamp: md.Timestamp,
		}, nil
	}

	return nil, nil
}
