package strategies

import (
	"context"

	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// NoOp consumes market data and never signals. Useful for wiring checks and
// as an activation placeholder.
type NoOp struct{}

// NoOpDefinition describes noop for the registry.
func NoOpDefinition() strategy.Definition {
	return strategy.Definition{
		Meta: strategy.Metadata{
			Name:        NameNoOp,
			Version:     "1.0.0",
			Description: "monitoring only, never signals",
		},
		New: func(map[string]any) (strategy.Strategy, error) { return NoOp{}, nil },
	}
}

// Analyze always stays quiet.
func (NoOp) Analyze(context.Context, *schema.MarketData) (*schema.TradingSignal, error) {
	return nil, nil
}

// RequiredIndicators reports none.
func (NoOp) RequiredIndicators() []string { return nil }
