// Package strategies contains the built-in trading strategies.
//
// Available strategies:
// - ma_momentum: moving-average momentum with market-close liquidation
// - mean_reversion: buys deep deviations below the moving average
// - noop: monitoring only, never signals
//
// Built-ins register through Definitions at engine construction; scripted
// plug-ins come from the script loader and are replaced on reload.
package strategies

import (
	"github.com/quantbridge/quantbridge/internal/app/strategy"
)

const scope = "strategy/builtin"

// Built-in strategy names as they appear in configuration.
const (
	NameMAMomentum    = "ma_momentum"
	NameMeanReversion = "mean_reversion"
	NameNoOp          = "noop"
)

// Definitions returns the built-in registration table.
func Definitions() []strategy.Definition {
	return []strategy.Definition{
		MAMomentumDefinition(),
		MeanReversionDefinition(),
		NoOpDefinition(),
	}
}

func clampConfidence(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
