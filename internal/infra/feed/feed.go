// Package feed streams market data into the engine. Candles arrive from a
// venue websocket, a recorded JSONL file, or the synthetic generator; every
// candle is mirrored into the state store and fanned out on the bus as
// MARKET_DATA_RECEIVED.
package feed

import (
	"context"
	"log"
	"strings"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

// Source produces market data until its context is cancelled. Run blocks;
// a nil return means the source drained (replay reached end of file).
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// New selects the source implementation named by the feed section.
func New(cfg config.FeedConfig, pub *Publisher, logger *log.Logger) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "websocket":
		return NewWebSocket(cfg, pub, logger), nil
	case "replay":
		return NewReplay(cfg, pub, logger), nil
	case "synthetic":
		return NewSynthetic(cfg, pub, logger), nil
	default:
		return nil, errs.New("feed", errs.CodeInvalid, errs.WithMessage("unknown feed source "+cfg.Source))
	}
}
