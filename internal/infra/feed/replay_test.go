package feed

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const replayFixture = `# recorded session, one candle per line
{"symbol":"005930","interval":"1m","timestamp":1718200800000,"open":"75000","high":"75400","low":"74900","close":"75200","volume":"40000000000","indicators":{"sma_5":"75000"}}
not json at all
{"close":"100"}

{"symbol":"000660","interval":"1m","timestamp":1718200860000,"open":"210000","high":"211000","low":"209500","close":"210500","volume":"12000000000","best_bid":"210400","best_ask":"210600"}
`

func writeReplayFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candles.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write replay file: %v", err)
	}
	return path
}

func TestReplaySkipsBadLinesAndDrains(t *testing.T) {
	bus := &captureBus{}
	pub := NewPublisher("feed/replay", bus, nil, log.New(io.Discard, "", 0))

	cfg := config.FeedConfig{Source: "replay", File: writeReplayFile(t, replayFixture)}
	replay := NewReplay(cfg, pub, log.New(io.Discard, "", 0))

	if err := replay.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	candles := bus.byType(schema.EventTypeMarketData)
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	first, ok := candles[0].Payload.(*schema.MarketData)
	if !ok {
		t.Fatalf("expected *MarketData payload, got %T", candles[0].Payload)
	}
	if first.Symbol != "005930" {
		t.Fatalf("expected 005930 first, got %s", first.Symbol)
	}

	if inds := bus.byType(schema.EventTypeIndicatorsUpdated); len(inds) != 1 {
		t.Fatalf("expected 1 indicators event, got %d", len(inds))
	}

	books := bus.byType(schema.EventTypeOrderBookUpdated)
	if len(books) != 1 {
		t.Fatalf("expected 1 order book event, got %d", len(books))
	}
	book, ok := books[0].Payload.(*schema.OrderBookPayload)
	if !ok {
		t.Fatalf("expected *OrderBookPayload payload, got %T", books[0].Payload)
	}
	if book.Symbol != "000660" || book.BestBid.String() != "210400" {
		t.Fatalf("unexpected order book %+v", book)
	}
}

func TestReplayMissingFile(t *testing.T) {
	pub := NewPublisher("feed/replay", &captureBus{}, nil, log.New(io.Discard, "", 0))
	replay := NewReplay(config.FeedConfig{Source: "replay", File: "/does/not/exist.jsonl"}, pub, log.New(io.Discard, "", 0))

	err := replay.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid classification, got %s", errs.Classify(err))
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	bus := &captureBus{}
	pub := NewPublisher("feed/replay", bus, nil, log.New(io.Discard, "", 0))

	cfg := config.FeedConfig{Source: "replay", File: writeReplayFile(t, replayFixture)}
	replay := NewReplay(cfg, pub, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := replay.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewSelectsSource(t *testing.T) {
	pub := NewPublisher("feed", &captureBus{}, nil, log.New(io.Discard, "", 0))
	logger := log.New(io.Discard, "", 0)

	cases := []struct {
		source string
		want   string
	}{
		{source: "synthetic", want: "synthetic"},
		{source: "replay", want: "replay"},
		{source: "Websocket", want: "websocket"},
	}
	for _, tc := range cases {
		src, err := New(config.FeedConfig{Source: tc.source, Symbols: []string{"005930"}}, pub, logger)
		if err != nil {
			t.Fatalf("new %s: %v", tc.source, err)
		}
		if src.Name() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, src.Name())
		}
	}

	if _, err := New(config.FeedConfig{Source: "carrier-pigeon"}, pub, logger); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
