package feed

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/statestore/memory"
)

// captureBus records published events so feed tests can assert on fan-out
// without spinning up the real bus.
type captureBus struct {
	mu        sync.Mutex
	events    []*schema.Event
	fail      bool
	onPublish func(*schema.Event)
}

func (b *captureBus) Publish(_ context.Context, evt *schema.Event) error {
	b.mu.Lock()
	if b.fail {
		b.mu.Unlock()
		return errs.New("bus/test", errs.CodeUnavailable, errs.WithMessage("bus offline"))
	}
	b.events = append(b.events, evt)
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
	return nil
}

func (b *captureBus) Subscribe(context.Context, eventbus.Subscription) (eventbus.SubscriptionID, error) {
	return "", nil
}

func (b *captureBus) Unsubscribe(eventbus.SubscriptionID) bool          { return false }
func (b *captureBus) Metrics() eventbus.MetricsSnapshot                 { return eventbus.MetricsSnapshot{} }
func (b *captureBus) SubscriptionStats() []eventbus.SubscriptionStat    { return nil }
func (b *captureBus) HealthCheck() eventbus.Health                      { return eventbus.Health{} }
func (b *captureBus) DeadLetters(int) []eventbus.DeadLetter             { return nil }
func (b *captureBus) Close()                                            {}

func (b *captureBus) byType(evt schema.EventType) []*schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*schema.Event
	for _, e := range b.events {
		if e.Type == evt {
			out = append(out, e)
		}
	}
	return out
}

func (b *captureBus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func testCandle() *schema.MarketData {
	return &schema.MarketData{
		Symbol:    "005930",
		Interval:  "1m",
		Timestamp: time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC),
		Open:      decimal.NewFromInt(75000),
		High:      decimal.NewFromInt(75400),
		Low:       decimal.NewFromInt(74900),
		Close:     decimal.NewFromInt(75200),
		Volume:    decimal.NewFromInt(40_000_000_000),
		Indicators: map[string]decimal.Decimal{
			"sma_5":         decimal.NewFromInt(75000),
			"avg_volume_5d": decimal.NewFromInt(31_000_000_000),
		},
	}
}

func TestPublishCandleMirrorsAndFansOut(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	store := memory.New()
	defer func() { _ = store.Close() }()

	pub := NewPublisher("feed/test", bus, store, log.New(io.Discard, "", 0))
	if err := pub.PublishCandle(ctx, testCandle()); err != nil {
		t.Fatalf("publish candle: %v", err)
	}

	candles := bus.byType(schema.EventTypeMarketData)
	if len(candles) != 1 {
		t.Fatalf("expected 1 market data event, got %d", len(candles))
	}
	if candles[0].Source != "feed/test" {
		t.Fatalf("expected source feed/test, got %s", candles[0].Source)
	}

	inds := bus.byType(schema.EventTypeIndicatorsUpdated)
	if len(inds) != 1 {
		t.Fatalf("expected 1 indicators event, got %d", len(inds))
	}
	if inds[0].CorrelationID != candles[0].ID {
		t.Fatalf("expected indicators correlated to %s, got %s", candles[0].ID, inds[0].CorrelationID)
	}
	payload, ok := inds[0].Payload.(*schema.IndicatorsPayload)
	if !ok {
		t.Fatalf("expected *IndicatorsPayload, got %T", inds[0].Payload)
	}
	if payload.Values["sma_5"].String() != "75000" {
		t.Fatalf("expected sma_5 75000, got %s", payload.Values["sma_5"])
	}

	mirror, err := store.HashGetAll(ctx, statestore.MarketDataKey("005930"))
	if err != nil {
		t.Fatalf("read candle mirror: %v", err)
	}
	if mirror["close"] != "75200" {
		t.Fatalf("expected mirrored close 75200, got %s", mirror["close"])
	}
	if mirror["timestamp"] != "2026-06-12T10:00:00Z" {
		t.Fatalf("unexpected mirrored timestamp %s", mirror["timestamp"])
	}

	indMirror, err := store.HashGetAll(ctx, statestore.IndicatorsKey("005930"))
	if err != nil {
		t.Fatalf("read indicators mirror: %v", err)
	}
	if indMirror["avg_volume_5d"] != "31000000000" {
		t.Fatalf("expected mirrored avg_volume_5d, got %s", indMirror["avg_volume_5d"])
	}
}

func TestPublishCandleWithoutIndicators(t *testing.T) {
	bus := &captureBus{}
	store := memory.New()
	defer func() { _ = store.Close() }()

	md := testCandle()
	md.Indicators = nil

	pub := NewPublisher("feed/test", bus, store, log.New(io.Discard, "", 0))
	if err := pub.PublishCandle(context.Background(), md); err != nil {
		t.Fatalf("publish candle: %v", err)
	}
	if got := bus.len(); got != 1 {
		t.Fatalf("expected only market data event, got %d events", got)
	}
}

func TestPublishCandleRejectsInvalid(t *testing.T) {
	pub := NewPublisher("feed/test", &captureBus{}, nil, log.New(io.Discard, "", 0))
	err := pub.PublishCandle(context.Background(), &schema.MarketData{Symbol: ""})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid classification, got %s", errs.Classify(err))
	}
}

// flakyStore fails every hash write while delegating the rest.
type flakyStore struct {
	statestore.Store
}

func (flakyStore) HashSetAll(context.Context, string, map[string]string) error {
	return errs.New("statestore/test", errs.CodeUnavailable, errs.WithMessage("write failed"))
}

func TestPublishCandleSurvivesStoreFailure(t *testing.T) {
	bus := &captureBus{}
	store := memory.New()
	defer func() { _ = store.Close() }()

	pub := NewPublisher("feed/test", bus, flakyStore{Store: store}, log.New(io.Discard, "", 0))
	if err := pub.PublishCandle(context.Background(), testCandle()); err != nil {
		t.Fatalf("mirror failure must not fail publish: %v", err)
	}
	if got := bus.len(); got == 0 {
		t.Fatal("expected events despite store failure")
	}
}

func TestPublishOrderBook(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	store := memory.New()
	defer func() { _ = store.Close() }()

	pub := NewPublisher("feed/test", bus, store, log.New(io.Discard, "", 0))
	ob := &schema.OrderBookPayload{
		Symbol:  "005930",
		BestBid: decimal.NewFromInt(75190),
		BestAsk: decimal.NewFromInt(75210),
		BidSize: decimal.NewFromInt(1200),
		AskSize: decimal.NewFromInt(900),
	}
	if err := pub.PublishOrderBook(ctx, ob); err != nil {
		t.Fatalf("publish order book: %v", err)
	}
	if ob.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}

	events := bus.byType(schema.EventTypeOrderBookUpdated)
	if len(events) != 1 {
		t.Fatalf("expected 1 order book event, got %d", len(events))
	}

	mirror, err := store.HashGetAll(ctx, statestore.OrderBookKey("005930"))
	if err != nil {
		t.Fatalf("read order book mirror: %v", err)
	}
	if mirror["best_bid"] != "75190" || mirror["best_ask"] != "75210" {
		t.Fatalf("unexpected mirrored quote %s/%s", mirror["best_bid"], mirror["best_ask"])
	}
}

func TestPublishOrderBookRequiresSymbol(t *testing.T) {
	pub := NewPublisher("feed/test", &captureBus{}, nil, log.New(io.Discard, "", 0))
	if err := pub.PublishOrderBook(context.Background(), &schema.OrderBookPayload{}); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}
