package journal

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	domain "github.com/quantbridge/quantbridge/internal/domain/journal"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

var testDay = time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return v
}

// routeBus records publishes and hands subscription handlers back to the
// test keyed by event type.
type routeBus struct {
	mu       sync.Mutex
	events   []*schema.Event
	handlers map[schema.EventType]eventbus.Handler
}

func newRouteBus() *routeBus {
	return &routeBus{handlers: make(map[schema.EventType]eventbus.Handler)}
}

func (r *routeBus) Publish(_ context.Context, evt *schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *routeBus) Subscribe(_ context.Context, sub eventbus.Subscription) (eventbus.SubscriptionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[sub.EventType] = sub.Handler
	return eventbus.SubscriptionID("sub-" + string(sub.EventType)), nil
}

func (r *routeBus) Unsubscribe(eventbus.SubscriptionID) bool       { return true }
func (r *routeBus) Metrics() eventbus.MetricsSnapshot              { return eventbus.MetricsSnapshot{} }
func (r *routeBus) SubscriptionStats() []eventbus.SubscriptionStat { return nil }
func (r *routeBus) HealthCheck() eventbus.Health                   { return eventbus.Health{} }
func (r *routeBus) DeadLetters(int) []eventbus.DeadLetter          { return nil }
func (r *routeBus) Close()                                         {}

func (r *routeBus) byType(evt schema.EventType) []*schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*schema.Event, 0, len(r.events))
	for _, e := range r.events {
		if e.Type == evt {
			out = append(out, e)
		}
	}
	return out
}

func (r *routeBus) drive(t *testing.T, evtType schema.EventType, payload any) {
	t.Helper()
	r.mu.Lock()
	handler := r.handlers[evtType]
	r.mu.Unlock()
	if handler == nil {
		t.Fatalf("writer did not subscribe to %s", evtType)
	}
	if err := handler(context.Background(), schema.NewEvent(evtType, "test", payload)); err != nil {
		t.Fatalf("drive %s: %v", evtType, err)
	}
}

// fakeStore records every write and can fail the first failN calls.
type fakeStore struct {
	mu        sync.Mutex
	failN     int
	failWith  error
	orders    []domain.OrderEntry
	updates   []domain.OrderUpdate
	fills     []domain.FillEntry
	snapshots []domain.PositionSnapshot
	metrics   []domain.StrategyMetrics
}

func (f *fakeStore) fail() error {
	if f.failN > 0 {
		f.failN--
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("store down")
	}
	return nil
}

func (f *fakeStore) RecordOrder(_ context.Context, entry domain.OrderEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.orders = append(f.orders, entry)
	return nil
}

func (f *fakeStore) UpdateOrder(_ context.Context, update domain.OrderUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeStore) RecordFill(_ context.Context, entry domain.FillEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.fills = append(f.fills, entry)
	return nil
}

func (f *fakeStore) RecordPositionSnapshot(_ context.Context, snap domain.PositionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) UpsertStrategyMetrics(_ context.Context, row domain.StrategyMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.metrics = append(f.metrics, row)
	return nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(context.Context, domain.Tx) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) ListOrders(context.Context, domain.OrderQuery) ([]domain.OrderRecord, error) {
	return nil, nil
}

func (f *fakeStore) ListFills(context.Context, domain.FillQuery) ([]domain.FillRecord, error) {
	return nil, nil
}

func (f *fakeStore) ListPositionSnapshots(context.Context, domain.SnapshotQuery) ([]domain.PositionRecord, error) {
	return nil, nil
}

func (f *fakeStore) ListStrategyMetrics(context.Context, string, int) ([]domain.MetricsRecord, error) {
	return nil, nil
}

type staticMetrics struct {
	rows []domain.StrategyMetrics
}

func (s *staticMetrics) Rollups(time.Time) []domain.StrategyMetrics { return s.rows }

func testConfig() config.JournalConfig {
	return config.JournalConfig{
		MaxRetries:           2,
		RetryInitialInterval: config.Duration(time.Millisecond),
		RetryMaxInterval:     config.Duration(5 * time.Millisecond),
		MetricsFlushInterval: config.Duration(time.Hour),
	}
}

func newTestWriter(t *testing.T, store *fakeStore, metrics MetricsSource) (*Writer, *routeBus) {
	t.Helper()
	bus := newRouteBus()
	w := NewWriter(testConfig(), bus, store, metrics, log.New(io.Discard, "", 0))
	w.clock = func() time.Time { return testDay }
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	t.Cleanup(w.Close)
	return w, bus
}

func TestWriterRecordsOrderLifecycle(t *testing.T) {
	store := &fakeStore{}
	w, bus := newTestWriter(t, store, nil)

	bus.drive(t, schema.EventTypeOrderPlaced, &schema.OrderPlacedPayload{
		OrderID: "ord-1", BrokerOrderID: "brk-1", Symbol: "005930",
		Side: schema.SideBuy, OrderType: schema.OrderTypeLimit,
		Quantity: dec(t, "10"), Price: dec(t, "70000"),
		StrategyName: "momentum", Timestamp: testDay,
	})
	bus.drive(t, schema.EventTypeOrderExecuted, &schema.Fill{
		ID: "fill-1", OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		Quantity: dec(t, "10"), Price: dec(t, "70000"),
		Commission: dec(t, "105"), BrokerFillID: "bf-1", Timestamp: testDay,
	})
	bus.drive(t, schema.EventTypeOrderFullyExecuted, &schema.ExecutionProgressPayload{
		OrderID: "ord-1", Symbol: "005930",
		TotalQuantity: dec(t, "10"), FilledQuantity: dec(t, "10"),
		AveragePrice: dec(t, "70000"), TotalCommission: dec(t, "105"),
		FillCount: 1, Timestamp: testDay,
	})

	if len(store.orders) != 1 || store.orders[0].OrderID != "ord-1" {
		t.Fatalf("expected one order entry, got %+v", store.orders)
	}
	if store.orders[0].Status != string(schema.StatusSubmitted) {
		t.Fatalf("placed order must journal as SUBMITTED, got %s", store.orders[0].Status)
	}
	if len(store.fills) != 1 || store.fills[0].FillID != "fill-1" {
		t.Fatalf("expected one fill entry, got %+v", store.fills)
	}
	if len(store.updates) != 1 || store.updates[0].Status != string(schema.StatusFilled) {
		t.Fatalf("expected FILLED update, got %+v", store.updates)
	}
	if store.updates[0].CompletedAt == nil {
		t.Fatal("completed order must carry completion time")
	}
	if w.Writes() != 3 || w.Failures() != 0 {
		t.Fatalf("expected 3 writes 0 failures, got %d/%d", w.Writes(), w.Failures())
	}
}

func TestWriterRecordsFailureAndCancellation(t *testing.T) {
	store := &fakeStore{}
	_, bus := newTestWriter(t, store, nil)

	bus.drive(t, schema.EventTypeOrderFailed, &schema.OrderFailedPayload{
		OrderID: "ord-1", Symbol: "005930", ErrorCode: "broker",
		ErrorMessage: "rejected", Timestamp: testDay,
	})
	bus.drive(t, schema.EventTypeOrderCancelled, &schema.OrderCancelledPayload{
		OrderID: "ord-2", Symbol: "005930", Reason: "user",
		FilledQuantity: dec(t, "3"), Timestamp: testDay,
	})

	if len(store.updates) != 2 {
		t.Fatalf("expected two updates, got %+v", store.updates)
	}
	if store.updates[0].Status != string(schema.StatusFailed) {
		t.Fatalf("expected FAILED, got %s", store.updates[0].Status)
	}
	if store.updates[1].Status != string(schema.StatusCancelled) || !store.updates[1].FilledQuantity.Equal(dec(t, "3")) {
		t.Fatalf("expected CANCELLED with stranded fills, got %+v", store.updates[1])
	}
}

func TestWriterDerivesMarkPriceForSnapshots(t *testing.T) {
	store := &fakeStore{}
	_, bus := newTestWriter(t, store, nil)

	// 10 shares at 70000 with +15000 unrealized marks at 71500.
	bus.drive(t, schema.EventTypePositionUpdated, &schema.PositionUpdatePayload{
		Symbol: "005930", Quantity: dec(t, "10"), AveragePrice: dec(t, "70000"),
		RealizedPnL: dec(t, "0"), UnrealizedPnL: dec(t, "15000"), Timestamp: testDay,
	})

	if len(store.snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(store.snapshots))
	}
	if !store.snapshots[0].MarketPrice.Equal(dec(t, "71500")) {
		t.Fatalf("expected mark 71500, got %s", store.snapshots[0].MarketPrice)
	}
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failN: 2}
	w, bus := newTestWriter(t, store, nil)

	bus.drive(t, schema.EventTypeOrderExecuted, &schema.Fill{
		ID: "fill-1", OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		Quantity: dec(t, "10"), Price: dec(t, "70000"), Timestamp: testDay,
	})

	if len(store.fills) != 1 {
		t.Fatalf("write must land after retries, got %d fills", len(store.fills))
	}
	if w.Writes() != 1 || w.Failures() != 0 {
		t.Fatalf("expected 1 write 0 failures, got %d/%d", w.Writes(), w.Failures())
	}
}

func TestWriterSurfacesExhaustedRetries(t *testing.T) {
	store := &fakeStore{failN: 10}
	w, bus := newTestWriter(t, store, nil)

	bus.drive(t, schema.EventTypeOrderExecuted, &schema.Fill{
		ID: "fill-1", OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		Quantity: dec(t, "10"), Price: dec(t, "70000"), Timestamp: testDay,
	})

	if w.Failures() != 1 {
		t.Fatalf("expected one abandoned write, got %d", w.Failures())
	}
	sysErrors := bus.byType(schema.EventTypeSystemError)
	if len(sysErrors) != 1 {
		t.Fatalf("abandoned write must surface a system error, got %d", len(sysErrors))
	}
	payload := sysErrors[0].Payload.(*schema.SystemErrorPayload)
	if payload.Component != "journal" {
		t.Fatalf("unexpected component %q", payload.Component)
	}
}

func TestWriterStopsRetryOnTerminalError(t *testing.T) {
	store := &fakeStore{
		failN:    10,
		failWith: errs.New("test", errs.CodeInvalid, errs.WithMessage("bad row")),
	}
	w, bus := newTestWriter(t, store, nil)

	bus.drive(t, schema.EventTypeOrderExecuted, &schema.Fill{
		ID: "fill-1", OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		Quantity: dec(t, "10"), Price: dec(t, "70000"), Timestamp: testDay,
	})

	if w.Failures() != 1 {
		t.Fatalf("expected one abandoned write, got %d", w.Failures())
	}
	// One failed call, no retries burned on a terminal error.
	if store.failN != 9 {
		t.Fatalf("terminal error must not retry, %d fail budget left", store.failN)
	}
}

func TestWriterFlushesStrategyMetrics(t *testing.T) {
	store := &fakeStore{}
	metrics := &staticMetrics{rows: []domain.StrategyMetrics{
		{Strategy: "momentum", MetricsDate: testDay, TotalSignals: 5, WinRate: 0.6, TotalPnL: dec(t, "7000")},
		{Strategy: "swing", MetricsDate: testDay, TotalSignals: 2, WinRate: 0.5, TotalPnL: dec(t, "-300")},
	}}
	w, _ := newTestWriter(t, store, metrics)

	w.flushMetrics(context.Background())

	if len(store.metrics) != 2 {
		t.Fatalf("expected two metric rows, got %d", len(store.metrics))
	}
	if store.metrics[0].Strategy != "momentum" || store.metrics[1].Strategy != "swing" {
		t.Fatalf("unexpected rows %+v", store.metrics)
	}
}
