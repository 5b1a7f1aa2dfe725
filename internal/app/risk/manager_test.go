package risk

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

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
		t.Fatalf("manager did not subscribe to %s", evtType)
	}
	if err := handler(context.Background(), schema.NewEvent(evtType, "test", payload)); err != nil {
		t.Fatalf("drive %s: %v", evtType, err)
	}
}

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:     "1000000",
		MaxPositionValue: "5000000",
		MaxOpenPositions: 2,
		OrderRatePerSec:  100,
		OrderBurst:       2,
		StopLossRatio:    0.05,
		CheckInterval:    config.Duration(time.Hour),
	}
}

func newTestManager(t *testing.T, cfg config.RiskConfig) (*Manager, *routeBus) {
	t.Helper()
	bus := newRouteBus()
	mgr, err := NewManager(cfg, bus, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	mgr.clock = func() time.Time { return testDay }
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr, bus
}

func position(t *testing.T, symbol, qty, avg string) *schema.PositionUpdatePayload {
	t.Helper()
	return &schema.PositionUpdatePayload{
		Symbol:       symbol,
		Quantity:     dec(t, qty),
		AveragePrice: dec(t, avg),
		Timestamp:    testDay,
	}
}

func TestDailyLossLatchesEmergencyStop(t *testing.T) {
	mgr, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypeDailyPnLUpdated, &schema.DailyPnLPayload{
		Date: "2026-06-12", RealizedPnL: dec(t, "-500000"), Timestamp: testDay,
	})
	if mgr.Halted() {
		t.Fatal("loss under the limit must not halt")
	}

	bus.drive(t, schema.EventTypeDailyPnLUpdated, &schema.DailyPnLPayload{
		Date: "2026-06-12", RealizedPnL: dec(t, "-1200000"), Timestamp: testDay,
	})
	if !mgr.Halted() {
		t.Fatal("loss past the limit must halt")
	}

	stops := bus.byType(schema.EventTypeEmergencyStop)
	if len(stops) != 1 {
		t.Fatalf("expected one emergency stop, got %d", len(stops))
	}
	payload := stops[0].Payload.(*schema.EmergencyStopPayload)
	if payload.Rule != RuleDailyLoss {
		t.Fatalf("unexpected rule %q", payload.Rule)
	}
	if stops[0].Priority != schema.PriorityCritical {
		t.Fatalf("emergency stop must be critical, got %s", stops[0].Priority)
	}

	// A further breach must not publish again.
	bus.drive(t, schema.EventTypeDailyPnLUpdated, &schema.DailyPnLPayload{
		Date: "2026-06-12", RealizedPnL: dec(t, "-1500000"), Timestamp: testDay,
	})
	if got := len(bus.byType(schema.EventTypeEmergencyStop)); got != 1 {
		t.Fatalf("stop must latch once, got %d events", got)
	}
}

func TestOrderBurstAlert(t *testing.T) {
	_, bus := newTestManager(t, testConfig())

	placed := &schema.OrderPlacedPayload{
		OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		OrderType: schema.OrderTypeLimit, Quantity: dec(t, "10"),
		Price: dec(t, "70000"), Timestamp: testDay,
	}
	// Burst of 2 allows the first two; the third trips the limiter.
	for i := 0; i < 3; i++ {
		bus.drive(t, schema.EventTypeOrderPlaced, placed)
	}

	var rateAlerts int
	for _, evt := range bus.byType(schema.EventTypeRiskAlert) {
		if evt.Payload.(*schema.RiskAlertPayload).Rule == RuleOrderRate {
			rateAlerts++
		}
	}
	if rateAlerts != 1 {
		t.Fatalf("expected one order rate alert, got %d", rateAlerts)
	}
}

func TestOrderNotionalAlert(t *testing.T) {
	_, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypeOrderPlaced, &schema.OrderPlacedPayload{
		OrderID: "ord-1", Symbol: "005930", Side: schema.SideBuy,
		OrderType: schema.OrderTypeLimit, Quantity: dec(t, "100"),
		Price: dec(t, "70000"), Timestamp: testDay,
	})

	alerts := bus.byType(schema.EventTypeRiskAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	payload := alerts[0].Payload.(*schema.RiskAlertPayload)
	if payload.Rule != RulePositionValue || payload.Symbol != "005930" {
		t.Fatalf("unexpected alert %+v", payload)
	}
}

func TestOpenPositionCountAlert(t *testing.T) {
	_, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "10", "70000"))
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "000660", "10", "120000"))
	if got := len(bus.byType(schema.EventTypeRiskAlert)); got != 0 {
		t.Fatalf("two positions are within the limit, got %d alerts", got)
	}

	bus.drive(t, schema.EventTypePositionUpdated, position(t, "035720", "10", "50000"))
	alerts := bus.byType(schema.EventTypeRiskAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one open-count alert, got %d", len(alerts))
	}
	if alerts[0].Payload.(*schema.RiskAlertPayload).Rule != RuleOpenPositions {
		t.Fatalf("unexpected rule %+v", alerts[0].Payload)
	}

	// The same breach must not alert again until the count recovers.
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "035720", "20", "50000"))
	if got := len(bus.byType(schema.EventTypeRiskAlert)); got != 1 {
		t.Fatalf("repeat breach must stay quiet, got %d alerts", got)
	}

	// Closing one re-arms the rule for the next breach.
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "035720", "0", "0"))
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "10", "70000"))
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "035720", "10", "50000"))
	if got := len(bus.byType(schema.EventTypeRiskAlert)); got != 2 {
		t.Fatalf("re-armed breach should alert, got %d alerts", got)
	}
}

func TestStopLossFiresOncePerPositionEpisode(t *testing.T) {
	mgr, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "10", "70000"))
	bus.drive(t, schema.EventTypeMarketData, &schema.MarketData{
		Symbol: "005930", Interval: "1m", Timestamp: testDay, Close: dec(t, "66000"),
	})

	mgr.sweepStops(context.Background())
	exits := bus.byType(schema.EventTypeStopLossTriggered)
	if len(exits) != 1 {
		t.Fatalf("expected one stop loss, got %d", len(exits))
	}
	payload := exits[0].Payload.(*schema.PositionExitPayload)
	if payload.Symbol != "005930" || !payload.MarketPrice.Equal(dec(t, "66000")) {
		t.Fatalf("unexpected exit %+v", payload)
	}
	if !payload.PnL.Equal(dec(t, "-40000")) {
		t.Fatalf("expected pnl -40000, got %s", payload.PnL)
	}

	// Without a position change the stop stays fired.
	mgr.sweepStops(context.Background())
	if got := len(bus.byType(schema.EventTypeStopLossTriggered)); got != 1 {
		t.Fatalf("stop must fire once per episode, got %d", got)
	}

	// A changed position re-arms it.
	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "20", "68000"))
	bus.drive(t, schema.EventTypeMarketData, &schema.MarketData{
		Symbol: "005930", Interval: "1m", Timestamp: testDay, Close: dec(t, "60000"),
	})
	mgr.sweepStops(context.Background())
	if got := len(bus.byType(schema.EventTypeStopLossTriggered)); got != 2 {
		t.Fatalf("re-armed stop should fire, got %d", got)
	}
}

func TestStopLossIgnoresSmallDrawdown(t *testing.T) {
	mgr, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "10", "70000"))
	bus.drive(t, schema.EventTypeMarketData, &schema.MarketData{
		Symbol: "005930", Interval: "1m", Timestamp: testDay, Close: dec(t, "68000"),
	})

	mgr.sweepStops(context.Background())
	if got := len(bus.byType(schema.EventTypeStopLossTriggered)); got != 0 {
		t.Fatalf("2.9%% drawdown is under the 5%% floor, got %d stops", got)
	}
}

func TestStopLossOnShortPosition(t *testing.T) {
	mgr, bus := newTestManager(t, testConfig())

	bus.drive(t, schema.EventTypePositionUpdated, position(t, "005930", "-10", "70000"))
	bus.drive(t, schema.EventTypeMarketData, &schema.MarketData{
		Symbol: "005930", Interval: "1m", Timestamp: testDay, Close: dec(t, "74000"),
	})

	mgr.sweepStops(context.Background())
	exits := bus.byType(schema.EventTypeStopLossTriggered)
	if len(exits) != 1 {
		t.Fatalf("short position losing on a rally must stop out, got %d", len(exits))
	}
	payload := exits[0].Payload.(*schema.PositionExitPayload)
	if !payload.PnL.Equal(dec(t, "-40000")) {
		t.Fatalf("expected pnl -40000, got %s", payload.PnL)
	}
}

func TestInvalidLimitsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = "not-a-number"
	if _, err := NewManager(cfg, newRouteBus(), log.New(io.Discard, "", 0)); err == nil {
		t.Fatal("expected error for invalid daily loss limit")
	}
}
