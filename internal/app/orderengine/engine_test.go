package orderengine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/commission"
	"github.com/quantbridge/quantbridge/internal/app/orderqueue"
	"github.com/quantbridge/quantbridge/internal/app/position"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/broker"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
	"github.com/quantbridge/quantbridge/internal/infra/statestore/memory"
)

// Mid-session so DAY orders stay live regardless of when the tests run.
var testDay = time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return v
}

// captureBus records publishes and hands subscriptions back to the test so
// events can be driven synchronously.
type captureBus struct {
	mu       sync.Mutex
	events   []*schema.Event
	handlers map[schema.EventType]eventbus.Handler
	nextSub  int
}

func (c *captureBus) Publish(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureBus) Subscribe(_ context.Context, sub eventbus.Subscription) (eventbus.SubscriptionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[schema.EventType]eventbus.Handler)
	}
	c.handlers[sub.EventType] = sub.Handler
	c.nextSub++
	return eventbus.SubscriptionID(fmt.Sprintf("sub-%d", c.nextSub)), nil
}

func (c *captureBus) Unsubscribe(eventbus.SubscriptionID) bool       { return true }
func (c *captureBus) Metrics() eventbus.MetricsSnapshot              { return eventbus.MetricsSnapshot{} }
func (c *captureBus) SubscriptionStats() []eventbus.SubscriptionStat { return nil }
func (c *captureBus) HealthCheck() eventbus.Health                   { return eventbus.Health{} }
func (c *captureBus) DeadLetters(int) []eventbus.DeadLetter          { return nil }
func (c *captureBus) Close()                                         {}

func (c *captureBus) byType(evt schema.EventType) []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*schema.Event, 0, len(c.events))
	for _, e := range c.events {
		if e.Type == evt {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureBus) handler(t *testing.T, evt schema.EventType) eventbus.Handler {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[evt]
	if !ok {
		t.Fatalf("no subscription for %s", evt)
	}
	return h
}

// scriptedBroker accepts everything unless the test preloads failures.
type scriptedBroker struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	placed    []*schema.Order
	cancelled []string
	failures  []error
	seq       int
}

func (b *scriptedBroker) Name() string { return "scripted" }

func (b *scriptedBroker) PlaceOrder(_ context.Context, order *schema.Order) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, order.Clone())
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return broker.OrderResult{Message: err.Error()}, err
	}
	b.seq++
	return broker.OrderResult{
		Success:       true,
		BrokerOrderID: fmt.Sprintf("scripted-%d", b.seq),
		Message:       "accepted",
	}, nil
}

func (b *scriptedBroker) CancelOrder(_ context.Context, orderID string) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, orderID)
	return broker.OrderResult{Success: true, Message: "cancelled"}, nil
}

func (b *scriptedBroker) OrderStatus(context.Context, string) (*schema.Order, error) {
	return nil, errs.New("broker/scripted", errs.CodeNotFound, errs.WithMessage("not tracked"))
}

func (b *scriptedBroker) Positions(context.Context) ([]*schema.Position, error) { return nil, nil }

func (b *scriptedBroker) AccountBalance(context.Context) (broker.AccountBalance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.AccountBalance{AvailableCash: b.cash, TotalAssets: b.cash}, nil
}

func (b *scriptedBroker) setCash(t *testing.T, s string) {
	t.Helper()
	b.mu.Lock()
	b.cash = dec(t, s)
	b.mu.Unlock()
}

func (b *scriptedBroker) failNext(n int, code errs.Code) {
	b.mu.Lock()
	for i := 0; i < n; i++ {
		b.failures = append(b.failures, errs.New("broker/scripted", code, errs.WithMessage("scripted "+string(code))))
	}
	b.mu.Unlock()
}

func (b *scriptedBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func (b *scriptedBroker) lastPlaced(t *testing.T) *schema.Order {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.placed) == 0 {
		t.Fatal("broker received no orders")
	}
	return b.placed[len(b.placed)-1]
}

func (b *scriptedBroker) cancelledIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

type engineEnv struct {
	engine    *Engine
	bus       *captureBus
	store     statestore.Store
	queue     *orderqueue.Queue
	broker    *scriptedBroker
	positions *position.Manager
	now       time.Time
}

// newTestEngine wires the engine against the in-memory store and the
// scripted broker. The run context is armed without Start so tests drive
// dispatch synchronously; lifecycle tests call Start themselves.
func newTestEngine(t *testing.T, cfg config.EngineConfig) *engineEnv {
	t.Helper()
	if cfg.MaxOrderValue == "" {
		cfg.MaxOrderValue = "10000000"
	}
	if cfg.MaxPositionCount == 0 {
		cfg.MaxPositionCount = 10
	}
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = config.Duration(30 * time.Second)
	}
	if cfg.MinOrderQuantity == "" {
		cfg.MinOrderQuantity = "1"
	}
	if cfg.MaxOrderQuantity == "" {
		cfg.MaxOrderQuantity = "100000"
	}
	if cfg.CashAllocationRatio == 0 {
		cfg.CashAllocationRatio = 0.1
	}
	if cfg.MaxSubmitRetries == 0 {
		cfg.MaxSubmitRetries = 3
	}
	if cfg.SubmitRatePerSec == 0 {
		cfg.SubmitRatePerSec = 10000
	}
	if cfg.SubmitBurst == 0 {
		cfg.SubmitBurst = 100
	}

	env := &engineEnv{now: testDay}
	env.bus = &captureBus{}
	env.store = memory.New()
	t.Cleanup(func() { _ = env.store.Close() })

	quiet := log.New(io.Discard, "", 0)
	env.queue = orderqueue.New(config.QueueConfig{MaxQueueSize: 64, MaxConcurrentOrders: 8}, env.store, quiet)
	env.queue.SetClock(func() time.Time { return env.now })

	positions, err := position.NewManager(config.PositionConfig{
		PositionSizeLimit: "100000000000",
		DefaultVolatility: 0.02,
	}, env.bus, env.store, quiet)
	if err != nil {
		t.Fatalf("position.NewManager: %v", err)
	}
	env.positions = positions

	calc, err := commission.New(config.CommissionConfig{})
	if err != nil {
		t.Fatalf("commission.New: %v", err)
	}

	env.broker = &scriptedBroker{cash: dec(t, "1000000000")}

	engine, err := NewEngine(cfg, env.bus, env.store, env.queue, env.broker, positions, calc, quiet)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.clock = func() time.Time { return env.now }
	engine.runCtx, engine.cancel = context.WithCancel(context.Background())
	t.Cleanup(engine.cancel)
	env.engine = engine
	return env
}

func buySignal(strategy, symbol string, confidence float64, price string) *schema.TradingSignal {
	s := &schema.TradingSignal{
		Strategy:   strategy,
		Symbol:     symbol,
		Action:     schema.ActionBuy,
		Confidence: confidence,
		Timestamp:  testDay,
	}
	if price != "" {
		s.Price = decimal.RequireFromString(price)
	}
	return s
}

func (env *engineEnv) sendSignal(t *testing.T, sig *schema.TradingSignal) {
	t.Helper()
	evt := schema.NewEvent(schema.EventTypeTradingSignal, "strategy/test", sig, schema.WithPriority(schema.PriorityHigh))
	if err := env.engine.handleSignal(context.Background(), evt); err != nil {
		t.Fatalf("handleSignal: %v", err)
	}
}

func (env *engineEnv) placeAndDispatch(t *testing.T, sig *schema.TradingSignal) *schema.Order {
	t.Helper()
	seen := map[string]bool{}
	for _, o := range env.engine.ActiveOrders() {
		seen[o.ID] = true
	}
	env.sendSignal(t, sig)
	env.engine.dispatch()
	actives := env.engine.ActiveOrders()
	if len(actives) != len(seen)+1 {
		t.Fatalf("expected %d active orders after dispatch, got %d", len(seen)+1, len(actives))
	}
	// ActiveOrders sorts by CreatedAt, which can tie at wall-clock
	// resolution; pick the new order by id rather than by position.
	for _, o := range actives {
		if !seen[o.ID] {
			return o
		}
	}
	t.Fatal("no new active order found after dispatch")
	return nil
}

func (env *engineEnv) deliverFill(t *testing.T, fill *schema.Fill) {
	t.Helper()
	evt := schema.NewEvent(schema.EventTypeOrderExecuted, "broker/test", fill, schema.WithPriority(schema.PriorityHigh))
	if err := env.engine.handleExecution(context.Background(), evt); err != nil {
		t.Fatalf("handleExecution: %v", err)
	}
}

func (env *engineEnv) fillFor(t *testing.T, order *schema.Order, qty, price string) *schema.Fill {
	t.Helper()
	f := schema.NewFill(order.ID, order.Symbol, order.Side, dec(t, qty), dec(t, price))
	f.BrokerFillID = "bf-" + f.ID
	f.Timestamp = env.now
	return &f
}

func (env *engineEnv) seedPosition(t *testing.T, symbol, qty, price string) {
	t.Helper()
	f := schema.NewFill("seed-"+symbol, symbol, schema.SideBuy, dec(t, qty), dec(t, price))
	f.Commission = dec(t, "100")
	f.Timestamp = testDay
	if _, _, err := env.positions.ApplyFill(context.Background(), &f); err != nil {
		t.Fatalf("seed position %s: %v", symbol, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSignalSizingMatchesCashAllocation(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	// 1e9 cash * 0.1 allocation capped at 1e7, weighted by 0.7*1.5, at
	// 75200 per share floors to 139.
	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	if order.Side != schema.SideBuy || order.Type != schema.OrderTypeLimit {
		t.Fatalf("expected BUY LIMIT, got %s %s", order.Side, order.Type)
	}
	if !order.Quantity.Equal(dec(t, "139")) {
		t.Fatalf("expected quantity 139, got %s", order.Quantity)
	}
	if order.Status != schema.StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", order.Status)
	}
	if order.BrokerOrderID == "" {
		t.Fatal("expected broker order id on active order")
	}
	if order.StrategyName != "golden-cross" {
		t.Fatalf("expected strategy golden-cross, got %q", order.StrategyName)
	}
	if order.Metadata["signal_confidence"] != 0.7 {
		t.Fatalf("expected signal confidence in metadata, got %v", order.Metadata)
	}

	if got := env.broker.placedCount(); got != 1 {
		t.Fatalf("expected 1 broker submission, got %d", got)
	}
	placed := env.bus.byType(schema.EventTypeOrderPlaced)
	if len(placed) != 1 {
		t.Fatalf("expected 1 ORDER_PLACED, got %d", len(placed))
	}
	payload, ok := placed[0].Payload.(*schema.OrderPlacedPayload)
	if !ok {
		t.Fatalf("expected *OrderPlacedPayload, got %T", placed[0].Payload)
	}
	if payload.OrderID != order.ID || payload.BrokerOrderID != order.BrokerOrderID {
		t.Fatalf("payload ids do not match order: %+v", payload)
	}

	raw, err := env.store.Get(ctx, statestore.BrokerOrderKey(order.BrokerOrderID))
	if err != nil {
		t.Fatalf("read broker order mapping: %v", err)
	}
	if string(raw) != order.ID {
		t.Fatalf("expected mapping to %s, got %s", order.ID, raw)
	}

	status := env.engine.Status()
	if status.Processed != 1 || status.ActiveCount != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHoldSignalsAndForeignPayloadsIgnored(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	hold := buySignal("idle", "005930", 0.9, "75200")
	hold.Action = schema.ActionHold
	env.sendSignal(t, hold)
	env.engine.dispatch()
	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected no submissions for HOLD, got %d", got)
	}
	if status := env.engine.Status(); status.Rejected != 0 {
		t.Fatalf("HOLD must not count as rejection, got %+v", status)
	}

	evt := schema.NewEvent(schema.EventTypeTradingSignal, "strategy/test", "not a signal")
	if err := env.engine.handleSignal(context.Background(), evt); errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestZeroSizedSignalRejected(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.broker.setCash(t, "1000")

	env.sendSignal(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	env.engine.dispatch()

	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %+v", status)
	}
}

func TestComputedQuantityClampedToBand(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{MaxOrderQuantity: "100"})
	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	if !order.Quantity.Equal(dec(t, "100")) {
		t.Fatalf("expected clamp to 100, got %s", order.Quantity)
	}

	// Lifting a small size to the floor must not dodge the value cap.
	lifted := newTestEngine(t, config.EngineConfig{MinOrderQuantity: "500"})
	lifted.sendSignal(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	lifted.engine.dispatch()
	if got := lifted.broker.placedCount(); got != 0 {
		t.Fatalf("expected value cap rejection, got %d submissions", got)
	}
	if status := lifted.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %+v", status)
	}
}

func TestExplicitQuantityOverValueCapRejected(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	sig := buySignal("manual", "005930", 0.9, "20000")
	sig.Quantity = dec(t, "1000")
	env.sendSignal(t, sig)
	env.engine.dispatch()

	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected no submissions above the value cap, got %d", got)
	}
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %+v", status)
	}
}

func TestMaxPositionCountExemptsHeldSymbols(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{MaxPositionCount: 1})
	env.seedPosition(t, "000660", "10", "1000")

	env.sendSignal(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	env.engine.dispatch()
	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected position count rejection, got %d submissions", got)
	}

	held := buySignal("golden-cross", "000660", 0.7, "1000")
	held.Quantity = dec(t, "5")
	env.sendSignal(t, held)
	env.engine.dispatch()
	if got := env.broker.placedCount(); got != 1 {
		t.Fatalf("expected add to held symbol to pass, got %d submissions", got)
	}
}

func TestInsufficientCashRejected(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.broker.setCash(t, "1000")

	sig := buySignal("manual", "005930", 0.9, "75200")
	sig.Quantity = dec(t, "10")
	env.sendSignal(t, sig)
	env.engine.dispatch()

	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected cash rejection, got %d submissions", got)
	}
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %+v", status)
	}
}

func TestUnquantifiedSellLiquidatesHolding(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.seedPosition(t, "005930", "100", "75000")

	// A forced market-close signal carries no quantity: the whole
	// holding goes out, not a cash-budget size.
	sell := buySignal("ma_momentum", "005930", 1.0, "")
	sell.Action = schema.ActionSell
	order := env.placeAndDispatch(t, sell)
	if order.Side != schema.SideSell || order.Type != schema.OrderTypeMarket {
		t.Fatalf("expected SELL MARKET, got %s %s", order.Side, order.Type)
	}
	if !order.Quantity.Equal(dec(t, "100")) {
		t.Fatalf("expected held quantity 100, got %s", order.Quantity)
	}
	if got := env.broker.placedCount(); got != 1 {
		t.Fatalf("expected 1 submission, got %d", got)
	}
	if status := env.engine.Status(); status.Rejected != 0 {
		t.Fatalf("liquidation must not be rejected, got %+v", status)
	}
}

func TestUnquantifiedSellExemptFromValueCap(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.seedPosition(t, "005930", "200", "75000")

	// 200 * 75000 sits above the per-order value cap; a liquidation must
	// still close the holding whole.
	sell := buySignal("ma_momentum", "005930", 1.0, "75000")
	sell.Action = schema.ActionSell
	order := env.placeAndDispatch(t, sell)
	if !order.Quantity.Equal(dec(t, "200")) {
		t.Fatalf("expected full holding 200, got %s", order.Quantity)
	}
}

func TestUnquantifiedSellCappedAtMaxQuantity(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{MaxOrderQuantity: "40"})
	env.seedPosition(t, "005930", "100", "75000")

	sell := buySignal("ma_momentum", "005930", 1.0, "")
	sell.Action = schema.ActionSell
	order := env.placeAndDispatch(t, sell)
	if !order.Quantity.Equal(dec(t, "40")) {
		t.Fatalf("expected ceiling clamp to 40, got %s", order.Quantity)
	}
}

func TestUnquantifiedSellWithoutPositionRejected(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	sell := buySignal("ma_momentum", "005930", 1.0, "")
	sell.Action = schema.ActionSell
	env.sendSignal(t, sell)
	env.engine.dispatch()
	if got := env.broker.placedCount(); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %+v", status)
	}
}

func TestSellRepricedToBestBid(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()
	env.seedPosition(t, "005930", "100", "75000")
	env.seedPosition(t, "000660", "100", "1000")

	err := env.store.HashSetAll(ctx, statestore.OrderBookKey("005930"), map[string]string{
		"best_bid": "75100",
		"best_ask": "75250",
	})
	if err != nil {
		t.Fatalf("seed order book: %v", err)
	}

	sell := buySignal("exit", "005930", 0.9, "75150")
	sell.Action = schema.ActionSell
	sell.Quantity = dec(t, "50")
	order := env.placeAndDispatch(t, sell)
	if order.Side != schema.SideSell || !order.Price.Equal(dec(t, "75100")) {
		t.Fatalf("expected SELL repriced to 75100, got %s at %s", order.Side, order.Price)
	}

	// No order book mirror: the signal price stands.
	bare := buySignal("exit", "000660", 0.9, "990")
	bare.Action = schema.ActionSell
	bare.Quantity = dec(t, "50")
	order = env.placeAndDispatch(t, bare)
	if !order.Price.Equal(dec(t, "990")) {
		t.Fatalf("expected signal price 990 kept, got %s", order.Price)
	}
}

func TestStopOrdersFromSignalMetadata(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	stop := buySignal("breakout", "005930", 0.9, "")
	stop.Quantity = dec(t, "10")
	stop.Metadata = map[string]any{"order_type": "STOP", "stop_price": "70000"}
	order := env.placeAndDispatch(t, stop)
	if order.Type != schema.OrderTypeStop || !order.StopPrice.Equal(dec(t, "70000")) {
		t.Fatalf("expected STOP at 70000, got %s stop=%s", order.Type, order.StopPrice)
	}

	stopLimit := buySignal("breakout", "000660", 0.9, "69900")
	stopLimit.Quantity = dec(t, "10")
	stopLimit.Metadata = map[string]any{"order_type": "STOP_LIMIT", "stop_price": 70000.0}
	order = env.placeAndDispatch(t, stopLimit)
	if order.Type != schema.OrderTypeStopLimit {
		t.Fatalf("expected STOP_LIMIT, got %s", order.Type)
	}
	if !order.Price.Equal(dec(t, "69900")) || !order.StopPrice.Equal(dec(t, "70000")) {
		t.Fatalf("unexpected stop-limit prices %s / %s", order.Price, order.StopPrice)
	}

	missing := buySignal("breakout", "005380", 0.9, "")
	missing.Quantity = dec(t, "10")
	missing.Metadata = map[string]any{"order_type": "STOP"}
	env.sendSignal(t, missing)
	env.engine.dispatch()
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected stop without trigger rejected, got %+v", status)
	}
}

func TestUnpricedSignalUsesMarketMirror(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	err := env.store.HashSetAll(ctx, statestore.MarketDataKey("005930"), map[string]string{"close": "75200"})
	if err != nil {
		t.Fatalf("seed market mirror: %v", err)
	}

	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, ""))
	if order.Type != schema.OrderTypeMarket {
		t.Fatalf("expected MARKET, got %s", order.Type)
	}
	if !order.Quantity.Equal(dec(t, "139")) {
		t.Fatalf("expected quantity 139 from mirror close, got %s", order.Quantity)
	}

	// Without any reference price the signal cannot be sized.
	env.sendSignal(t, buySignal("golden-cross", "000660", 0.7, ""))
	env.engine.dispatch()
	if status := env.engine.Status(); status.Rejected != 1 {
		t.Fatalf("expected unpriced signal rejected, got %+v", status)
	}
}

func TestRetryableFailuresRetriedThenPlaced(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.broker.failNext(2, errs.CodeNetwork)

	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	if got := env.broker.placedCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if order.BrokerOrderID == "" {
		t.Fatal("expected accepted order after retries")
	}
	if failed := env.bus.byType(schema.EventTypeOrderFailed); len(failed) != 0 {
		t.Fatalf("expected no ORDER_FAILED, got %d", len(failed))
	}
}

func TestTerminalFailurePublishesOrderFailed(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	env.broker.failNext(1, errs.CodeInsufficientBalance)

	env.sendSignal(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	env.engine.dispatch()

	if got := env.broker.placedCount(); got != 1 {
		t.Fatalf("expected single attempt for terminal failure, got %d", got)
	}
	failed := env.bus.byType(schema.EventTypeOrderFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 ORDER_FAILED, got %d", len(failed))
	}
	payload, ok := failed[0].Payload.(*schema.OrderFailedPayload)
	if !ok {
		t.Fatalf("expected *OrderFailedPayload, got %T", failed[0].Payload)
	}
	if payload.ErrorCode != string(errs.CodeInsufficientBalance) {
		t.Fatalf("expected error code %s, got %s", errs.CodeInsufficientBalance, payload.ErrorCode)
	}

	history := env.engine.OrderHistory(0)
	if len(history) != 1 || history[0].Status != schema.StatusFailed {
		t.Fatalf("expected FAILED order in history, got %+v", history)
	}
	if qs := env.queue.Status(); qs.ProcessingCount != 0 || qs.PendingCount != 0 {
		t.Fatalf("expected queue drained, got %+v", qs)
	}
	if status := env.engine.Status(); status.Failed != 1 || status.ActiveCount != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRetriesExhaustedFailsOrder(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{MaxSubmitRetries: 1})
	env.broker.failNext(5, errs.CodeUnavailable)

	env.sendSignal(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	env.engine.dispatch()

	if got := env.broker.placedCount(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if failed := env.bus.byType(schema.EventTypeOrderFailed); len(failed) != 1 {
		t.Fatalf("expected 1 ORDER_FAILED, got %d", len(failed))
	}
}

func TestFillReconciliationIsIdempotent(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))

	first := env.fillFor(t, order, "100", "75200")
	env.deliverFill(t, first)

	actives := env.engine.ActiveOrders()
	if len(actives) != 1 || actives[0].Status != schema.StatusPartialFilled {
		t.Fatalf("expected partial fill on active order, got %+v", actives)
	}
	if !actives[0].FilledQuantity.Equal(dec(t, "100")) {
		t.Fatalf("expected filled 100, got %s", actives[0].FilledQuantity)
	}
	fills := env.engine.FillHistory(0)
	if len(fills) != 1 {
		t.Fatalf("expected 1 recorded fill, got %d", len(fills))
	}
	if fills[0].Commission.Sign() <= 0 {
		t.Fatalf("expected commission recomputed for zero-commission fill, got %s", fills[0].Commission)
	}

	// Same fill id again: at-least-once delivery must not double count.
	env.deliverFill(t, first)
	if got := env.engine.FillHistory(0); len(got) != 1 {
		t.Fatalf("expected duplicate skipped, got %d fills", len(got))
	}
	pos, err := env.positions.Position("005930")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if !pos.Quantity.Equal(dec(t, "100")) {
		t.Fatalf("expected position 100 after duplicate, got %s", pos.Quantity)
	}

	env.deliverFill(t, env.fillFor(t, order, "39", "75210"))
	if actives := env.engine.ActiveOrders(); len(actives) != 0 {
		t.Fatalf("expected no active orders after full fill, got %d", len(actives))
	}
	history := env.engine.OrderHistory(0)
	if len(history) != 1 || history[0].Status != schema.StatusFilled {
		t.Fatalf("expected FILLED in history, got %+v", history)
	}
	if qs := env.queue.Status(); qs.ProcessingCount != 0 {
		t.Fatalf("expected processing slot released, got %+v", qs)
	}
	pos, err = env.positions.Position("005930")
	if err != nil {
		t.Fatalf("Position after full fill: %v", err)
	}
	if !pos.Quantity.Equal(dec(t, "139")) {
		t.Fatalf("expected position 139, got %s", pos.Quantity)
	}

	stats, err := env.store.HashGetAll(ctx, statestore.DailyStatsKey(testDay))
	if err != nil {
		t.Fatalf("read daily stats: %v", err)
	}
	if stats["total_fills"] != "2" {
		t.Fatalf("expected 2 total fills, got %q", stats["total_fills"])
	}
	if status := env.engine.Status(); status.Fills != 2 {
		t.Fatalf("expected fill counter 2, got %+v", status)
	}
}

func TestFillForUnknownOrderSkipped(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	f := schema.NewFill("no-such-order", "005930", schema.SideBuy, dec(t, "10"), dec(t, "75200"))
	f.Timestamp = testDay
	env.deliverFill(t, &f)

	if status := env.engine.Status(); status.Fills != 0 {
		t.Fatalf("expected unknown fill skipped, got %+v", status)
	}
}

func TestFillResolvedThroughBrokerIDCache(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})

	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	fill := env.fillFor(t, order, "139", "75200")
	fill.OrderID = order.BrokerOrderID
	env.deliverFill(t, fill)

	history := env.engine.OrderHistory(0)
	if len(history) != 1 || history[0].Status != schema.StatusFilled {
		t.Fatalf("expected broker-id fill applied, got %+v", history)
	}
	if history[0].ID != order.ID {
		t.Fatalf("expected fill resolved to %s, got %s", order.ID, history[0].ID)
	}
}

func TestTimeoutSweepCancelsStaleOrders(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{OrderTimeout: config.Duration(30 * time.Second)})

	order := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	env.engine.sweepOnce(context.Background())
	if len(env.engine.ActiveOrders()) != 1 {
		t.Fatal("expected fresh order untouched by sweep")
	}

	env.now = env.now.Add(31 * time.Second)
	env.engine.sweepOnce(context.Background())

	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatal("expected stale order cancelled")
	}
	if ids := env.broker.cancelledIDs(); len(ids) != 1 || ids[0] != order.ID {
		t.Fatalf("expected broker cancel for %s, got %v", order.ID, ids)
	}
	cancelled := env.bus.byType(schema.EventTypeOrderCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("expected 1 ORDER_CANCELLED, got %d", len(cancelled))
	}
	payload := cancelled[0].Payload.(*schema.OrderCancelledPayload)
	if payload.Reason != "timeout" {
		t.Fatalf("expected timeout reason, got %q", payload.Reason)
	}
	history := env.engine.OrderHistory(0)
	if len(history) != 1 || history[0].Status != schema.StatusCancelled {
		t.Fatalf("expected CANCELLED in history, got %+v", history)
	}
}

func TestEmergencyStopHaltsAndResumeReopens(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))

	stop := schema.NewEvent(schema.EventTypeEmergencyStop, "risk/test", &schema.EmergencyStopPayload{
		Reason:    "daily loss limit",
		Rule:      "max_daily_loss",
		Timestamp: testDay,
	})
	if err := env.engine.handleEmergencyStop(ctx, stop); err != nil {
		t.Fatalf("handleEmergencyStop: %v", err)
	}

	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatal("expected active orders cancelled on halt")
	}
	payload := env.bus.byType(schema.EventTypeOrderCancelled)[0].Payload.(*schema.OrderCancelledPayload)
	if payload.Reason != "emergency_stop" {
		t.Fatalf("expected emergency_stop reason, got %q", payload.Reason)
	}

	env.sendSignal(t, buySignal("golden-cross", "000660", 0.7, "1000"))
	env.engine.dispatch()
	if got := env.broker.placedCount(); got != 1 {
		t.Fatalf("expected signal dropped while halted, got %d submissions", got)
	}

	resume := schema.NewEvent(schema.EventTypeEmergencyStop, "risk/test", &schema.EmergencyStopPayload{
		Reason:    "operator reset",
		Resume:    true,
		Timestamp: testDay,
	})
	if err := env.engine.handleEmergencyStop(ctx, resume); err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.placeAndDispatch(t, buySignal("golden-cross", "000660", 0.7, "1000"))
	if got := env.broker.placedCount(); got != 2 {
		t.Fatalf("expected submission after resume, got %d", got)
	}

	var statuses []string
	for _, evt := range env.bus.byType(schema.EventTypeSystemStatus) {
		statuses = append(statuses, evt.Payload.(*schema.SystemStatusPayload).Status)
	}
	if len(statuses) != 2 || statuses[0] != "halted" || statuses[1] != "resumed" {
		t.Fatalf("expected halted then resumed, got %v", statuses)
	}
}

func TestManualAndSymbolCancel(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	first := env.placeAndDispatch(t, buySignal("golden-cross", "005930", 0.7, "75200"))
	second := env.placeAndDispatch(t, buySignal("golden-cross", "000660", 0.7, "1000"))

	if err := env.engine.CancelByID(ctx, first.ID); err != nil {
		t.Fatalf("CancelByID: %v", err)
	}
	if err := env.engine.CancelByID(ctx, first.ID); errs.Classify(err) != errs.CodeNotFound {
		t.Fatalf("expected not found for repeat cancel, got %v", err)
	}

	if got := env.engine.CancelSymbol(ctx, "000660"); got != 1 {
		t.Fatalf("expected 1 symbol cancel, got %d", got)
	}
	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatal("expected empty active book")
	}

	reasons := map[string]string{}
	for _, evt := range env.bus.byType(schema.EventTypeOrderCancelled) {
		p := evt.Payload.(*schema.OrderCancelledPayload)
		reasons[p.OrderID] = p.Reason
	}
	if reasons[first.ID] != "manual" {
		t.Fatalf("expected manual reason for %s, got %q", first.ID, reasons[first.ID])
	}
	if reasons[second.ID] != "symbol_cancel_000660" {
		t.Fatalf("expected symbol reason for %s, got %q", second.ID, reasons[second.ID])
	}
}

func TestStartSubscribesAndCloseCancelsActives(t *testing.T) {
	env := newTestEngine(t, config.EngineConfig{})
	ctx := context.Background()

	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.engine.Start(ctx); errs.Classify(err) != errs.CodeConflict {
		t.Fatalf("expected conflict on double start, got %v", err)
	}

	for _, evt := range []schema.EventType{
		schema.EventTypeTradingSignal,
		schema.EventTypeOrderExecuted,
		schema.EventTypeEmergencyStop,
	} {
		env.bus.handler(t, evt)
	}

	sig := schema.NewEvent(schema.EventTypeTradingSignal, "strategy/test",
		buySignal("golden-cross", "005930", 0.7, "75200"), schema.WithPriority(schema.PriorityHigh))
	if err := env.bus.handler(t, schema.EventTypeTradingSignal)(ctx, sig); err != nil {
		t.Fatalf("signal through subscription: %v", err)
	}
	waitFor(t, "worker submission", func() bool { return env.broker.placedCount() == 1 })

	env.engine.Close()

	if ids := env.broker.cancelledIDs(); len(ids) != 1 {
		t.Fatalf("expected shutdown cancel, got %v", ids)
	}
	cancelled := env.bus.byType(schema.EventTypeOrderCancelled)
	if len(cancelled) != 1 || cancelled[0].Payload.(*schema.OrderCancelledPayload).Reason != "shutdown" {
		t.Fatalf("expected shutdown cancellation, got %v", cancelled)
	}

	var statuses []string
	for _, evt := range env.bus.byType(schema.EventTypeSystemStatus) {
		p := evt.Payload.(*schema.SystemStatusPayload)
		if p.Component == "order_engine" {
			statuses = append(statuses, p.Status)
		}
	}
	if len(statuses) != 2 || statuses[0] != "started" || statuses[1] != "stopped" {
		t.Fatalf("expected started then stopped, got %v", statuses)
	}
}
