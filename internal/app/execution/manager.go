// Package execution follows each working order fill by fill. One tracker
// per placed order aggregates progress, publishes the partial and full
// execution milestones, and a background sweeper flags partials that have
// gone quiet and orders the broker is slow to fill.
package execution

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/commission"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "execution"

// Manager owns the execution trackers. It listens to the order lifecycle,
// mirrors tracker snapshots to the state store, and is the only publisher
// of ORDER_PARTIALLY_EXECUTED and ORDER_FULLY_EXECUTED.
type Manager struct {
	bus    eventbus.Bus
	store  statestore.Store
	calc   *commission.Calculator
	logger *log.Logger
	clock  func() time.Time

	maxFillDelay     time.Duration
	maxPartialTime   time.Duration
	sweepInterval    time.Duration
	unusualThreshold decimal.Decimal
	minFillSize      decimal.Decimal
	maxFillsPerOrder int

	mu       sync.Mutex
	trackers map[string]*Tracker
	pending  map[string]time.Time

	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subIDs  []eventbus.SubscriptionID
	wg      conc.WaitGroup
}

// NewManager builds the tracker registry from the execution section. The
// commission calculator backfills fills that arrive without a fee.
func NewManager(cfg config.ExecutionConfig, bus eventbus.Bus, store statestore.Store, calc *commission.Calculator, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "execution ", log.LstdFlags|log.Lmicroseconds)
	}
	minSize, err := decimal.NewFromString(strings.TrimSpace(cfg.MinFillSize))
	if err != nil || minSize.Sign() <= 0 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("execution.minFillSize must be a positive decimal"))
	}
	if cfg.UnusualPriceThreshold <= 0 || cfg.UnusualPriceThreshold >= 1 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("execution.unusualPriceThreshold must be in (0,1)"))
	}
	return &Manager{
		bus:              bus,
		store:            store,
		calc:             calc,
		logger:           logger,
		clock:            time.Now,
		maxFillDelay:     cfg.MaxFillDelay.Std(),
		maxPartialTime:   cfg.MaxPartialFillTime.Std(),
		sweepInterval:    cfg.SweepInterval.Std(),
		unusualThreshold: decimal.NewFromFloat(cfg.UnusualPriceThreshold),
		minFillSize:      minSize,
		maxFillsPerOrder: cfg.MaxFillsPerOrder,
		trackers:         make(map[string]*Tracker),
		pending:          make(map[string]time.Time),
	}, nil
}

// Start reloads tracker snapshots from the store, subscribes to the order
// lifecycle, and launches the sweeper.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("execution manager already started"))
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)

	if loaded, err := m.load(m.runCtx); err != nil {
		m.logger.Printf("tracker restore: %v", err)
	} else if loaded > 0 {
		m.logger.Printf("restored %d execution trackers", loaded)
	}

	subs := []eventbus.Subscription{
		{EventType: schema.EventTypeOrderPlaced, Component: scope, Handler: m.handlePlaced},
		{EventType: schema.EventTypeOrderExecuted, Component: scope, Handler: m.handleFill},
		{EventType: schema.EventTypeOrderCancelled, Component: scope, Handler: m.handleCancelled},
	}
	for _, sub := range subs {
		id, err := m.bus.Subscribe(m.runCtx, sub)
		if err != nil {
			m.cancel()
			for _, registered := range m.subIDs {
				m.bus.Unsubscribe(registered)
			}
			return err
		}
		m.subIDs = append(m.subIDs, id)
	}

	m.wg.Go(m.sweeper)
	m.publishStatus(m.runCtx, "started", nil)
	m.logger.Printf("started, sweep every %s", m.sweepInterval)
	return nil
}

// Close drops the subscriptions, saves every live tracker, and waits for
// the sweeper.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, id := range m.subIDs {
		m.bus.Unsubscribe(id)
	}
	m.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	m.mu.Lock()
	for _, t := range m.trackers {
		m.mirror(ctx, t)
	}
	count := len(m.trackers)
	m.mu.Unlock()
	m.publishStatus(ctx, "stopped", nil)
	m.logger.Printf("stopped, %d trackers saved", count)
}

// handlePlaced opens a tracker for a broker-acknowledged order. Replays
// of the same acknowledgement keep the existing tracker and its fills.
func (m *Manager) handlePlaced(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.OrderPlacedPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order placed payload"))
	}
	if payload.OrderID == "" || payload.Symbol == "" || payload.Quantity.Sign() <= 0 {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("order placed payload missing id, symbol, or quantity"))
	}

	placedAt := payload.Timestamp
	if placedAt.IsZero() {
		placedAt = m.clock()
	}

	m.mu.Lock()
	if _, exists := m.trackers[payload.OrderID]; exists {
		m.mu.Unlock()
		m.logger.Printf("tracker for %s already open, keeping fills", payload.OrderID)
		return nil
	}
	t := newTracker(payload.OrderID, payload.Symbol, payload.Side, payload.Quantity, placedAt)
	m.trackers[payload.OrderID] = t
	m.pending[payload.OrderID] = placedAt
	m.mu.Unlock()

	m.mirror(ctx, t)
	m.logger.Printf("tracking %s %s %s qty=%s", payload.OrderID, payload.Side, payload.Symbol, payload.Quantity)
	return nil
}

// handleFill folds one execution into its tracker and publishes progress.
// Duplicate fill ids leave the tracker untouched; an overfill is a hard
// error because tracker and broker disagree about the order.
func (m *Manager) handleFill(ctx context.Context, evt *schema.Event) error {
	fill, ok := evt.Payload.(*schema.Fill)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected execution payload"))
	}
	if err := fill.Validate(); err != nil {
		return err
	}

	targetID := fill.OrderID
	m.mu.Lock()
	_, known := m.trackers[targetID]
	m.mu.Unlock()
	if !known {
		if mapped := m.mappedOrderID(ctx, fill.OrderID); mapped != "" {
			targetID = mapped
		}
	}

	m.mu.Lock()
	t, ok := m.trackers[targetID]
	if !ok {
		m.mu.Unlock()
		m.logger.Printf("fill %s for untracked order %s, skipping", fill.ID, fill.OrderID)
		return nil
	}
	if t.seen(fill.ID) {
		m.mu.Unlock()
		m.logger.Printf("duplicate fill %s on %s, skipping", fill.ID, t.OrderID)
		return nil
	}

	applied := *fill
	applied.OrderID = t.OrderID
	if applied.Commission.Sign() == 0 {
		fee, err := m.calc.Calculate(&schema.Order{Symbol: t.Symbol, Side: t.Side}, applied.Price, applied.Quantity)
		if err != nil {
			m.logger.Printf("recompute commission for fill %s: %v", applied.ID, err)
		} else {
			applied.Commission = fee
		}
	}
	if err := t.addFill(&applied, m.minFillSize, m.maxFillsPerOrder); err != nil {
		m.mu.Unlock()
		return err
	}

	var delay time.Duration
	if placedAt, waiting := m.pending[t.OrderID]; waiting {
		delay = applied.Timestamp.Sub(placedAt)
		delete(m.pending, t.OrderID)
	}

	full := t.FullyFilled()
	if full {
		delete(m.trackers, t.OrderID)
	}
	snap := t.status()
	m.mu.Unlock()

	if full {
		if err := m.store.Delete(ctx, statestore.ExecutionKey(snap.OrderID)); err != nil {
			m.logger.Printf("drop snapshot %s: %v", snap.OrderID, err)
		}
		m.bumpStats(ctx, "fully_executed_orders")
		m.publishProgress(ctx, schema.EventTypeOrderFullyExecuted, snap)
		m.logger.Printf("fully executed %s %s qty=%s avg=%s fills=%d",
			snap.OrderID, snap.Symbol, snap.TotalQuantity, snap.AveragePrice, snap.FillCount)
	} else {
		m.mirror(ctx, t)
		m.bumpStats(ctx, "partially_executed_orders")
		m.publishProgress(ctx, schema.EventTypeOrderPartiallyExecuted, snap)
		m.logger.Printf("partial execution %s: %s of %s", snap.OrderID, snap.FilledQuantity, snap.TotalQuantity)
	}

	if delay > m.maxFillDelay {
		m.alertFillDelay(ctx, snap.OrderID, snap.Symbol, delay)
	}
	m.checkUnusualPrice(ctx, snap.OrderID, snap.Symbol, applied.Price)
	return nil
}

// handleCancelled retires the tracker. A cancellation that strands a
// partial fill is announced so downstream accounting can pick up the
// executed remainder.
func (m *Manager) handleCancelled(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.OrderCancelledPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order cancelled payload"))
	}

	m.mu.Lock()
	t, ok := m.trackers[payload.OrderID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.trackers, payload.OrderID)
	delete(m.pending, payload.OrderID)
	partial := t.PartiallyFilled()
	snap := t.status()
	m.mu.Unlock()

	if err := m.store.Delete(ctx, statestore.ExecutionKey(snap.OrderID)); err != nil {
		m.logger.Printf("drop snapshot %s: %v", snap.OrderID, err)
	}
	if partial {
		cancelled := &schema.OrderCancelledPayload{
			OrderID:        snap.OrderID,
			Symbol:         snap.Symbol,
			Reason:         payload.Reason,
			FilledQuantity: snap.FilledQuantity,
			Timestamp:      m.clock(),
		}
		m.publish(ctx, schema.NewEvent(schema.EventTypePartialFillCancelled, scope, cancelled,
			schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(snap.OrderID)))
		m.logger.Printf("partial fill cancelled %s: filled %s, cancelled %s",
			snap.OrderID, snap.FilledQuantity, snap.Remaining)
	}
	m.logger.Printf("tracker closed for %s (%s)", payload.OrderID, payload.Reason)
	return nil
}

// ExecutionStatus reports the live tracker for an order, if any.
func (m *Manager) ExecutionStatus(orderID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[orderID]
	if !ok {
		return Status{}, false
	}
	return t.status(), true
}

// ActivePartialFills lists the trackers sitting between zero and full.
func (m *Manager) ActivePartialFills() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.trackers))
	for _, t := range m.trackers {
		if t.PartiallyFilled() {
			out = append(out, t.status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TrackedCount is the number of live trackers.
func (m *Manager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}

func (m *Manager) sweeper() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(m.runCtx)
		}
	}
}

// sweepOnce flags partials idle past maxPartialTime and orders the broker
// has not filled at all within maxFillDelay. Alerts repeat every sweep
// until the condition clears.
func (m *Manager) sweepOnce(ctx context.Context) {
	now := m.clock()

	type staleAlert struct {
		snap Status
		idle time.Duration
	}
	type delayAlert struct {
		orderID string
		symbol  string
		waited  time.Duration
	}
	var stale []staleAlert
	var delayed []delayAlert

	m.mu.Lock()
	for _, t := range m.trackers {
		if !t.PartiallyFilled() {
			continue
		}
		last := t.LastFillAt
		if last.IsZero() {
			last = t.CreatedAt
		}
		if idle := now.Sub(last); idle > m.maxPartialTime {
			stale = append(stale, staleAlert{snap: t.status(), idle: idle})
		}
	}
	for orderID, placedAt := range m.pending {
		if waited := now.Sub(placedAt); waited > m.maxFillDelay {
			symbol := ""
			if t, ok := m.trackers[orderID]; ok {
				symbol = t.Symbol
			}
			delayed = append(delayed, delayAlert{orderID: orderID, symbol: symbol, waited: waited})
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		payload := &schema.StaleFillAlertPayload{
			OrderID:       a.snap.OrderID,
			Symbol:        a.snap.Symbol,
			Filled:        a.snap.FilledQuantity,
			Remaining:     a.snap.Remaining,
			SinceLastFill: a.idle,
			Threshold:     m.maxPartialTime,
			Timestamp:     now,
		}
		m.publish(ctx, schema.NewEvent(schema.EventTypeStaleFillAlert, scope, payload,
			schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(a.snap.OrderID)))
		m.logger.Printf("stale partial fill %s: %s of %s, idle %s",
			a.snap.OrderID, a.snap.FilledQuantity, a.snap.TotalQuantity, a.idle)
	}
	for _, a := range delayed {
		m.alertFillDelay(ctx, a.orderID, a.symbol, a.waited)
	}
}

func (m *Manager) alertFillDelay(ctx context.Context, orderID, symbol string, delay time.Duration) {
	payload := &schema.FillDelayAlertPayload{
		OrderID:   orderID,
		Symbol:    symbol,
		Delay:     delay,
		Threshold: m.maxFillDelay,
		Timestamp: m.clock(),
	}
	m.publish(ctx, schema.NewEvent(schema.EventTypeFillDelayAlert, scope, payload,
		schema.WithCorrelationID(orderID)))
	m.logger.Printf("slow fill on %s (%s): %s past %s", orderID, symbol, delay, m.maxFillDelay)
}

// checkUnusualPrice compares the fill against the last mirrored close and
// alerts when the print deviates past the configured ratio. No mirror, no
// check.
func (m *Manager) checkUnusualPrice(ctx context.Context, orderID, symbol string, fillPrice decimal.Decimal) {
	raw, err := m.store.HashGet(ctx, statestore.MarketDataKey(symbol), "close")
	if err != nil {
		if !statestore.IsNotFound(err) {
			m.logger.Printf("market mirror for %s: %v", symbol, err)
		}
		return
	}
	market, err := decimal.NewFromString(raw)
	if err != nil || market.Sign() <= 0 {
		return
	}

	deviation := fillPrice.Sub(market).Abs().Div(market)
	if deviation.LessThanOrEqual(m.unusualThreshold) {
		return
	}
	ratio, _ := deviation.Float64()
	threshold, _ := m.unusualThreshold.Float64()
	payload := &schema.UnusualPriceAlertPayload{
		OrderID:     orderID,
		Symbol:      symbol,
		FillPrice:   fillPrice,
		MarketPrice: market,
		Deviation:   ratio,
		Threshold:   threshold,
		Timestamp:   m.clock(),
	}
	m.publish(ctx, schema.NewEvent(schema.EventTypeUnusualPriceAlert, scope, payload,
		schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(orderID)))
	m.logger.Printf("unusual price on %s: fill %s vs market %s", symbol, fillPrice, market)
}

func (m *Manager) publishProgress(ctx context.Context, evt schema.EventType, snap Status) {
	payload := &schema.ExecutionProgressPayload{
		OrderID:         snap.OrderID,
		Symbol:          snap.Symbol,
		TotalQuantity:   snap.TotalQuantity,
		FilledQuantity:  snap.FilledQuantity,
		Remaining:       snap.Remaining,
		FillRatio:       snap.FillRatio,
		AveragePrice:    snap.AveragePrice,
		TotalCommission: snap.TotalCommission,
		FillCount:       snap.FillCount,
		Timestamp:       m.clock(),
	}
	if evt == schema.EventTypeOrderFullyExecuted && !snap.LastFillAt.IsZero() {
		payload.ExecutionTime = snap.LastFillAt.Sub(snap.CreatedAt)
	}
	m.publish(ctx, schema.NewEvent(evt, scope, payload,
		schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(snap.OrderID)))
}

// mappedOrderID resolves a broker-assigned id through the broker-order
// cache the order engine maintains.
func (m *Manager) mappedOrderID(ctx context.Context, brokerID string) string {
	raw, err := m.store.Get(ctx, statestore.BrokerOrderKey(brokerID))
	if err != nil {
		if !statestore.IsNotFound(err) {
			m.logger.Printf("resolve broker order %s: %v", brokerID, err)
		}
		return ""
	}
	return string(raw)
}

func (m *Manager) mirror(ctx context.Context, t *Tracker) {
	if err := m.store.HashSetAll(ctx, statestore.ExecutionKey(t.OrderID), t.snapshotFields(m.clock())); err != nil {
		m.logger.Printf("mirror tracker %s: %v", t.OrderID, err)
	}
}

func (m *Manager) load(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, statestore.ExecutionPrefix())
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, key := range keys {
		fields, err := m.store.HashGetAll(ctx, key)
		if err != nil {
			m.logger.Printf("load %s: %v", key, err)
			continue
		}
		t, err := parseTracker(fields)
		if err != nil {
			m.logger.Printf("skip unparsable tracker %s: %v", key, err)
			continue
		}
		m.mu.Lock()
		m.trackers[t.OrderID] = t
		if t.Filled.Sign() == 0 && !t.CreatedAt.IsZero() {
			m.pending[t.OrderID] = t.CreatedAt
		}
		m.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func (m *Manager) publishStatus(ctx context.Context, status string, details map[string]string) {
	payload := &schema.SystemStatusPayload{
		Component: "execution_manager",
		Status:    status,
		Details:   details,
		Timestamp: m.clock(),
	}
	m.publish(ctx, schema.NewEvent(schema.EventTypeSystemStatus, scope, payload))
}

func (m *Manager) bumpStats(ctx context.Context, field string) {
	if _, err := m.store.HashIncr(ctx, statestore.DailyStatsKey(m.clock()), field, decimal.NewFromInt(1)); err != nil {
		m.logger.Printf("bump %s: %v", field, err)
	}
}

func (m *Manager) publish(ctx context.Context, evt *schema.Event) {
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.logger.Printf("publish %s: %v", evt.Type, err)
	}
}
