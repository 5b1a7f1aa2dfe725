// Package orderengine turns trading signals into broker orders and
// reconciles the executions that come back. Signals are sized, validated,
// and buffered through the priority queue; submission workers drain the
// queue under a single processing lock so at most one order is in the
// dequeue-submit-cache window at a time.
package orderengine

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/app/commission"
	"github.com/quantbridge/quantbridge/internal/app/orderqueue"
	"github.com/quantbridge/quantbridge/internal/app/position"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/broker"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "orderengine"

// historyLimit bounds the in-memory order and fill diagnostic rings.
const historyLimit = 1000

// dispatchInterval is the idle poll cadence of the submission workers. A
// kick channel wakes them immediately after a queue add, so this only
// matters when a slot frees up without new work arriving.
const dispatchInterval = 100 * time.Millisecond

// monitorInterval is how often active orders are checked against the
// submission timeout and the queue is swept for expired entries.
const monitorInterval = 5 * time.Second

// activeOrder is an order the broker has been asked to work. The fill id
// set makes reconciliation idempotent under at-least-once delivery.
type activeOrder struct {
	order *schema.Order
	fills map[string]struct{}
}

// Status reports the engine surface.
type Status struct {
	Running     bool              `json:"is_running"`
	Halted      bool              `json:"is_halted"`
	ActiveCount int               `json:"active_orders_count"`
	Processed   int64             `json:"total_orders_processed"`
	Fills       int64             `json:"total_fills"`
	Failed      int64             `json:"total_failures"`
	Rejected    int64             `json:"total_rejections"`
	Queue       orderqueue.Status `json:"queue"`
}

// Engine converts signals to orders and drives the broker. One bus
// subscription feeds signals, a second feeds executions; both are serial,
// so handlers never race each other for the same event type.
type Engine struct {
	bus       eventbus.Bus
	store     statestore.Store
	queue     *orderqueue.Queue
	broker    broker.Adapter
	positions *position.Manager
	calc      *commission.Calculator
	limiter   *rate.Limiter
	logger    *log.Logger
	clock     func() time.Time

	maxOrderValue decimal.Decimal
	minQuantity   decimal.Decimal
	maxQuantity   decimal.Decimal
	cashRatio     decimal.Decimal
	maxPositions  int
	maxRetries    int
	orderTimeout  time.Duration

	mu        sync.RWMutex
	active    map[string]*activeOrder
	history   []*schema.Order
	fillRing  []*schema.Fill
	processed int64
	fillCount int64
	failed    int64
	rejected  int64

	// processing serializes dequeue, broker submission, and the broker-id
	// cache write across workers.
	processing sync.Mutex

	halted  atomic.Bool
	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subIDs  []eventbus.SubscriptionID
	wg      conc.WaitGroup
	kick    chan struct{}
}

// NewEngine builds the engine from the engine section. The queue, broker,
// position manager, and commission calculator are shared with the rest of
// the system and must outlive the engine.
func NewEngine(cfg config.EngineConfig, bus eventbus.Bus, store statestore.Store, queue *orderqueue.Queue, adapter broker.Adapter, positions *position.Manager, calc *commission.Calculator, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "orderengine ", log.LstdFlags|log.Lmicroseconds)
	}
	maxValue, err := decimal.NewFromString(strings.TrimSpace(cfg.MaxOrderValue))
	if err != nil || maxValue.Sign() <= 0 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("engine.maxOrderValue must be a positive decimal"))
	}
	minQty, err := decimal.NewFromString(strings.TrimSpace(cfg.MinOrderQuantity))
	if err != nil || minQty.Sign() <= 0 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("engine.minOrderQuantity must be a positive decimal"))
	}
	maxQty, err := decimal.NewFromString(strings.TrimSpace(cfg.MaxOrderQuantity))
	if err != nil || maxQty.LessThan(minQty) {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("engine.maxOrderQuantity must be >= minOrderQuantity"))
	}
	if cfg.CashAllocationRatio <= 0 || cfg.CashAllocationRatio > 1 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("engine.cashAllocationRatio must be in (0,1]"))
	}
	return &Engine{
		bus:           bus,
		store:         store,
		queue:         queue,
		broker:        adapter,
		positions:     positions,
		calc:          calc,
		limiter:       rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst),
		logger:        logger,
		clock:         time.Now,
		maxOrderValue: maxValue,
		minQuantity:   minQty,
		maxQuantity:   maxQty,
		cashRatio:     decimal.NewFromFloat(cfg.CashAllocationRatio),
		maxPositions:  cfg.MaxPositionCount,
		maxRetries:    cfg.MaxSubmitRetries,
		orderTimeout:  cfg.OrderTimeout.Std(),
		active:        make(map[string]*activeOrder),
		kick:          make(chan struct{}, 1),
	}, nil
}

// Start restores the queue, subscribes to signals, executions, and the
// emergency-stop channel, and launches the submission workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("order engine already started"))
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)

	if err := e.queue.Load(e.runCtx); err != nil {
		e.logger.Printf("queue restore: %v", err)
	}

	subs := []eventbus.Subscription{
		{EventType: schema.EventTypeTradingSignal, Component: scope, Handler: e.handleSignal},
		{EventType: schema.EventTypeOrderExecuted, Component: scope, Handler: e.handleExecution},
		{EventType: schema.EventTypeEmergencyStop, Component: scope, Handler: e.handleEmergencyStop},
	}
	for _, sub := range subs {
		id, err := e.bus.Subscribe(e.runCtx, sub)
		if err != nil {
			e.cancel()
			for _, registered := range e.subIDs {
				e.bus.Unsubscribe(registered)
			}
			return err
		}
		e.subIDs = append(e.subIDs, id)
	}

	workers := e.queue.Status().MaxConcurrentOrders
	for i := 0; i < workers; i++ {
		e.wg.Go(e.worker)
	}
	e.wg.Go(e.monitor)

	e.publishStatus(e.runCtx, "started", nil)
	e.logger.Printf("started with %d submission workers, timeout %s", workers, e.orderTimeout)
	return nil
}

// Close cancels every working order at the broker, drops the
// subscriptions, and waits for the workers to drain.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, id := range e.subIDs {
		e.bus.Unsubscribe(id)
	}

	// runCtx is already cancelled, so the broker cancels run on a fresh
	// bounded context.
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, id := range e.activeIDs() {
		if err := e.cancelOrder(ctx, id, "shutdown"); err != nil {
			e.logger.Printf("cancel %s on shutdown: %v", id, err)
		}
	}

	e.wg.Wait()
	e.publishStatus(ctx, "stopped", nil)
	e.logger.Printf("stopped")
}

// handleSignal converts one signal into a queued order. Rejections are
// logged and counted but never fail the handler; a bad signal is an
// outcome, not a delivery error.
func (e *Engine) handleSignal(ctx context.Context, evt *schema.Event) error {
	signal, ok := evt.Payload.(*schema.TradingSignal)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected trading signal payload"))
	}
	if err := signal.Validate(); err != nil {
		return err
	}
	if signal.Action == schema.ActionHold {
		return nil
	}
	if e.halted.Load() {
		e.logger.Printf("dropped %s %s from %s: trading halted", signal.Action, signal.Symbol, signal.Strategy)
		return nil
	}

	order, budgeted, err := e.buildOrder(ctx, signal)
	if err != nil {
		e.reject(signal, err)
		return nil
	}
	if err := e.validateOrder(ctx, order, budgeted); err != nil {
		e.reject(signal, err)
		return nil
	}
	if err := e.queue.Add(ctx, order); err != nil {
		e.reject(signal, err)
		return nil
	}

	e.logger.Printf("queued %s %s %s qty=%s from %s", order.ID, order.Side, order.Symbol, order.Quantity, signal.Strategy)
	e.kickWorkers()
	return nil
}

func (e *Engine) reject(signal *schema.TradingSignal, err error) {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()
	e.logger.Printf("rejected %s %s from %s: %v", signal.Action, signal.Symbol, signal.Strategy, err)
}

func (e *Engine) kickWorkers() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// worker drains the queue until the run context ends. The queue caps how
// many orders sit in the processing set, so a full active book parks the
// workers on the ticker.
func (e *Engine) worker() {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-e.kick:
		case <-ticker.C:
		}
		e.dispatch()
	}
}

func (e *Engine) dispatch() {
	for {
		if e.halted.Load() || e.runCtx.Err() != nil {
			return
		}
		e.processing.Lock()
		order, ok := e.queue.Next(e.runCtx)
		if !ok {
			e.processing.Unlock()
			return
		}
		e.submit(e.runCtx, order)
		e.processing.Unlock()
	}
}

// submit transmits one dequeued order. The order joins the active book
// before the broker call so executions that race the acknowledgement
// still find it.
func (e *Engine) submit(ctx context.Context, order *schema.Order) {
	order.Status = schema.StatusSubmitted
	order.UpdatedAt = e.clock()

	e.mu.Lock()
	e.active[order.ID] = &activeOrder{order: order, fills: make(map[string]struct{})}
	e.mu.Unlock()

	result, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.mu.Lock()
		delete(e.active, order.ID)
		e.mu.Unlock()
		e.failOrder(ctx, order, err)
		return
	}

	order.BrokerOrderID = result.BrokerOrderID
	order.UpdatedAt = e.clock()
	if result.BrokerOrderID != "" {
		key := statestore.BrokerOrderKey(result.BrokerOrderID)
		if err := e.store.Set(ctx, key, []byte(order.ID), 0); err != nil {
			e.logger.Printf("cache broker id %s for %s: %v", result.BrokerOrderID, order.ID, err)
		}
	}

	e.mu.Lock()
	e.processed++
	e.mu.Unlock()

	e.publishPlaced(ctx, order)
	e.logger.Printf("placed %s %s %s qty=%s broker_id=%s", order.ID, order.Side, order.Symbol, order.Quantity, order.BrokerOrderID)
}

// placeWithRetry submits through the pacing limiter and retries
// retryable broker failures with exponential backoff. Validation,
// balance, and market-hours rejections are terminal on the first answer.
func (e *Engine) placeWithRetry(ctx context.Context, order *schema.Order) (broker.OrderResult, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = 2 * time.Second

	for attempt := 0; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return broker.OrderResult{}, err
		}
		result, err := e.broker.PlaceOrder(ctx, order)
		if err == nil && result.Success {
			return result, nil
		}
		if err == nil {
			err = errs.New(scope, errs.CodeBroker, errs.WithMessage("broker rejected order: "+result.Message))
		}
		if errs.Terminal(err) || attempt >= e.maxRetries {
			return broker.OrderResult{}, err
		}
		e.logger.Printf("place %s attempt %d: %v, backing off", order.ID, attempt+1, err)
		if serr := sleepFor(ctx, backoffCfg.NextBackOff()); serr != nil {
			return broker.OrderResult{}, serr
		}
	}
}

func (e *Engine) failOrder(ctx context.Context, order *schema.Order, cause error) {
	order.Status = schema.StatusFailed
	order.UpdatedAt = e.clock()
	e.queue.Remove(ctx, order.ID)
	e.appendHistory(order)

	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	payload := &schema.OrderFailedPayload{
		OrderID:      order.ID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		StrategyName: order.StrategyName,
		ErrorCode:    string(errs.Classify(cause)),
		ErrorMessage: cause.Error(),
		Timestamp:    e.clock(),
	}
	e.publish(ctx, schema.NewEvent(schema.EventTypeOrderFailed, scope, payload,
		schema.WithCorrelationID(order.ID)))
	e.logger.Printf("failed %s %s %s: %v", order.ID, order.Side, order.Symbol, cause)
}

func (e *Engine) publishPlaced(ctx context.Context, order *schema.Order) {
	payload := &schema.OrderPlacedPayload{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderType:     order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StrategyName:  order.StrategyName,
		Timestamp:     e.clock(),
	}
	e.publish(ctx, schema.NewEvent(schema.EventTypeOrderPlaced, scope, payload,
		schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(order.ID)))
}

// handleExecution reconciles one broker fill into the order and the
// position book. Unknown orders are skipped, duplicate fill ids are
// skipped, and a zero commission is recomputed from the fee schedule so
// downstream accounting never sees a free trade.
func (e *Engine) handleExecution(ctx context.Context, evt *schema.Event) error {
	fill, ok := evt.Payload.(*schema.Fill)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected execution payload"))
	}
	if err := fill.Validate(); err != nil {
		return err
	}

	targetID := fill.OrderID
	e.mu.RLock()
	_, known := e.active[targetID]
	e.mu.RUnlock()
	if !known {
		if mapped := e.mappedOrderID(ctx, fill.OrderID); mapped != "" {
			targetID = mapped
		}
	}

	e.mu.Lock()
	entry, ok := e.active[targetID]
	if !ok {
		e.mu.Unlock()
		e.logger.Printf("fill %s for unknown order %s, skipping", fill.ID, fill.OrderID)
		return nil
	}
	if _, seen := entry.fills[fill.ID]; seen {
		e.mu.Unlock()
		e.logger.Printf("duplicate fill %s for order %s, skipping", fill.ID, entry.order.ID)
		return nil
	}

	applied := *fill
	applied.OrderID = entry.order.ID
	if applied.Commission.Sign() == 0 {
		fee, err := e.calc.Calculate(entry.order, applied.Price, applied.Quantity)
		if err != nil {
			e.logger.Printf("recompute commission for fill %s: %v", applied.ID, err)
		} else {
			applied.Commission = fee
		}
	}

	if err := entry.order.ApplyFill(applied); err != nil {
		e.mu.Unlock()
		return err
	}
	entry.fills[applied.ID] = struct{}{}
	order := entry.order
	filled := order.Status == schema.StatusFilled
	if filled {
		delete(e.active, order.ID)
	}
	e.fillCount++
	e.mu.Unlock()

	if _, realized, err := e.positions.ApplyFill(ctx, &applied); err != nil {
		e.logger.Printf("position update for fill %s: %v", applied.ID, err)
	} else if realized.Sign() != 0 {
		e.logger.Printf("fill %s realized %s on %s", applied.ID, realized, applied.Symbol)
	}

	if _, err := e.store.HashIncr(ctx, statestore.DailyStatsKey(e.clock()), "total_fills", decimal.NewFromInt(1)); err != nil {
		e.logger.Printf("bump daily fill count: %v", err)
	}
	e.appendFill(&applied)

	if filled {
		e.queue.Remove(ctx, order.ID)
		e.appendHistory(order)
		e.kickWorkers()
		e.logger.Printf("filled %s %s %s qty=%s avg=%s", order.ID, order.Side, order.Symbol, order.FilledQuantity, order.AveragePrice)
	} else {
		e.logger.Printf("partial fill %s on %s: %s of %s", applied.ID, order.ID, order.FilledQuantity, order.Quantity)
	}
	return nil
}

// mappedOrderID resolves a broker-assigned id to the engine id through
// the broker-order cache.
func (e *Engine) mappedOrderID(ctx context.Context, brokerID string) string {
	raw, err := e.store.Get(ctx, statestore.BrokerOrderKey(brokerID))
	if err != nil {
		if !statestore.IsNotFound(err) {
			e.logger.Printf("resolve broker order %s: %v", brokerID, err)
		}
		return ""
	}
	return string(raw)
}

// handleEmergencyStop halts signal intake and dispatch, cancelling the
// working book. A resume event re-opens intake without replaying anything
// dropped during the halt.
func (e *Engine) handleEmergencyStop(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(*schema.EmergencyStopPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected emergency stop payload"))
	}

	if payload.Resume {
		if e.halted.CompareAndSwap(true, false) {
			e.publishStatus(ctx, "resumed", map[string]string{"reason": payload.Reason})
			e.logger.Printf("trading resumed: %s", payload.Reason)
			e.kickWorkers()
		}
		return nil
	}

	if !e.halted.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Printf("emergency stop: %s (rule %s)", payload.Reason, payload.Rule)
	for _, id := range e.activeIDs() {
		if err := e.cancelOrder(ctx, id, "emergency_stop"); err != nil {
			e.logger.Printf("cancel %s on emergency stop: %v", id, err)
		}
	}
	e.publishStatus(ctx, "halted", map[string]string{"reason": payload.Reason, "rule": payload.Rule})
	return nil
}

// monitor cancels active orders that outlive the submission timeout and
// expires stale queue entries.
func (e *Engine) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(e.runCtx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	now := e.clock()
	var timedout []string
	e.mu.RLock()
	for id, entry := range e.active {
		if now.Sub(entry.order.CreatedAt) > e.orderTimeout {
			timedout = append(timedout, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range timedout {
		if err := e.cancelOrder(ctx, id, "timeout"); err != nil {
			e.logger.Printf("cancel %s on timeout: %v", id, err)
		}
	}
	if n := e.queue.Sweep(ctx); n > 0 {
		e.logger.Printf("expired %d queued orders", n)
	}
}

// cancelOrder removes the order from the active book, asks the broker to
// cancel the remainder, and reports the cancellation. Fills that raced
// ahead of the cancel stay applied; anything after it is skipped as
// unknown.
func (e *Engine) cancelOrder(ctx context.Context, orderID, reason string) error {
	e.mu.Lock()
	entry, ok := e.active[orderID]
	if ok {
		delete(e.active, orderID)
		entry.order.Status = schema.StatusCancelled
		entry.order.UpdatedAt = e.clock()
	}
	e.mu.Unlock()
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("order "+orderID+" not active"))
	}

	order := entry.order
	if order.BrokerOrderID != "" {
		if _, err := e.broker.CancelOrder(ctx, order.ID); err != nil {
			e.logger.Printf("broker cancel %s (%s): %v", order.ID, reason, err)
		}
	}
	e.queue.Remove(ctx, order.ID)
	e.appendHistory(order)

	payload := &schema.OrderCancelledPayload{
		OrderID:        order.ID,
		Symbol:         order.Symbol,
		Reason:         reason,
		FilledQuantity: order.FilledQuantity,
		Timestamp:      e.clock(),
	}
	e.publish(ctx, schema.NewEvent(schema.EventTypeOrderCancelled, scope, payload,
		schema.WithCorrelationID(order.ID)))
	e.logger.Printf("cancelled %s %s %s: %s", order.ID, order.Side, order.Symbol, reason)
	e.kickWorkers()
	return nil
}

// CancelByID cancels one active order on operator request.
func (e *Engine) CancelByID(ctx context.Context, orderID string) error {
	return e.cancelOrder(ctx, orderID, "manual")
}

// CancelSymbol cancels every active order for symbol and reports how many
// were cancelled.
func (e *Engine) CancelSymbol(ctx context.Context, symbol string) int {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var ids []string
	e.mu.RLock()
	for id, entry := range e.active {
		if entry.order.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		if err := e.cancelOrder(ctx, id, "symbol_cancel_"+symbol); err == nil {
			cancelled++
		}
	}
	return cancelled
}

// ActiveOrders returns copies of the working book sorted by creation time.
func (e *Engine) ActiveOrders() []*schema.Order {
	e.mu.RLock()
	out := make([]*schema.Order, 0, len(e.active))
	for _, entry := range e.active {
		out = append(out, entry.order.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OrderHistory returns up to limit of the most recent terminal orders,
// oldest first.
func (e *Engine) OrderHistory(limit int) []*schema.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]*schema.Order, 0, limit)
	for _, order := range e.history[len(e.history)-limit:] {
		out = append(out, order.Clone())
	}
	return out
}

// FillHistory returns up to limit of the most recent fills, oldest first.
func (e *Engine) FillHistory(limit int) []*schema.Fill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.fillRing) {
		limit = len(e.fillRing)
	}
	out := make([]*schema.Fill, 0, limit)
	for _, fill := range e.fillRing[len(e.fillRing)-limit:] {
		c := *fill
		out = append(out, &c)
	}
	return out
}

// Status reports the engine surface.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Running:     e.started.Load(),
		Halted:      e.halted.Load(),
		ActiveCount: len(e.active),
		Processed:   e.processed,
		Fills:       e.fillCount,
		Failed:      e.failed,
		Rejected:    e.rejected,
		Queue:       e.queue.Status(),
	}
}

func (e *Engine) activeIDs() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) appendHistory(order *schema.Order) {
	e.mu.Lock()
	e.history = append(e.history, order.Clone())
	if len(e.history) > historyLimit {
		e.history = append(e.history[:0:0], e.history[len(e.history)-historyLimit:]...)
	}
	e.mu.Unlock()
}

func (e *Engine) appendFill(fill *schema.Fill) {
	c := *fill
	e.mu.Lock()
	e.fillRing = append(e.fillRing, &c)
	if len(e.fillRing) > historyLimit {
		e.fillRing = append(e.fillRing[:0:0], e.fillRing[len(e.fillRing)-historyLimit:]...)
	}
	e.mu.Unlock()
}

func (e *Engine) publishStatus(ctx context.Context, status string, details map[string]string) {
	payload := &schema.SystemStatusPayload{
		Component: "order_engine",
		Status:    status,
		Details:   details,
		Timestamp: e.clock(),
	}
	e.publish(ctx, schema.NewEvent(schema.EventTypeSystemStatus, scope, payload))
}

func (e *Engine) publish(ctx context.Context, evt *schema.Event) {
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.Printf("publish %s: %v", evt.Type, err)
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
