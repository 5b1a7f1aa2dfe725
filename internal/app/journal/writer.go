// Package journal mirrors the trading event stream into the Postgres trade
// journal. It is a plain bus subscriber: writes retry with bounded backoff
// and surface SYSTEM_ERROR events on exhaustion, and a failed write never
// feeds back into the trading path.
package journal

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/journal"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "journal"

// MetricsSource supplies per-strategy rollups for the periodic flush. The
// performance tracker satisfies it.
type MetricsSource interface {
	Rollups(date time.Time) []journal.StrategyMetrics
}

// Writer subscribes to order lifecycle, fill, and position events and lands
// them in the journal store.
type Writer struct {
	bus     eventbus.Bus
	store   journal.Store
	metrics MetricsSource
	logger  *log.Logger
	clock   func() time.Time

	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
	flushTick    time.Duration

	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subIDs  []eventbus.SubscriptionID
	wg      conc.WaitGroup

	writes   atomic.Int64
	failures atomic.Int64
}

// NewWriter builds the writer from its config section. metrics may be nil,
// which disables the periodic strategy-metrics flush.
func NewWriter(cfg config.JournalConfig, bus eventbus.Bus, store journal.Store, metrics MetricsSource, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.New(os.Stdout, "journal ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Writer{
		bus:          bus,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		clock:        time.Now,
		maxRetries:   cfg.MaxRetries,
		retryInitial: cfg.RetryInitialInterval.Std(),
		retryMax:     cfg.RetryMaxInterval.Std(),
		flushTick:    cfg.MetricsFlushInterval.Std(),
	}
}

// Start subscribes to the journalled event types and begins the metrics
// flush loop.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("journal writer already started"))
	}
	w.runCtx, w.cancel = context.WithCancel(ctx)

	subs := []eventbus.Subscription{
		{EventType: schema.EventTypeOrderPlaced, Component: scope, Handler: w.handleOrderPlaced},
		{EventType: schema.EventTypeOrderExecuted, Component: scope, Handler: w.handleFill},
		{EventType: schema.EventTypeOrderFailed, Component: scope, Handler: w.handleOrderFailed},
		{EventType: schema.EventTypeOrderCancelled, Component: scope, Handler: w.handleOrderCancelled},
		{EventType: schema.EventTypeOrderFullyExecuted, Component: scope, Handler: w.handleOrderCompleted},
		{EventType: schema.EventTypePositionUpdated, Component: scope, Handler: w.handlePositionUpdated},
	}
	for _, sub := range subs {
		id, err := w.bus.Subscribe(w.runCtx, sub)
		if err != nil {
			w.cancel()
			for _, registered := range w.subIDs {
				w.bus.Unsubscribe(registered)
			}
			return err
		}
		w.subIDs = append(w.subIDs, id)
	}

	if w.metrics != nil && w.flushTick > 0 {
		w.wg.Go(w.flushLoop)
	}
	w.logger.Printf("started, retry budget %d", w.maxRetries)
	return nil
}

// Close stops the flush loop, performs a final metrics flush, and drops the
// subscriptions.
func (w *Writer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	for _, id := range w.subIDs {
		w.bus.Unsubscribe(id)
	}
	w.wg.Wait()
	if w.metrics != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.flushMetrics(flushCtx)
	}
}

// Writes reports the count of successful journal writes.
func (w *Writer) Writes() int64 { return w.writes.Load() }

// Failures reports the count of writes abandoned after retry.
func (w *Writer) Failures() int64 { return w.failures.Load() }

func (w *Writer) handleOrderPlaced(ctx context.Context, evt *schema.Event) error {
	placed, ok := evt.Payload.(*schema.OrderPlacedPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order placed payload"))
	}
	entry := journal.OrderEntry{
		OrderID:       placed.OrderID,
		Symbol:        placed.Symbol,
		Side:          string(placed.Side),
		Type:          string(placed.OrderType),
		Status:        string(schema.StatusSubmitted),
		Quantity:      placed.Quantity,
		Price:         placed.Price,
		Strategy:      placed.StrategyName,
		BrokerOrderID: placed.BrokerOrderID,
		PlacedAt:      placed.Timestamp,
	}
	w.write(ctx, "order "+placed.OrderID, func(writeCtx context.Context) error {
		return w.store.RecordOrder(writeCtx, entry)
	})
	return nil
}

func (w *Writer) handleFill(ctx context.Context, evt *schema.Event) error {
	fill, ok := evt.Payload.(*schema.Fill)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected fill payload"))
	}
	entry := journal.FillEntry{
		OrderID:      fill.OrderID,
		FillID:       fill.ID,
		Symbol:       fill.Symbol,
		Side:         string(fill.Side),
		Quantity:     fill.Quantity,
		Price:        fill.Price,
		Commission:   fill.Commission,
		BrokerFillID: fill.BrokerFillID,
		TradedAt:     fill.Timestamp,
		Metadata:     fill.Metadata,
	}
	w.write(ctx, "fill "+fill.ID, func(writeCtx context.Context) error {
		return w.store.RecordFill(writeCtx, entry)
	})
	return nil
}

func (w *Writer) handleOrderFailed(ctx context.Context, evt *schema.Event) error {
	failed, ok := evt.Payload.(*schema.OrderFailedPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order failed payload"))
	}
	at := failed.Timestamp
	update := journal.OrderUpdate{
		OrderID:     failed.OrderID,
		Status:      string(schema.StatusFailed),
		CompletedAt: &at,
		Metadata: map[string]any{
			"error_code":    failed.ErrorCode,
			"error_message": failed.ErrorMessage,
		},
	}
	w.write(ctx, "order "+failed.OrderID+" failed", func(writeCtx context.Context) error {
		return w.store.UpdateOrder(writeCtx, update)
	})
	return nil
}

func (w *Writer) handleOrderCancelled(ctx context.Context, evt *schema.Event) error {
	cancelled, ok := evt.Payload.(*schema.OrderCancelledPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order cancelled payload"))
	}
	at := cancelled.Timestamp
	update := journal.OrderUpdate{
		OrderID:        cancelled.OrderID,
		Status:         string(schema.StatusCancelled),
		FilledQuantity: cancelled.FilledQuantity,
		CompletedAt:    &at,
		Metadata:       map[string]any{"reason": cancelled.Reason},
	}
	w.write(ctx, "order "+cancelled.OrderID+" cancelled", func(writeCtx context.Context) error {
		return w.store.UpdateOrder(writeCtx, update)
	})
	return nil
}

func (w *Writer) handleOrderCompleted(ctx context.Context, evt *schema.Event) error {
	progress, ok := evt.Payload.(*schema.ExecutionProgressPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected execution progress payload"))
	}
	at := progress.Timestamp
	update := journal.OrderUpdate{
		OrderID:        progress.OrderID,
		Status:         string(schema.StatusFilled),
		FilledQuantity: progress.FilledQuantity,
		AveragePrice:   progress.AveragePrice,
		Commission:     progress.TotalCommission,
		CompletedAt:    &at,
	}
	w.write(ctx, "order "+progress.OrderID+" filled", func(writeCtx context.Context) error {
		return w.store.UpdateOrder(writeCtx, update)
	})
	return nil
}

func (w *Writer) handlePositionUpdated(ctx context.Context, evt *schema.Event) error {
	update, ok := evt.Payload.(*schema.PositionUpdatePayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected position payload"))
	}
	snapshot := journal.PositionSnapshot{
		Symbol:        update.Symbol,
		Quantity:      update.Quantity,
		AveragePrice:  update.AveragePrice,
		MarketPrice:   markPrice(update),
		RealizedPnL:   update.RealizedPnL,
		UnrealizedPnL: update.UnrealizedPnL,
		SnapshotAt:    update.Timestamp,
	}
	w.write(ctx, "position "+update.Symbol, func(writeCtx context.Context) error {
		return w.store.RecordPositionSnapshot(writeCtx, snapshot)
	})
	return nil
}

// markPrice recovers the mark from average price and unrealized P&L; the
// snapshot payload does not carry it directly.
func markPrice(update *schema.PositionUpdatePayload) decimal.Decimal {
	if update.Quantity.IsZero() {
		return update.AveragePrice
	}
	return update.AveragePrice.Add(update.UnrealizedPnL.Div(update.Quantity))
}

// flushLoop upserts strategy metrics on the configured interval.
func (w *Writer) flushLoop() {
	ticker := time.NewTicker(w.flushTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			w.flushMetrics(w.runCtx)
		}
	}
}

func (w *Writer) flushMetrics(ctx context.Context) {
	now := w.clock().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	rollups := w.metrics.Rollups(date)
	if len(rollups) == 0 {
		return
	}
	w.write(ctx, "strategy metrics", func(writeCtx context.Context) error {
		return w.store.WithTransaction(writeCtx, func(txCtx context.Context, tx journal.Tx) error {
			for _, row := range rollups {
				if err := tx.UpsertStrategyMetrics(txCtx, row); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// write runs one store operation with bounded exponential backoff. Retries
// stop early on terminal classification or context cancellation; exhaustion
// surfaces as a SYSTEM_ERROR event.
func (w *Writer) write(ctx context.Context, what string, op func(context.Context) error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = w.retryInitial
	backoffCfg.MaxInterval = w.retryMax

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			w.writes.Add(1)
			return
		}
		if terminalWrite(err) || attempt >= w.maxRetries {
			break
		}
		w.logger.Printf("write %s attempt %d: %v, backing off", what, attempt+1, err)
		if serr := sleepFor(ctx, backoffCfg.NextBackOff()); serr != nil {
			err = serr
			break
		}
	}

	w.failures.Add(1)
	w.logger.Printf("write %s abandoned: %v", what, err)
	payload := &schema.SystemErrorPayload{
		Component: scope,
		Code:      string(errs.Classify(err)),
		Message:   "journal write failed: " + what,
		Timestamp: w.clock().UTC(),
	}
	evt := schema.NewEvent(schema.EventTypeSystemError, scope, payload,
		schema.WithPriority(schema.PriorityLow))
	if perr := w.bus.Publish(ctx, evt); perr != nil {
		w.logger.Printf("publish system error: %v", perr)
	}
}

// terminalWrite reports validation-style failures that retrying cannot fix.
// Store transport errors carry no classification and stay retryable.
func terminalWrite(err error) bool {
	switch errs.Classify(err) {
	case errs.CodeInvalid, errs.CodeConflict, errs.CodeNotFound:
		return true
	}
	return false
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
