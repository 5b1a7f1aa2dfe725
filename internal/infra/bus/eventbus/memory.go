package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/telemetry"
)

// MemoryBus is the in-process implementation of the event bus. Routing runs
// synchronously under a read lock into per-subscription bounded channels; one
// drain goroutine per subscription invokes the handler serially while a
// bus-wide semaphore caps concurrent handler executions.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu          sync.RWMutex
	subscribers map[schema.EventType]map[SubscriptionID]*subscriber
	closed      bool

	nextID       uint64
	workers      chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	startedAt    time.Time

	counters *busMetrics
	breakers *breakerSet
	dead     *deadLetterRing
	batch    *batcher

	publishedCounter metric.Int64Counter
	processedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	expiredCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	fanoutHistogram  metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
}

type subscriber struct {
	id        SubscriptionID
	eventType schema.EventType
	component string
	filter    *Filter
	handler   Handler
	ch        chan *schema.Event
	once      sync.Once
	createdAt time.Time

	delivered atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// NewMemoryBus constructs an in-process event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.logger = log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds)
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	bus.workers = make(chan struct{}, cfg.MaxWorkers)
	bus.startedAt = time.Now()
	bus.counters = newBusMetrics()
	if cfg.EnableCircuitBreaker {
		bus.breakers = newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown, bus.logger)
	}
	if cfg.EnableDeadLetter {
		bus.dead = newDeadLetterRing(cfg.DeadLetterLimit)
	}
	if cfg.EnableBatching {
		bus.batch = newBatcher(cfg.BatchSize, cfg.BatchTimeout, func(evt *schema.Event) {
			_ = bus.route(evt)
		})
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.processedCounter, _ = meter.Int64Counter("eventbus.events.processed",
		metric.WithDescription("Number of events successfully handled"),
		metric.WithUnit("{event}"))
	bus.failedCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.expiredCounter, _ = meter.Int64Counter("eventbus.events.expired",
		metric.WithDescription("Number of events dropped before dispatch"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.dispatchDuration, _ = meter.Float64Histogram("eventbus.dispatch.duration",
		metric.WithDescription("Latency of handler dispatch"),
		metric.WithUnit("ms"))

	return bus
}

// Publish validates the event and routes it to every matching subscription.
// It returns an unavailable error when the bus is closed or the circuit
// breaker for the event's type is open.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish context: %w", err)
	}
	if !b.breakers.allow(evt.Type) {
		b.counters.fail(evt.Type)
		b.recordFailure(evt, "circuit_open")
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("circuit open for "+string(evt.Type)))
	}
	// HIGH and CRITICAL events bypass the accumulator so risk and order
	// lifecycle publishes never wait out a batch window.
	if b.batch != nil && evt.Priority < schema.PriorityHigh {
		if b.batch.add(evt) {
			return nil
		}
	}
	return b.route(evt)
}

// route fans the event out under the subscription read lock. Sends are
// non-blocking; a full subscription sheds its oldest buffered event.
func (b *MemoryBus) route(evt *schema.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	matched := 0
	for _, sub := range b.subscribers[evt.Type] {
		if !sub.filter.Matches(evt) {
			continue
		}
		matched++
		b.offer(sub, evt)
	}
	b.counters.publish(evt.Type)
	if b.publishedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, eventSymbol(evt))
		b.publishedCounter.Add(b.ctx, 1, metric.WithAttributes(attrs...))
	}
	if b.fanoutHistogram != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, eventSymbol(evt))
		b.fanoutHistogram.Record(b.ctx, int64(matched), metric.WithAttributes(attrs...))
	}
	b.mu.RUnlock()
	if matched == 0 {
		// The publish permit must still see an outcome or a half-open
		// breaker would never transition.
		b.breakers.recordSuccess(evt.Type)
	}
	return nil
}

// offer enqueues without blocking. LOW priority events are shed once the
// backlog crosses the high-water mark; otherwise a full buffer drops its
// oldest entry to keep the stream moving.
func (b *MemoryBus) offer(sub *subscriber, evt *schema.Event) {
	if evt.Priority == schema.PriorityLow && len(sub.ch) >= b.cfg.HighWaterMark {
		sub.dropped.Add(1)
		b.expireEvent(evt, "backlog_shed")
		return
	}
	select {
	case sub.ch <- evt:
		sub.delivered.Add(1)
		b.counters.receive()
		return
	default:
	}
	select {
	case old := <-sub.ch:
		sub.dropped.Add(1)
		b.expireEvent(old, "buffer_overflow")
	default:
	}
	select {
	case sub.ch <- evt:
		sub.delivered.Add(1)
		b.counters.receive()
	default:
		sub.dropped.Add(1)
		b.expireEvent(evt, "buffer_overflow")
	}
}

// Subscribe registers a handler for events of the given type. The returned
// id identifies the subscription for Unsubscribe; cancelling ctx removes the
// subscription as well.
func (b *MemoryBus) Subscribe(ctx context.Context, spec Subscription) (SubscriptionID, error) {
	if spec.EventType == "" || !schema.KnownEventType(spec.EventType) {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(spec.EventType)))
	}
	if spec.Handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	component := strings.TrimSpace(spec.Component)
	if component == "" {
		component = "anonymous"
	}

	sub := new(subscriber)
	sub.id = SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub.eventType = spec.EventType
	sub.component = component
	sub.filter = spec.Filter
	sub.handler = spec.Handler
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)
	sub.createdAt = time.Now().UTC()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if _, ok := b.subscribers[spec.EventType]; !ok {
		b.subscribers[spec.EventType] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[spec.EventType][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drainLoop(sub)
	go b.watchContext(ctx, sub.id)

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(b.ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(spec.EventType)),
			telemetry.AttrComponent.String(component)))
	}
	return sub.id, nil
}

// Unsubscribe removes the subscription. Remaining buffered events are still
// dispatched before the drain goroutine exits.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		sub, ok := subs[id]
		if !ok {
			continue
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
		sub.close()
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(b.ctx, -1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrEventType.String(string(typ)),
				telemetry.AttrComponent.String(sub.component)))
		}
		return true
	}
	b.mu.Unlock()
	return false
}

// Close stops accepting publishes, drains buffered events through their
// handlers, and waits for in-flight dispatches. Handlers still running after
// the shutdown timeout see their context cancelled.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		if b.batch != nil {
			b.batch.stop()
		}
		b.mu.Lock()
		b.closed = true
		remaining := make([]*subscriber, 0)
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				remaining = append(remaining, sub)
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
		for _, sub := range remaining {
			sub.close()
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(b.cfg.ShutdownTimeout):
			b.logger.Printf("shutdown drain exceeded %s; cancelling in-flight handlers", b.cfg.ShutdownTimeout)
			b.cancel()
			<-done
		}
		b.cancel()
	})
}

// drainLoop delivers buffered events to the handler serially until the
// subscription channel closes.
func (b *MemoryBus) drainLoop(sub *subscriber) {
	defer b.wg.Done()
	for evt := range sub.ch {
		b.dispatch(sub, evt)
	}
}

func (b *MemoryBus) watchContext(ctx context.Context, id SubscriptionID) {
	select {
	case <-ctx.Done():
		b.Unsubscribe(id)
	case <-b.ctx.Done():
	}
}

func (b *MemoryBus) dispatch(sub *subscriber, evt *schema.Event) {
	if evt.Expired(time.Now()) {
		sub.dropped.Add(1)
		b.expireEvent(evt, "ttl")
		return
	}
	select {
	case b.workers <- struct{}{}:
	case <-b.ctx.Done():
		sub.failed.Add(1)
		b.counters.fail(evt.Type)
		return
	}
	defer func() { <-b.workers }()

	start := time.Now()
	err := b.invoke(sub, evt)
	result := "success"
	if err != nil {
		result = string(errs.Classify(err))
	}
	if b.dispatchDuration != nil {
		attrs := telemetry.OperationResultAttributes(telemetry.Environment(), sub.component, "eventbus.dispatch", result)
		attrs = append(attrs, telemetry.AttrEventType.String(string(evt.Type)))
		b.dispatchDuration.Record(b.ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
	if err != nil {
		sub.failed.Add(1)
		b.counters.fail(evt.Type)
		b.breakers.recordFailure(evt.Type)
		b.dead.append(evt, sub.component, err)
		b.recordFailure(evt, result)
		b.logger.Printf("handler failed component=%s type=%s event=%s: %v", sub.component, evt.Type, evt.ID, err)
		b.reportHandlerError(sub, evt, err)
		return
	}
	sub.processed.Add(1)
	b.counters.process(evt.Type)
	b.breakers.recordSuccess(evt.Type)
	if b.processedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, eventSymbol(evt))
		b.processedCounter.Add(b.ctx, 1, metric.WithAttributes(attrs...))
	}
}

// invoke runs the handler with panic recovery and a bounded context.
func (b *MemoryBus) invoke(sub *subscriber, evt *schema.Event) (err error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("eventbus/dispatch", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("handler panic: %v", r)))
		}
	}()
	return sub.handler(ctx, evt)
}

// reportHandlerError surfaces a handler failure as a SYSTEM_ERROR event.
// Failures of SYSTEM_ERROR handlers themselves are not re-reported.
func (b *MemoryBus) reportHandlerError(sub *subscriber, evt *schema.Event, cause error) {
	if evt.Type == schema.EventTypeSystemError {
		return
	}
	report := schema.NewEvent(schema.EventTypeSystemError, "eventbus", &schema.SystemErrorPayload{
		Component: sub.component,
		Code:      string(errs.Classify(cause)),
		Message:   cause.Error(),
		Timestamp: time.Now().UTC(),
	}, schema.WithPriority(schema.PriorityHigh), schema.WithCorrelationID(evt.ID))
	_ = b.route(report)
}

func (b *MemoryBus) expireEvent(evt *schema.Event, reason string) {
	b.counters.expire(evt.Type)
	// Dropped events never reach a handler, so they count as a non-failure
	// toward the type's breaker.
	b.breakers.recordSuccess(evt.Type)
	if b.expiredCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, eventSymbol(evt))
		attrs = append(attrs, telemetry.AttrReason.String(reason))
		b.expiredCounter.Add(b.ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (b *MemoryBus) recordFailure(evt *schema.Event, reason string) {
	if b.failedCounter == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, eventSymbol(evt))
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	b.failedCounter.Add(b.ctx, 1, metric.WithAttributes(attrs...))
}

// Metrics returns a snapshot of the bus counters.
func (b *MemoryBus) Metrics() MetricsSnapshot {
	return b.counters.snapshot()
}

// SubscriptionStats summarizes every active subscription.
func (b *MemoryBus) SubscriptionStats() []SubscriptionStat {
	b.mu.RLock()
	stats := make([]SubscriptionStat, 0)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			stats = append(stats, SubscriptionStat{
				ID:        sub.id,
				EventType: sub.eventType,
				Component: sub.component,
				Backlog:   len(sub.ch),
				Delivered: sub.delivered.Load(),
				Processed: sub.processed.Load(),
				Failed:    sub.failed.Load(),
				Dropped:   sub.dropped.Load(),
				CreatedAt: sub.createdAt,
			})
		}
	}
	b.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// HealthCheck reports bus liveness for operator checks.
func (b *MemoryBus) HealthCheck() Health {
	b.mu.RLock()
	subscriptions := 0
	backlog := 0
	for _, subs := range b.subscribers {
		subscriptions += len(subs)
		for _, sub := range subs {
			backlog += len(sub.ch)
		}
	}
	closed := b.closed
	b.mu.RUnlock()
	return Health{
		Running:       !closed,
		Subscriptions: subscriptions,
		Backlog:       backlog,
		DeadLetters:   b.dead.size(),
		OpenBreakers:  b.breakers.openTypes(),
		Uptime:        time.Since(b.startedAt),
	}
}

// DeadLetters drains up to limit dead letters, oldest first.
func (b *MemoryBus) DeadLetters(limit int) []DeadLetter {
	return b.dead.drain(limit)
}

func eventSymbol(evt *schema.Event) string {
	switch p := evt.Payload.(type) {
	case *schema.MarketData:
		return p.Symbol
	case *schema.TradingSignal:
		return p.Symbol
	case *schema.Fill:
		return p.Symbol
	case *schema.OrderBookPayload:
		return p.Symbol
	case *schema.IndicatorsPayload:
		return p.Symbol
	case *schema.TradePayload:
		return p.Symbol
	case *schema.OrderPlacedPayload:
		return p.Symbol
	case *schema.OrderFailedPayload:
		return p.Symbol
	case *schema.OrderCancelledPayload:
		return p.Symbol
	case *schema.ExecutionProgressPayload:
		return p.Symbol
	case *schema.PositionUpdatePayload:
		return p.Symbol
	case *schema.PositionExitPayload:
		return p.Symbol
	case *schema.RiskAlertPayload:
		return p.Symbol
	default:
		return ""
	}
}

var _ Bus = (*MemoryBus)(nil)
