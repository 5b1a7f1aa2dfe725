// Package orderqueue sequences accepted orders for submission. Dispatch
// order is (priority, enqueue time) with lower numbers first; the pending
// and processing sets are mirrored to the state store so a restart resumes
// where the previous run stopped.
package orderqueue

import (
	"container/heap"
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "orderqueue"

// Priority starts at the baseline and moves down (earlier dispatch) for
// urgent shapes. The floor keeps adjustments from underflowing.
const (
	basePriority     = 100
	marketAdjustment = -20
	stopAdjustment   = -10
	sellAdjustment   = -5
	minPriority      = 1
)

// DAY orders stop dispatching at the local market close.
const (
	marketCloseHour   = 15
	marketCloseMinute = 30
)

// historyLimit bounds the completed-order mirror.
const historyLimit = 1000

// entry wraps one queued order with its dispatch rank. seq breaks ties
// between entries enqueued in the same clock tick.
type entry struct {
	priority int
	enqueued time.Time
	seq      uint64
	order    *schema.Order
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Status reports queue depth and utilization.
type Status struct {
	PendingCount          int     `json:"pending_count"`
	ProcessingCount       int     `json:"processing_count"`
	MaxQueueSize          int     `json:"max_queue_size"`
	MaxConcurrentOrders   int     `json:"max_concurrent_orders"`
	QueueUtilization      float64 `json:"queue_utilization"`
	ProcessingUtilization float64 `json:"processing_utilization"`
}

// Queue is the priority buffer between signal conversion and broker
// submission. It runs no goroutines of its own; the order engine drives it.
type Queue struct {
	store  statestore.Store
	logger *log.Logger
	clock  func() time.Time

	maxSize       int
	maxConcurrent int
	timeout       time.Duration
	strategyAdj   map[string]int

	mu         sync.Mutex
	heap       entryHeap
	ids        map[string]struct{}
	processing map[string]*schema.Order
	seq        uint64
}

// New builds the queue from its config section.
func New(cfg config.QueueConfig, store statestore.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stdout, "orderqueue ", log.LstdFlags|log.Lmicroseconds)
	}
	maxSize := cfg.MaxQueueSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	maxConcurrent := cfg.MaxConcurrentOrders
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	timeout := cfg.PriorityTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	adj := make(map[string]int, len(cfg.StrategyPriorities))
	for name, delta := range cfg.StrategyPriorities {
		adj[name] = delta
	}
	return &Queue{
		store:         store,
		logger:        logger,
		clock:         time.Now,
		maxSize:       maxSize,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		strategyAdj:   adj,
		ids:           make(map[string]struct{}),
		processing:    make(map[string]*schema.Order),
	}
}

// SetClock replaces the queue's time source. Enqueue stamps and expiry
// checks both read it.
func (q *Queue) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	q.mu.Lock()
	q.clock = clock
	q.mu.Unlock()
}

// Load rebuilds the in-memory queue from the store mirrors, discarding
// entries that expired while the process was down.
func (q *Queue) Load(ctx context.Context) error {
	pending, err := q.store.HashGetAll(ctx, statestore.KeyQueuePending)
	if err != nil && !statestore.IsNotFound(err) {
		return err
	}
	now := q.clock()
	restored, dropped := 0, 0
	q.mu.Lock()
	for id, doc := range pending {
		order, derr := decodeOrder(doc)
		if derr != nil {
			q.logger.Printf("drop undecodable pending order %s: %v", id, derr)
			dropped++
			q.removeMirror(ctx, statestore.KeyQueuePending, id)
			continue
		}
		if q.expired(order, now) {
			dropped++
			q.removeMirror(ctx, statestore.KeyQueuePending, id)
			continue
		}
		q.pushLocked(order, order.CreatedAt)
		restored++
	}
	q.mu.Unlock()

	processing, err := q.store.HashGetAll(ctx, statestore.KeyQueueProcessing)
	if err != nil && !statestore.IsNotFound(err) {
		return err
	}
	q.mu.Lock()
	for id, doc := range processing {
		order, derr := decodeOrder(doc)
		if derr != nil {
			q.logger.Printf("drop undecodable processing order %s: %v", id, derr)
			q.removeMirror(ctx, statestore.KeyQueueProcessing, id)
			continue
		}
		q.processing[order.ID] = order
	}
	count := len(q.processing)
	q.mu.Unlock()

	q.logger.Printf("restored %d pending (%d dropped), %d processing", restored, dropped, count)
	return nil
}

// Add enqueues the order. Duplicates by id and adds beyond the size cap are
// rejected.
func (q *Queue) Add(ctx context.Context, order *schema.Order) error {
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	q.mu.Lock()
	if _, dup := q.ids[order.ID]; dup {
		q.mu.Unlock()
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("duplicate order "+order.ID))
	}
	if _, dup := q.processing[order.ID]; dup {
		q.mu.Unlock()
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("order "+order.ID+" already processing"))
	}
	if len(q.ids) >= q.maxSize {
		q.mu.Unlock()
		return errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("queue full"),
			errs.WithRemediation("wait for dispatch or raise queue.maxQueueSize"))
	}
	priority := q.pushLocked(order, q.clock())
	q.mu.Unlock()

	q.mirror(ctx, statestore.KeyQueuePending, order)
	q.logger.Printf("queued %s %s %s priority %d", order.ID, order.Side, order.Symbol, priority)
	return nil
}

// Next pops the highest-ranked live order and moves it to the processing
// set. It returns false when the queue is empty, every remaining entry has
// expired, or the processing set is at its concurrency cap.
func (q *Queue) Next(ctx context.Context) (*schema.Order, bool) {
	q.mu.Lock()
	if len(q.processing) >= q.maxConcurrent {
		q.mu.Unlock()
		return nil, false
	}
	now := q.clock()
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		order := e.order
		if _, live := q.ids[order.ID]; !live {
			// Removed while pending; the mirror is already clean.
			continue
		}
		delete(q.ids, order.ID)
		if q.expired(order, now) {
			q.mu.Unlock()
			q.logger.Printf("evict expired order %s (age %s)", order.ID, now.Sub(order.CreatedAt))
			q.removeMirror(ctx, statestore.KeyQueuePending, order.ID)
			q.mu.Lock()
			continue
		}
		q.processing[order.ID] = order
		q.mu.Unlock()

		q.removeMirror(ctx, statestore.KeyQueuePending, order.ID)
		q.mirror(ctx, statestore.KeyQueueProcessing, order)
		return order, true
	}
	q.mu.Unlock()
	return nil, false
}

// Remove takes an order out of the queue. Processing orders move to the
// bounded history mirror; pending orders are tombstoned and skipped when
// their heap entry surfaces.
func (q *Queue) Remove(ctx context.Context, orderID string) bool {
	q.mu.Lock()
	if order, ok := q.processing[orderID]; ok {
		delete(q.processing, orderID)
		q.mu.Unlock()
		q.removeMirror(ctx, statestore.KeyQueueProcessing, orderID)
		q.appendHistory(ctx, order)
		return true
	}
	if _, ok := q.ids[orderID]; ok {
		delete(q.ids, orderID)
		q.mu.Unlock()
		q.removeMirror(ctx, statestore.KeyQueuePending, orderID)
		return true
	}
	q.mu.Unlock()
	return false
}

// Pending returns the queued orders in dispatch order.
func (q *Queue) Pending() []*schema.Order {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.heap))
	for _, e := range q.heap {
		if _, live := q.ids[e.order.ID]; live {
			entries = append(entries, e)
		}
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		if !entries[i].enqueued.Equal(entries[j].enqueued) {
			return entries[i].enqueued.Before(entries[j].enqueued)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*schema.Order, len(entries))
	for i, e := range entries {
		out[i] = e.order.Clone()
	}
	return out
}

// Processing returns the orders currently handed to workers.
func (q *Queue) Processing() []*schema.Order {
	q.mu.Lock()
	out := make([]*schema.Order, 0, len(q.processing))
	for _, order := range q.processing {
		out = append(out, order.Clone())
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status reports depth and utilization for health surfaces.
func (q *Queue) Status() Status {
	q.mu.Lock()
	pending := len(q.ids)
	processing := len(q.processing)
	q.mu.Unlock()
	return Status{
		PendingCount:          pending,
		ProcessingCount:       processing,
		MaxQueueSize:          q.maxSize,
		MaxConcurrentOrders:   q.maxConcurrent,
		QueueUtilization:      float64(pending) / float64(q.maxSize),
		ProcessingUtilization: float64(processing) / float64(q.maxConcurrent),
	}
}

// Sweep drops expired and tombstoned entries from the heap and returns how
// many live orders were evicted.
func (q *Queue) Sweep(ctx context.Context) int {
	now := q.clock()
	evicted := 0
	q.mu.Lock()
	kept := make(entryHeap, 0, len(q.heap))
	var expired []string
	for _, e := range q.heap {
		if _, live := q.ids[e.order.ID]; !live {
			continue
		}
		if q.expired(e.order, now) {
			delete(q.ids, e.order.ID)
			expired = append(expired, e.order.ID)
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	q.heap = kept
	heap.Init(&q.heap)
	q.mu.Unlock()

	for _, id := range expired {
		q.removeMirror(ctx, statestore.KeyQueuePending, id)
	}
	if evicted > 0 {
		q.logger.Printf("swept %d expired orders", evicted)
	}
	return evicted
}

// PriorityFor computes the dispatch priority the queue will assign.
func (q *Queue) PriorityFor(order *schema.Order) int {
	priority := basePriority
	switch order.Type {
	case schema.OrderTypeMarket:
		priority += marketAdjustment
	case schema.OrderTypeStop:
		priority += stopAdjustment
	}
	if order.Side == schema.SideSell {
		priority += sellAdjustment
	}
	if delta, ok := q.strategyAdj[order.StrategyName]; ok {
		priority += delta
	}
	priority += metadataAdjustment(order.Metadata)
	if priority < minPriority {
		priority = minPriority
	}
	return priority
}

// pushLocked must run while holding q.mu. It returns the assigned priority.
func (q *Queue) pushLocked(order *schema.Order, enqueued time.Time) int {
	priority := q.PriorityFor(order)
	q.seq++
	heap.Push(&q.heap, &entry{
		priority: priority,
		enqueued: enqueued,
		seq:      q.seq,
		order:    order,
	})
	q.ids[order.ID] = struct{}{}
	return priority
}

// expired reports whether the order should no longer be dispatched: DAY
// orders lapse at the local market close, and everything lapses past the
// priority timeout.
func (q *Queue) expired(order *schema.Order, now time.Time) bool {
	if order.TimeInForce == schema.TIFDay {
		cutoff := time.Date(now.Year(), now.Month(), now.Day(),
			marketCloseHour, marketCloseMinute, 0, 0, now.Location())
		if now.After(cutoff) {
			return true
		}
	}
	return !order.CreatedAt.IsZero() && now.Sub(order.CreatedAt) > q.timeout
}

func (q *Queue) mirror(ctx context.Context, key string, order *schema.Order) {
	doc, err := json.Marshal(order)
	if err != nil {
		q.logger.Printf("encode order %s: %v", order.ID, err)
		return
	}
	if err := q.store.HashSet(ctx, key, order.ID, string(doc)); err != nil {
		q.logger.Printf("mirror order %s to %s: %v", order.ID, key, err)
	}
}

func (q *Queue) removeMirror(ctx context.Context, key, orderID string) {
	if err := q.store.HashDelete(ctx, key, orderID); err != nil && !statestore.IsNotFound(err) {
		q.logger.Printf("unmirror order %s from %s: %v", orderID, key, err)
	}
}

func (q *Queue) appendHistory(ctx context.Context, order *schema.Order) {
	doc, err := json.Marshal(order)
	if err != nil {
		q.logger.Printf("encode history order %s: %v", order.ID, err)
		return
	}
	if err := q.store.ListPush(ctx, statestore.KeyQueueHistory, doc); err != nil {
		q.logger.Printf("append history %s: %v", order.ID, err)
		return
	}
	if err := q.store.ListTrim(ctx, statestore.KeyQueueHistory, -historyLimit, -1); err != nil {
		q.logger.Printf("trim history: %v", err)
	}
}

func decodeOrder(doc string) (*schema.Order, error) {
	var order schema.Order
	if err := json.Unmarshal([]byte(doc), &order); err != nil {
		return nil, err
	}
	if strings.TrimSpace(order.ID) == "" {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("order document missing id"))
	}
	return &order, nil
}

func metadataAdjustment(meta map[string]any) int {
	raw, ok := meta["priority_adjustment"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
