package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// busMetrics tracks monotonic delivery counters with a per-type breakdown.
type busMetrics struct {
	published atomic.Int64
	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64

	mu      sync.Mutex
	perType map[schema.EventType]*typeCounters
}

type typeCounters struct {
	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
}

func newBusMetrics() *busMetrics {
	return &busMetrics{perType: make(map[schema.EventType]*typeCounters)}
}

func (m *busMetrics) forType(typ schema.EventType) *typeCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.perType[typ]
	if !ok {
		tc = new(typeCounters)
		m.perType[typ] = tc
	}
	return tc
}

func (m *busMetrics) publish(typ schema.EventType) {
	m.published.Add(1)
	m.forType(typ).published.Add(1)
}

func (m *busMetrics) receive() {
	m.received.Add(1)
}

func (m *busMetrics) process(typ schema.EventType) {
	m.processed.Add(1)
	m.forType(typ).processed.Add(1)
}

func (m *busMetrics) fail(typ schema.EventType) {
	m.failed.Add(1)
	m.forType(typ).failed.Add(1)
}

func (m *busMetrics) expire(typ schema.EventType) {
	m.expired.Add(1)
	m.forType(typ).expired.Add(1)
}

func (m *busMetrics) snapshot() MetricsSnapshot {
	processed := m.processed.Load()
	failed := m.failed.Load()
	rate := 1.0
	if processed+failed > 0 {
		rate = float64(processed) / float64(processed+failed)
	}
	snap := MetricsSnapshot{
		Published:   m.published.Load(),
		Received:    m.received.Load(),
		Processed:   processed,
		Failed:      failed,
		Expired:     m.expired.Load(),
		SuccessRate: rate,
		PerType:     make(map[schema.EventType]TypeMetrics),
	}
	m.mu.Lock()
	for typ, tc := range m.perType {
		snap.PerType[typ] = TypeMetrics{
			Published: tc.published.Load(),
			Processed: tc.processed.Load(),
			Failed:    tc.failed.Load(),
			Expired:   tc.expired.Load(),
		}
	}
	m.mu.Unlock()
	return snap
}
