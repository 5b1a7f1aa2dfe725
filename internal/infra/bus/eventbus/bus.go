// Package eventbus delivers canonical events to subscribing engine components.
package eventbus

import (
	"context"
	"time"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes one event. A non-nil error counts the delivery as failed
// and feeds the circuit breaker for the event's type. Delivery is
// at-least-once, so handlers must be idempotent on event id.
type Handler func(ctx context.Context, evt *schema.Event) error

// Filter narrows the events a subscription receives. Clauses are conjunctive;
// zero values match everything.
type Filter struct {
	Types       []schema.EventType
	Sources     []string
	MinPriority schema.Priority
}

// Matches reports whether the event passes every configured clause.
func (f *Filter) Matches(evt *schema.Event) bool {
	if evt == nil {
		return false
	}
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		found := false
		for _, typ := range f.Types {
			if typ == evt.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Sources) > 0 {
		found := false
		for _, src := range f.Sources {
			if src == evt.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority > 0 && evt.Priority < f.MinPriority {
		return false
	}
	return true
}

// Subscription describes a handler registration.
type Subscription struct {
	EventType schema.EventType
	Component string
	Handler   Handler
	Filter    *Filter
}

// Bus delivers canonical events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Subscribe(ctx context.Context, sub Subscription) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) bool
	Metrics() MetricsSnapshot
	SubscriptionStats() []SubscriptionStat
	HealthCheck() Health
	DeadLetters(limit int) []DeadLetter
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// MaxWorkers bounds concurrent handler executions bus-wide.
	MaxWorkers int
	// BufferSize is the per-subscription channel depth.
	BufferSize int
	// HighWaterMark is the backlog at which LOW priority events are shed.
	HighWaterMark int
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
	// ShutdownTimeout bounds the Close drain before in-flight handlers are cancelled.
	ShutdownTimeout time.Duration

	EnableBatching bool
	BatchSize      int
	BatchTimeout   time.Duration

	EnableCircuitBreaker bool
	// BreakerThreshold is the consecutive handler failure count that opens the breaker.
	BreakerThreshold int
	// BreakerCooldown is how long an open breaker rejects publishes before probing.
	BreakerCooldown time.Duration

	EnableDeadLetter bool
	DeadLetterLimit  int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.BufferSize {
		c.HighWaterMark = c.BufferSize * 3 / 4
		if c.HighWaterMark < 1 {
			c.HighWaterMark = 1
		}
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = 256
	}
	return c
}

// TypeMetrics breaks the bus counters down for a single event type.
type TypeMetrics struct {
	Published int64
	Processed int64
	Failed    int64
	Expired   int64
}

// MetricsSnapshot is a point-in-time view of the bus counters.
type MetricsSnapshot struct {
	Published   int64
	Received    int64
	Processed   int64
	Failed      int64
	Expired     int64
	SuccessRate float64
	PerType     map[schema.EventType]TypeMetrics
}

// SubscriptionStat summarizes one subscription's delivery counters.
type SubscriptionStat struct {
	ID        SubscriptionID
	EventType schema.EventType
	Component string
	Backlog   int
	Delivered int64
	Processed int64
	Failed    int64
	Dropped   int64
	CreatedAt time.Time
}

// Health reports bus liveness for operator checks.
type Health struct {
	Running       bool
	Subscriptions int
	Backlog       int
	DeadLetters   int
	OpenBreakers  []string
	Uptime        time.Duration
}

// DeadLetter records a delivery whose handler failed.
type DeadLetter struct {
	Event     *schema.Event
	Component string
	Reason    string
	At        time.Time
}
