package eventbus

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// breakerSet maintains one circuit breaker per event type. Handler outcomes
// feed the breaker for the event's type; an open breaker rejects publishes of
// that type until the cooldown elapses and a half-open probe succeeds.
type breakerSet struct {
	threshold uint
	cooldown  time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	breakers map[schema.EventType]circuitbreaker.CircuitBreaker[any]
}

func newBreakerSet(threshold int, cooldown time.Duration, logger *log.Logger) *breakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerSet{
		threshold: uint(threshold),
		cooldown:  cooldown,
		logger:    logger,
		breakers:  make(map[schema.EventType]circuitbreaker.CircuitBreaker[any]),
	}
}

func (s *breakerSet) forType(typ schema.EventType) circuitbreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[typ]
	if !ok {
		cb = circuitbreaker.NewBuilder[any]().
			WithFailureThreshold(s.threshold).
			WithDelay(s.cooldown).
			OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
				if s.logger != nil {
					s.logger.Printf("breaker %s: %s -> %s", typ, event.OldState, event.NewState)
				}
			}).
			Build()
		s.breakers[typ] = cb
	}
	return cb
}

// allow acquires a publish permit for the type. Always true when disabled.
func (s *breakerSet) allow(typ schema.EventType) bool {
	if s == nil {
		return true
	}
	return s.forType(typ).TryAcquirePermit()
}

func (s *breakerSet) recordSuccess(typ schema.EventType) {
	if s == nil {
		return
	}
	s.forType(typ).RecordSuccess()
}

func (s *breakerSet) recordFailure(typ schema.EventType) {
	if s == nil {
		return
	}
	s.forType(typ).RecordFailure()
}

// openTypes lists event types whose breaker is currently not closed.
func (s *breakerSet) openTypes() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for typ, cb := range s.breakers {
		if !cb.IsClosed() {
			out = append(out, string(typ))
		}
	}
	sort.Strings(out)
	return out
}
