package eventbus

import (
	"sync"
	"time"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// deadLetterRing retains the most recent failed deliveries for operator
// inspection. When full, the oldest entry is overwritten.
type deadLetterRing struct {
	mu    sync.Mutex
	buf   []DeadLetter
	next  int
	count int
}

func newDeadLetterRing(capacity int) *deadLetterRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &deadLetterRing{buf: make([]DeadLetter, capacity)}
}

func (r *deadLetterRing) append(evt *schema.Event, component string, cause error) {
	if r == nil || evt == nil {
		return
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	r.mu.Lock()
	r.buf[r.next] = DeadLetter{
		Event:     evt,
		Component: component,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// drain removes and returns up to limit letters, oldest first. A limit of
// zero or less drains the whole ring.
func (r *deadLetterRing) drain(limit int) []DeadLetter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		idx := (start + i) % len(r.buf)
		out = append(out, r.buf[idx])
		r.buf[idx] = DeadLetter{}
	}
	r.count -= n
	return out
}

func (r *deadLetterRing) size() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
