package eventbus

import (
	"sync"
	"time"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// batcher accumulates published events and flushes them in arrival order once
// the batch fills or the timeout elapses. Handlers still see one event at a
// time; batching only amortizes routing work under bursty load. All flushes
// run under the batcher lock so cross-batch order is preserved.
type batcher struct {
	size    int
	timeout time.Duration
	flush   func(*schema.Event)

	mu      sync.Mutex
	pending []*schema.Event
	timer   *time.Timer
	stopped bool
}

func newBatcher(size int, timeout time.Duration, flush func(*schema.Event)) *batcher {
	if size <= 0 {
		size = 32
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &batcher{size: size, timeout: timeout, flush: flush}
}

// add queues the event for the next flush. It returns false once the batcher
// is stopped; the caller must then route the event directly.
func (b *batcher) add(evt *schema.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.size {
		b.flushLocked()
		return true
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, b.flushExpired)
	}
	return true
}

func (b *batcher) flushExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	for _, evt := range batch {
		b.flush(evt)
	}
}

// stop flushes whatever is pending and refuses further adds.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	b.flushLocked()
}
