package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

type pending struct {
	destination string
	body        []byte
	headers     map[string]string
	queuedAt    time.Time
}

// outbox is a bounded FIFO of publishes made while disconnected.
type outbox struct {
	mu       sync.Mutex
	items    []pending
	capacity int
	dropped  atomic.Uint64
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		return nil
	}
	return &outbox{capacity: capacity}
}

// push appends p and reports whether the oldest entry had to go.
func (o *outbox) push(p pending) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	evicted := false
	if len(o.items) >= o.capacity {
		o.items = o.items[1:]
		o.dropped.Add(1)
		evicted = true
	}
	o.items = append(o.items, p)
	return evicted
}

// take removes and returns everything queued.
func (o *outbox) take() []pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}

// restore puts unsent entries back ahead of anything queued since take.
func (o *outbox) restore(items []pending) {
	if len(items) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := append(append([]pending{}, items...), o.items...)
	if over := len(merged) - o.capacity; over > 0 {
		merged = merged[over:]
		o.dropped.Add(uint64(over))
	}
	o.items = merged
}

func (o *outbox) len() int {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) reset() int {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.items)
	o.items = nil
	return n
}
