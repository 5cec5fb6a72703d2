package realtime

import (
	"sort"
	"sync"

	"github.com/bitechdev/ChatMux/pkg/transport"
)

// entry is one logical subscription. handle is nil while the entry waits
// for replay after a drop.
type entry struct {
	id      SubscriptionID
	topic   string
	handler MessageHandler
	headers map[string]string
	handle  transport.Handle
	// epoch ties transport callbacks to the registration that created
	// them; frames carrying another epoch are stale.
	epoch uint64
	order uint64
}

// registry maps subscription identifiers to entries.
type registry struct {
	mu        sync.RWMutex
	entries   map[SubscriptionID]*entry
	lastEpoch uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[SubscriptionID]*entry)}
}

// add stores e under a fresh epoch and returns the epoch.
func (r *registry) add(e *entry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEpoch++
	e.epoch = r.lastEpoch
	e.order = r.lastEpoch
	e.handle = nil
	r.entries[e.id] = e
	return e.epoch
}

// renew gives an inactive entry a new epoch ahead of replay.
func (r *registry) renew(id SubscriptionID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	r.lastEpoch++
	e.epoch = r.lastEpoch
	return e.epoch, true
}

// activate records the transport handle for the registration epoch.
func (r *registry) activate(id SubscriptionID, epoch uint64, h transport.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.epoch != epoch {
		return false
	}
	e.handle = h
	return true
}

func (r *registry) remove(id SubscriptionID) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	snapshot := *e
	return &snapshot, true
}

// lookup resolves a delivery. It fails for unknown identifiers and for
// frames from an earlier registration of the same identifier.
func (r *registry) lookup(id SubscriptionID, epoch uint64) (topic string, handler MessageHandler, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.entries[id]
	if !found || e.epoch != epoch {
		return "", nil, false
	}
	return e.topic, e.handler, true
}

// inactive lists entries awaiting replay in identifier order.
func (r *registry) inactive() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entry
	for _, e := range r.entries {
		if e.handle == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// suspend marks every entry inactive after a drop.
func (r *registry) suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.handle = nil
		e.epoch = 0
	}
}

// clear removes every entry and returns them.
func (r *registry) clear() []entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.entries = make(map[SubscriptionID]*entry)
	return out
}

func (r *registry) counts() (active, inactive int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.handle != nil {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive
}

// topics counts entries per topic.
func (r *registry) topics() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range r.entries {
		out[e.topic]++
	}
	return out
}

func (r *registry) has(id SubscriptionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}
