package receipts

import (
	"sync"

	"github.com/bitechdev/ChatMux/pkg/chat"
)

// maxTombstones bounds how many read message ids a room remembers.
const maxTombstones = 1024

type roomCount struct {
	base   int
	unread map[string]struct{}
	read   map[string]struct{}
	order  []string
}

// Counters tracks unread messages per room. A room's count is the number
// the server last reported plus every message seen live and not yet read.
//
// Read ids are kept as tombstones, so a receipt that overtakes its own
// message never lets the message count as unread when it finally arrives.
type Counters struct {
	mu    sync.Mutex
	rooms map[chat.RoomID]*roomCount
	subs  []func(chat.RoomID, int)
}

func NewCounters() *Counters {
	return &Counters{rooms: make(map[chat.RoomID]*roomCount)}
}

func (c *Counters) room(id chat.RoomID) *roomCount {
	rc, ok := c.rooms[id]
	if !ok {
		rc = &roomCount{unread: make(map[string]struct{}), read: make(map[string]struct{})}
		c.rooms[id] = rc
	}
	return rc
}

// OnChange registers fn to run after a room's count changes. fn runs
// without the counters lock held.
func (c *Counters) OnChange(fn func(room chat.RoomID, unread int)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

func (c *Counters) changed(room chat.RoomID, before, after int, subs []func(chat.RoomID, int)) {
	if before == after {
		return
	}
	for _, fn := range subs {
		fn(room, after)
	}
}

// Seed sets the server-reported unread count for a room. Live unread ids
// are dropped since the server count already includes them.
func (c *Counters) Seed(room chat.RoomID, unread int) {
	if unread < 0 {
		unread = 0
	}
	c.mu.Lock()
	rc := c.room(room)
	before := rc.base + len(rc.unread)
	rc.base = unread
	clear(rc.unread)
	subs := c.subs
	c.mu.Unlock()
	c.changed(room, before, unread, subs)
}

// Arrive counts messageID as unread unless it was already read. It reports
// whether the count grew.
func (c *Counters) Arrive(room chat.RoomID, messageID string) bool {
	c.mu.Lock()
	rc := c.room(room)
	before := rc.base + len(rc.unread)
	_, read := rc.read[messageID]
	_, seen := rc.unread[messageID]
	if read || seen || messageID == "" {
		c.mu.Unlock()
		return false
	}
	rc.unread[messageID] = struct{}{}
	subs := c.subs
	c.mu.Unlock()
	c.changed(room, before, before+1, subs)
	return true
}

// MarkRead records messageID as read. Marking an id twice, or before it
// arrived, is harmless.
func (c *Counters) MarkRead(room chat.RoomID, messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	rc := c.room(room)
	before := rc.base + len(rc.unread)
	delete(rc.unread, messageID)
	if _, ok := rc.read[messageID]; !ok {
		rc.read[messageID] = struct{}{}
		rc.order = append(rc.order, messageID)
		if len(rc.order) > maxTombstones {
			delete(rc.read, rc.order[0])
			rc.order = rc.order[1:]
		}
	}
	after := rc.base + len(rc.unread)
	subs := c.subs
	c.mu.Unlock()
	c.changed(room, before, after, subs)
}

// Reset zeroes a room after a successful mark-all-read.
func (c *Counters) Reset(room chat.RoomID) {
	c.mu.Lock()
	rc := c.room(room)
	before := rc.base + len(rc.unread)
	for id := range rc.unread {
		if _, ok := rc.read[id]; !ok {
			rc.read[id] = struct{}{}
			rc.order = append(rc.order, id)
		}
	}
	for len(rc.order) > maxTombstones {
		delete(rc.read, rc.order[0])
		rc.order = rc.order[1:]
	}
	rc.base = 0
	clear(rc.unread)
	subs := c.subs
	c.mu.Unlock()
	c.changed(room, before, 0, subs)
}

// Unread returns the room's current unread count.
func (c *Counters) Unread(room chat.RoomID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.rooms[room]
	if !ok {
		return 0
	}
	return rc.base + len(rc.unread)
}

// IsRead reports whether messageID is known to be read.
func (c *Counters) IsRead(room chat.RoomID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.rooms[room]
	if !ok {
		return false
	}
	_, read := rc.read[messageID]
	return read
}
