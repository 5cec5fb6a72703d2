// Package receipts issues read receipts for the chat rooms a user has open
// and keeps per-room unread counters consistent while receipts and
// messages race each other.
package receipts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitechdev/ChatMux/pkg/cache"
	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/realtime"
	"github.com/bitechdev/ChatMux/pkg/tracing"
)

var (
	ErrClosed      = errors.New("receipt coordinator is closed")
	ErrNilSession  = errors.New("receipt coordinator needs a session")
	ErrNilMarker   = errors.New("receipt coordinator needs a history service")
	ErrViewClosing = errors.New("room view is closing")
)

// Session is the part of a realtime session the coordinator uses.
type Session interface {
	Subscribe(topic string, handler realtime.MessageHandler, headers map[string]string) (realtime.SubscriptionID, error)
	Unsubscribe(id realtime.SubscriptionID)
	Subscribed(id realtime.SubscriptionID) bool
	OnStateChange(l realtime.StateListener) realtime.ListenerID
	RemoveStateListener(id realtime.ListenerID)
	Token() string
}

// Marker sends receipts to the history service.
type Marker interface {
	MarkRead(ctx context.Context, roomID chat.RoomID, messageID, cred string) error
	MarkAllRead(ctx context.Context, roomID chat.RoomID, cred string) error
}

// Options tunes a Coordinator.
type Options struct {
	// UserID identifies the reader; used to skip own messages and to
	// namespace ledger keys.
	UserID string

	// AutoMarkRead sends a receipt for every message delivered to an
	// open view. When false only the entry mark-all-read is sent.
	AutoMarkRead bool

	// SkipOwnMessages suppresses receipts and unread counting for
	// messages sent by UserID.
	SkipOwnMessages bool

	WorkerCount int
	BufferSize  int

	// Ledger stores issued receipts; nil uses a memory cache.
	Ledger    cache.Provider
	LedgerTTL time.Duration

	// Counters is shared with the room list; nil creates a private one.
	Counters *Counters
}

func DefaultOptions() Options {
	return Options{
		AutoMarkRead:    true,
		SkipOwnMessages: true,
		WorkerCount:     2,
		BufferSize:      256,
	}
}

// OptionsFromConfig maps the receipts config section. The ledger store is
// left for the caller to build.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.UserID = cfg.Identity.UserID
	o.AutoMarkRead = cfg.Receipts.AutoMarkRead
	o.SkipOwnMessages = cfg.Receipts.SkipOwnMessages
	if cfg.Receipts.WorkerCount > 0 {
		o.WorkerCount = cfg.Receipts.WorkerCount
	}
	if cfg.Receipts.BufferSize > 0 {
		o.BufferSize = cfg.Receipts.BufferSize
	}
	o.LedgerTTL = cfg.Receipts.Ledger.TTL
	return o
}

const (
	kindSingle = "single"
	kindAll    = "all"
)

type job struct {
	kind      string
	room      chat.RoomID
	messageID string
	cred      string
	view      *RoomView
}

// Coordinator opens room views on a session and runs their receipts.
type Coordinator struct {
	session  Session
	marker   Marker
	opts     Options
	ledger   *Ledger
	counters *Counters
	pool     *workerPool
	stateLID realtime.ListenerID

	mu     sync.Mutex
	views  map[*RoomView]struct{}
	open   map[chat.RoomID]int
	closed bool
}

// New creates a coordinator and starts its worker pool.
func New(session Session, marker Marker, opts Options) (*Coordinator, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	if marker == nil {
		return nil, ErrNilMarker
	}
	def := DefaultOptions()
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = def.WorkerCount
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.Counters == nil {
		opts.Counters = NewCounters()
	}

	c := &Coordinator{
		session:  session,
		marker:   marker,
		opts:     opts,
		ledger:   NewLedger(opts.Ledger, opts.UserID, opts.LedgerTTL),
		counters: opts.Counters,
		views:    make(map[*RoomView]struct{}),
		open:     make(map[chat.RoomID]int),
	}
	c.pool = newWorkerPool(opts.WorkerCount, opts.BufferSize, c.process)
	c.pool.Start()
	c.stateLID = session.OnStateChange(c.onSessionState)
	return c, nil
}

// Counters returns the unread counters the coordinator maintains.
func (c *Coordinator) Counters() *Counters {
	return c.counters
}

// IsOpen reports whether any view of room is subscribed.
func (c *Coordinator) IsOpen(room chat.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[room] > 0
}

// OpenRoom subscribes to the room topic, sends one mark-all-read for the
// room and returns the view. handler may be nil.
func (c *Coordinator) OpenRoom(ctx context.Context, room chat.RoomID, handler Handler) (*RoomView, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	v := &RoomView{coord: c, room: room, handler: handler}
	v.state = StateSubscribing
	c.views[v] = struct{}{}
	c.mu.Unlock()

	_, span := tracing.StartSpan(ctx, "receipts.open_room", tracing.AttrRoomID.Int64(int64(room)))
	id, err := c.session.Subscribe(chat.RoomTopic(room), realtime.HandlerFunc(v.handle), nil)
	tracing.End(span, err)
	if err != nil {
		c.mu.Lock()
		delete(c.views, v)
		c.mu.Unlock()
		v.setState(StateIdle)
		return nil, err
	}

	c.mu.Lock()
	v.mu.Lock()
	if v.state != StateSubscribing {
		// Closed while the subscription was being set up.
		v.mu.Unlock()
		c.mu.Unlock()
		c.session.Unsubscribe(id)
		return nil, ErrViewClosing
	}
	v.subID = id
	v.state = StateSubscribed
	v.opened = true
	v.mu.Unlock()
	c.open[room]++
	c.mu.Unlock()

	c.enqueue(&job{kind: kindAll, room: room, cred: c.session.Token(), view: v})
	logger.Info("[Receipts] Opened room %s as %s", room, id)
	return v, nil
}

func (c *Coordinator) liveViews() []*RoomView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	views := make([]*RoomView, 0, len(c.views))
	for v := range c.views {
		views = append(views, v)
	}
	return views
}

// onSessionState moves views whose subscription the session dropped back to
// Subscribing, and renews them once the session is Connected again.
func (c *Coordinator) onSessionState(_, to realtime.State, _ error) {
	for _, v := range c.liveViews() {
		if !v.detach(c.session) || to != realtime.StateConnected {
			continue
		}
		c.resubscribe(v)
	}
}

func (c *Coordinator) resubscribe(v *RoomView) {
	id, err := c.session.Subscribe(chat.RoomTopic(v.room), realtime.HandlerFunc(v.handle), nil)
	if err != nil {
		logger.Warn("[Receipts] Resubscribe to room %s failed: %v", v.room, err)
		return
	}

	v.mu.Lock()
	if v.state != StateSubscribing || v.subID != realtime.EmptySubscriptionID {
		// Closed or renewed by another transition meanwhile.
		v.mu.Unlock()
		c.session.Unsubscribe(id)
		return
	}
	v.subID = id
	v.state = StateSubscribed
	if v.pending > 0 {
		v.state = StateMarkingRead
	}
	v.mu.Unlock()

	c.enqueue(&job{kind: kindAll, room: v.room, cred: c.session.Token(), view: v})
	logger.Info("[Receipts] Resubscribed room %s as %s", v.room, id)
}

func (c *Coordinator) forget(v *RoomView, wasOpen bool) {
	c.mu.Lock()
	delete(c.views, v)
	if wasOpen {
		if c.open[v.room]--; c.open[v.room] <= 0 {
			delete(c.open, v.room)
		}
	}
	c.mu.Unlock()
}

// receive handles a message delivered to an open view.
func (c *Coordinator) receive(ctx context.Context, v *RoomView, msg *chat.Message) {
	if c.opts.SkipOwnMessages && c.opts.UserID != "" && msg.SenderID == c.opts.UserID {
		return
	}
	if msg.IsRead || c.counters.IsRead(v.room, msg.ID) {
		return
	}
	c.counters.Arrive(v.room, msg.ID)

	if !c.opts.AutoMarkRead {
		return
	}
	if !c.ledger.Claim(ctx, v.room, msg.ID) {
		logger.Debug("[Receipts] Receipt for %s/%s already issued", v.room, msg.ID)
		c.counters.MarkRead(v.room, msg.ID)
		metrics.GetProvider().RecordReceipt(kindSingle, "duplicate")
		return
	}
	j := &job{kind: kindSingle, room: v.room, messageID: msg.ID, cred: c.session.Token(), view: v}
	if !c.enqueue(j) {
		c.ledger.Forget(ctx, v.room, msg.ID)
	}
}

// enqueue hands j to the pool. A view stays MarkingRead while it has
// receipts in flight.
func (c *Coordinator) enqueue(j *job) bool {
	j.view.begin()
	if err := c.pool.Submit(j); err != nil {
		j.view.finish()
		logger.Warn("[Receipts] Dropping %s receipt for room %s: %v", j.kind, j.room, err)
		metrics.GetProvider().RecordReceipt(j.kind, "dropped")
		return false
	}
	return true
}

func (c *Coordinator) process(ctx context.Context, j *job) (err error) {
	defer j.view.finish()

	attrs := tracing.AttrRoomID.Int64(int64(j.room))
	ctx, span := tracing.StartClientSpan(ctx, "receipts."+j.kind, attrs, tracing.AttrMessageID.String(j.messageID))
	defer func() { tracing.End(span, err) }()

	switch j.kind {
	case kindAll:
		err = c.marker.MarkAllRead(ctx, j.room, j.cred)
		if err == nil {
			c.counters.Reset(j.room)
		}
	case kindSingle:
		err = c.marker.MarkRead(ctx, j.room, j.messageID, j.cred)
		if err == nil {
			c.counters.MarkRead(j.room, j.messageID)
		} else {
			c.ledger.Forget(ctx, j.room, j.messageID)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.GetProvider().RecordReceipt(j.kind, outcome)
	return err
}

// Close closes every open view and waits for queued receipts.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.session.RemoveStateListener(c.stateLID)
	views := make([]*RoomView, 0, len(c.views))
	for v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	return c.pool.Stop(ctx)
}
