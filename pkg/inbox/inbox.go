// Package inbox keeps the user's room list current from the per-user
// notification topic.
package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/realtime"
	"github.com/bitechdev/ChatMux/pkg/receipts"
)

var ErrNoUser = errors.New("inbox needs a user id")

// Session is the part of a realtime session the inbox uses.
type Session interface {
	Subscribe(topic string, handler realtime.MessageHandler, headers map[string]string) (realtime.SubscriptionID, error)
	Unsubscribe(id realtime.SubscriptionID)
	Subscribed(id realtime.SubscriptionID) bool
	OnStateChange(l realtime.StateListener) realtime.ListenerID
	RemoveStateListener(id realtime.ListenerID)
	Token() string
}

// Rooms is the part of the history service the inbox uses.
type Rooms interface {
	ListRoomsForUser(ctx context.Context, userID, cred string) ([]chat.RoomSummary, error)
	CreateRoom(ctx context.Context, name, cred string) (*chat.RoomSummary, error)
}

// Options wires the inbox to the receipt side.
type Options struct {
	// Counters supplies live unread counts; nil creates private ones.
	Counters *receipts.Counters

	// IsOpen reports rooms currently on screen. Their notifications do
	// not count as unread.
	IsOpen func(chat.RoomID) bool
}

// Inbox is an ordered room list, most recently active first.
type Inbox struct {
	session  Session
	rooms    Rooms
	userID   string
	counters *receipts.Counters
	isOpen   func(chat.RoomID) bool

	mu        sync.Mutex
	list      []chat.RoomSummary
	subID     realtime.SubscriptionID
	watching  bool
	stateLID  realtime.ListenerID
	listeners []func([]chat.RoomSummary)
}

func New(session Session, rooms Rooms, userID string, opts Options) (*Inbox, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if opts.Counters == nil {
		opts.Counters = receipts.NewCounters()
	}
	if opts.IsOpen == nil {
		opts.IsOpen = func(chat.RoomID) bool { return false }
	}
	in := &Inbox{
		session:  session,
		rooms:    rooms,
		userID:   userID,
		counters: opts.Counters,
		isOpen:   opts.IsOpen,
	}
	in.counters.OnChange(func(room chat.RoomID, _ int) {
		if in.has(room) {
			in.emit()
		}
	})
	return in, nil
}

// Refresh reloads the room list from the history service and seeds the
// unread counters with the server's numbers.
func (in *Inbox) Refresh(ctx context.Context) error {
	rooms, err := in.rooms.ListRoomsForUser(ctx, in.userID, in.session.Token())
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.list = rooms
	in.mu.Unlock()

	for _, r := range rooms {
		if !in.isOpen(r.RoomID) {
			in.counters.Seed(r.RoomID, r.UnreadCount)
		}
	}
	logger.Debug("[Inbox] Loaded %d rooms for user %s", len(rooms), in.userID)
	in.emit()
	return nil
}

// Watch subscribes to the user's notification topic. Calling it again
// while watching is a no-op. A subscription the session dropped on
// connection loss counts as not watching, and is renewed automatically on
// the next connect until Stop.
func (in *Inbox) Watch() error {
	in.mu.Lock()
	in.watching = true
	if in.stateLID == 0 {
		in.stateLID = in.session.OnStateChange(in.onSessionState)
	}
	current := in.subID
	in.mu.Unlock()

	if current != realtime.EmptySubscriptionID && in.session.Subscribed(current) {
		return nil
	}

	headers := map[string]string{}
	if token := in.session.Token(); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	id, err := in.session.Subscribe(chat.UserNotifications(in.userID), realtime.HandlerFunc(in.handle), headers)
	if err != nil {
		return err
	}

	in.mu.Lock()
	if in.subID != current || !in.watching {
		// Lost a race with another Watch or with Stop.
		in.mu.Unlock()
		in.session.Unsubscribe(id)
		return nil
	}
	in.subID = id
	in.mu.Unlock()
	logger.Info("[Inbox] Watching notifications for user %s", in.userID)
	return nil
}

// onSessionState renews the notification subscription once the session
// reconnects without having replayed it.
func (in *Inbox) onSessionState(_, to realtime.State, _ error) {
	if to != realtime.StateConnected {
		return
	}
	in.mu.Lock()
	watching := in.watching
	in.mu.Unlock()
	if !watching {
		return
	}
	if err := in.Watch(); err != nil {
		logger.Warn("[Inbox] Resubscribe for user %s failed: %v", in.userID, err)
	}
}

// Stop unsubscribes from notifications.
func (in *Inbox) Stop() {
	in.mu.Lock()
	id := in.subID
	lid := in.stateLID
	in.subID = realtime.EmptySubscriptionID
	in.watching = false
	in.stateLID = 0
	in.mu.Unlock()
	if lid != 0 {
		in.session.RemoveStateListener(lid)
	}
	if id != realtime.EmptySubscriptionID {
		in.session.Unsubscribe(id)
	}
}

func (in *Inbox) handle(ctx context.Context, f *realtime.Frame) error {
	msg, err := chat.DecodeMessage(f.Body)
	if err != nil {
		return err
	}
	if msg.RoomID == 0 {
		return chat.ErrMissingRoom
	}

	in.mu.Lock()
	idx := in.indexLocked(msg.RoomID)
	var room chat.RoomSummary
	if idx < 0 {
		room = chat.RoomSummary{RoomID: msg.RoomID}
	} else {
		room = in.list[idx]
		in.list = append(in.list[:idx], in.list[idx+1:]...)
	}
	room.ApplyMessage(msg)
	in.list = append([]chat.RoomSummary{room}, in.list...)
	in.mu.Unlock()

	counted := false
	if msg.SenderID != in.userID && !in.isOpen(msg.RoomID) {
		counted = in.counters.Arrive(msg.RoomID, msg.ID)
	}
	if !counted {
		in.emit()
	}
	return nil
}

// CreateRoom creates a room and puts it at the top of the list.
func (in *Inbox) CreateRoom(ctx context.Context, name string) (*chat.RoomSummary, error) {
	room, err := in.rooms.CreateRoom(ctx, name, in.session.Token())
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	if idx := in.indexLocked(room.RoomID); idx >= 0 {
		in.list = append(in.list[:idx], in.list[idx+1:]...)
	}
	in.list = append([]chat.RoomSummary{*room}, in.list...)
	in.mu.Unlock()

	logger.Info("[Inbox] Created room %s (%s)", room.RoomID, room.RoomName)
	in.emit()
	return room, nil
}

// Rooms returns a snapshot of the list with live unread counts.
func (in *Inbox) Rooms() []chat.RoomSummary {
	in.mu.Lock()
	out := make([]chat.RoomSummary, len(in.list))
	copy(out, in.list)
	in.mu.Unlock()

	for i := range out {
		out[i].UnreadCount = in.counters.Unread(out[i].RoomID)
	}
	return out
}

// Room returns one room from the list.
func (in *Inbox) Room(id chat.RoomID) (chat.RoomSummary, bool) {
	in.mu.Lock()
	idx := in.indexLocked(id)
	if idx < 0 {
		in.mu.Unlock()
		return chat.RoomSummary{}, false
	}
	room := in.list[idx]
	in.mu.Unlock()
	room.UnreadCount = in.counters.Unread(id)
	return room, true
}

// TotalUnread sums unread counts across the list.
func (in *Inbox) TotalUnread() int {
	total := 0
	for _, r := range in.Rooms() {
		total += r.UnreadCount
	}
	return total
}

// OnChange registers fn to receive the list after every change.
func (in *Inbox) OnChange(fn func([]chat.RoomSummary)) {
	in.mu.Lock()
	in.listeners = append(in.listeners, fn)
	in.mu.Unlock()
}

func (in *Inbox) emit() {
	in.mu.Lock()
	listeners := append([]func([]chat.RoomSummary){}, in.listeners...)
	in.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	rooms := in.Rooms()
	for _, fn := range listeners {
		func() {
			defer logger.CatchPanic("inbox.listener")
			fn(rooms)
		}()
	}
}

func (in *Inbox) has(id chat.RoomID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.indexLocked(id) >= 0
}

func (in *Inbox) indexLocked(id chat.RoomID) int {
	for i := range in.list {
		if in.list[i].RoomID == id {
			return i
		}
	}
	return -1
}
