package receipts

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/realtime"
)

// ViewState is the lifecycle of a RoomView.
type ViewState int

const (
	StateIdle ViewState = iota
	StateSubscribing
	StateSubscribed
	StateMarkingRead
	StateUnsubscribing
)

func (s ViewState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateMarkingRead:
		return "marking_read"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return fmt.Sprintf("ViewState(%d)", int(s))
	}
}

// Handler receives the decoded messages of an open room.
type Handler interface {
	HandleMessage(ctx context.Context, msg *chat.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *chat.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *chat.Message) error {
	return f(ctx, msg)
}

// RoomView is one open chat room. Closing it is the only way to stop its
// deliveries and receipts.
type RoomView struct {
	coord   *Coordinator
	room    chat.RoomID
	handler Handler

	mu      sync.Mutex
	state   ViewState
	subID   realtime.SubscriptionID
	pending int
	opened  bool
}

func (v *RoomView) Room() chat.RoomID {
	return v.room
}

func (v *RoomView) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SubscriptionID returns the session subscription backing the view.
func (v *RoomView) SubscriptionID() realtime.SubscriptionID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.subID
}

// Pending returns how many receipts are queued or in flight.
func (v *RoomView) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending
}

func (v *RoomView) setState(s ViewState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *RoomView) begin() {
	v.mu.Lock()
	v.pending++
	if v.state == StateSubscribed {
		v.state = StateMarkingRead
	}
	v.mu.Unlock()
}

func (v *RoomView) finish() {
	v.mu.Lock()
	v.pending--
	if v.pending == 0 && v.state == StateMarkingRead {
		v.state = StateSubscribed
	}
	v.mu.Unlock()
}

func (v *RoomView) isAccepting() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accepting()
}

// accepting must be called with v.mu held.
func (v *RoomView) accepting() bool {
	switch v.state {
	case StateSubscribing, StateSubscribed, StateMarkingRead:
		return true
	}
	return false
}

// detach reports whether the view needs a new subscription. A subscription
// the session no longer has is cleared and the view goes back to
// Subscribing.
func (v *RoomView) detach(s Session) bool {
	v.mu.Lock()
	opened, id := v.opened, v.subID
	live := v.accepting()
	v.mu.Unlock()
	if !opened || !live {
		return false
	}
	if id != realtime.EmptySubscriptionID && s.Subscribed(id) {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.subID != id || !v.accepting() {
		return false
	}
	v.subID = realtime.EmptySubscriptionID
	v.state = StateSubscribing
	return true
}

func (v *RoomView) handle(ctx context.Context, f *realtime.Frame) error {
	if !v.isAccepting() {
		return nil
	}

	msg, err := chat.DecodeMessage(f.Body)
	if err != nil {
		return fmt.Errorf("room %s: %w", v.room, err)
	}
	if msg.RoomID == 0 {
		msg.RoomID = v.room
	}
	if msg.RoomID != v.room {
		logger.Warn("[Receipts] Ignoring message %s for room %s on room %s topic", msg.ID, msg.RoomID, v.room)
		return nil
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("room %s: %w", v.room, err)
	}

	var herr error
	if v.handler != nil {
		herr = v.handler.HandleMessage(ctx, msg)
	}
	v.coord.receive(ctx, v, msg)
	return herr
}

// Close unsubscribes the view. It is safe to call more than once.
// Receipts already queued still complete.
func (v *RoomView) Close() {
	v.mu.Lock()
	switch v.state {
	case StateIdle, StateUnsubscribing:
		v.mu.Unlock()
		return
	}
	wasOpen := v.opened
	id := v.subID
	v.state = StateUnsubscribing
	v.mu.Unlock()

	if id != realtime.EmptySubscriptionID {
		v.coord.session.Unsubscribe(id)
	}
	v.coord.forget(v, wasOpen)
	v.setState(StateIdle)
	logger.Info("[Receipts] Closed room %s", v.room)
}
