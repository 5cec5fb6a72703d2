package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/realtime"
	"github.com/bitechdev/ChatMux/pkg/receipts"
	"github.com/bitechdev/ChatMux/pkg/transport"
	"github.com/bitechdev/ChatMux/pkg/transport/memory"
)

type fakeRooms struct {
	mu       sync.Mutex
	rooms    []chat.RoomSummary
	err      error
	lastCred string
	nextID   chat.RoomID
}

func (f *fakeRooms) ListRoomsForUser(ctx context.Context, userID, cred string) ([]chat.RoomSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCred = cred
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.RoomSummary(nil), f.rooms...), nil
}

func (f *fakeRooms) CreateRoom(ctx context.Context, name, cred string) (*chat.RoomSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &chat.RoomSummary{RoomID: f.nextID, RoomName: name, MemberCount: 1}, nil
}

func connected(t *testing.T, broker *memory.Broker) *realtime.Session {
	t.Helper()
	s := realtime.NewSession(broker.Factory(), realtime.Options{
		Transport:    transport.Options{URL: "mem://chat", ReconnectDelay: 10 * time.Millisecond},
		DispatchMode: realtime.DispatchSync,
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.NoError(t, s.Connect(context.Background(), "tok1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.WaitForState(ctx, realtime.StateConnected)
	require.NoError(t, err)
	return s
}

func notify(b *memory.Broker, room chat.RoomID, id, sender, content string) {
	body := fmt.Sprintf(`{"id":%q,"roomId":%d,"senderId":%q,"senderName":"Bob","content":%q,"timestamp":"2024-05-01T10:00:00"}`, id, room, sender, content)
	b.Deliver(chat.UserNotifications("u1"), []byte(body), nil)
}

func names(rooms []chat.RoomSummary) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.RoomName
	}
	return out
}

func newInbox(t *testing.T, open func(chat.RoomID) bool) (*Inbox, *memory.Broker, *fakeRooms) {
	t.Helper()
	broker := memory.NewBroker()
	s := connected(t, broker)
	rooms := &fakeRooms{
		nextID: 100,
		rooms: []chat.RoomSummary{
			{RoomID: 1, RoomName: "one", UnreadCount: 2},
			{RoomID: 2, RoomName: "two"},
		},
	}
	in, err := New(s, rooms, "u1", Options{IsOpen: open})
	require.NoError(t, err)
	require.NoError(t, in.Refresh(context.Background()))
	require.NoError(t, in.Watch())
	t.Cleanup(in.Stop)
	return in, broker, rooms
}

func TestNewRequiresUser(t *testing.T) {
	_, err := New(nil, &fakeRooms{}, "", Options{})
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestRefreshSeedsCounters(t *testing.T) {
	in, _, rooms := newInbox(t, nil)

	got := in.Rooms()
	assert.Equal(t, []string{"one", "two"}, names(got))
	assert.Equal(t, 2, got[0].UnreadCount)
	assert.Equal(t, 2, in.TotalUnread())
	assert.Equal(t, "tok1", rooms.lastCred)
}

func TestRefreshError(t *testing.T) {
	broker := memory.NewBroker()
	rooms := &fakeRooms{err: errors.New("down")}
	in, err := New(connected(t, broker), rooms, "u1", Options{})
	require.NoError(t, err)
	assert.Error(t, in.Refresh(context.Background()))
	assert.Empty(t, in.Rooms())
}

func TestNotificationMovesRoomToTopAndCounts(t *testing.T) {
	in, broker, _ := newInbox(t, nil)

	notify(broker, 2, "m1", "u2", "hello")

	got := in.Rooms()
	assert.Equal(t, []string{"two", "one"}, names(got))
	assert.Equal(t, "hello", got[0].LastMessageContent)
	assert.Equal(t, "Bob", got[0].LastMessageSenderName)
	assert.Equal(t, 1, got[0].UnreadCount)

	notify(broker, 2, "m1", "u2", "hello")
	r, ok := in.Room(2)
	require.True(t, ok)
	assert.Equal(t, 1, r.UnreadCount, "duplicate notification counted once")
}

func TestNotificationForOpenRoomOrOwnMessage(t *testing.T) {
	in, broker, _ := newInbox(t, func(id chat.RoomID) bool { return id == 2 })

	notify(broker, 2, "m1", "u2", "seen live")
	notify(broker, 1, "m2", "u1", "mine")

	r2, _ := in.Room(2)
	assert.Zero(t, r2.UnreadCount)
	assert.Equal(t, "seen live", r2.LastMessageContent)

	r1, _ := in.Room(1)
	assert.Equal(t, 2, r1.UnreadCount, "own message leaves the count alone")
	assert.Equal(t, []string{"one", "two"}, names(in.Rooms()))
}

func TestNotificationForUnknownRoom(t *testing.T) {
	in, broker, _ := newInbox(t, nil)

	notify(broker, 9, "m1", "u2", "new room")

	got := in.Rooms()
	require.Len(t, got, 3)
	assert.Equal(t, chat.RoomID(9), got[0].RoomID)
	assert.Equal(t, 1, got[0].UnreadCount)
}

func TestReceiptResetReachesListeners(t *testing.T) {
	counters := receipts.NewCounters()
	broker := memory.NewBroker()
	rooms := &fakeRooms{rooms: []chat.RoomSummary{{RoomID: 1, RoomName: "one", UnreadCount: 4}}}
	in, err := New(connected(t, broker), rooms, "u1", Options{Counters: counters})
	require.NoError(t, err)
	require.NoError(t, in.Refresh(context.Background()))

	var last []chat.RoomSummary
	in.OnChange(func(rs []chat.RoomSummary) { last = rs })

	counters.Reset(1)
	require.Len(t, last, 1)
	assert.Zero(t, last[0].UnreadCount)
}

func TestCreateRoomGoesToTop(t *testing.T) {
	in, _, _ := newInbox(t, nil)

	var calls int
	in.OnChange(func([]chat.RoomSummary) { calls++ })

	room, err := in.CreateRoom(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, chat.RoomID(101), room.RoomID)
	assert.Equal(t, []string{"fresh", "one", "two"}, names(in.Rooms()))
	assert.Equal(t, 1, calls)
}

func TestWatchIsIdempotentAndStopUnsubscribes(t *testing.T) {
	in, broker, _ := newInbox(t, nil)
	topic := chat.UserNotifications("u1")

	require.NoError(t, in.Watch())
	assert.Equal(t, 1, broker.SubscriptionCount(topic))

	in.Stop()
	assert.Zero(t, broker.SubscriptionCount(topic))

	notify(broker, 2, "m1", "u2", "late")
	assert.Equal(t, []string{"one", "two"}, names(in.Rooms()))
}

func TestListenerPanicIsContained(t *testing.T) {
	in, broker, _ := newInbox(t, nil)
	in.OnChange(func([]chat.RoomSummary) { panic("boom") })

	var seen int
	in.OnChange(func([]chat.RoomSummary) { seen++ })

	notify(broker, 1, "m1", "u2", "hi")
	assert.Equal(t, 1, seen)
}

func TestWatchSurvivesDropWithoutReplay(t *testing.T) {
	in, broker, _ := newInbox(t, nil)
	topic := chat.UserNotifications("u1")
	s := in.session.(*realtime.Session)

	notify(broker, 1, "m1", "u2", "first")
	broker.Drop(errors.New("link down"))

	assert.Eventually(t, func() bool {
		in.mu.Lock()
		id := in.subID
		in.mu.Unlock()
		return s.State() == realtime.StateConnected && s.Subscribed(id)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, broker.SubscriptionCount(topic))

	require.NoError(t, in.Watch())
	assert.Equal(t, 1, broker.SubscriptionCount(topic), "watch after resubscribe is not doubled")

	notify(broker, 2, "m2", "u2", "second")
	got := in.Rooms()
	assert.Equal(t, "second", got[0].LastMessageContent)
	assert.Equal(t, []string{"two", "one"}, names(got))
}

func TestWatchReplacesDroppedSubscription(t *testing.T) {
	in, broker, _ := newInbox(t, nil)
	topic := chat.UserNotifications("u1")
	s := in.session.(*realtime.Session)
	old := in.subID

	// Without the state listener only Watch can renew it.
	in.mu.Lock()
	s.RemoveStateListener(in.stateLID)
	in.mu.Unlock()

	broker.Drop(errors.New("link down"))
	assert.Eventually(t, func() bool {
		return s.State() == realtime.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Subscribed(old))
	assert.Zero(t, broker.SubscriptionCount(topic))

	require.NoError(t, in.Watch())
	assert.Equal(t, 1, broker.SubscriptionCount(topic))

	notify(broker, 2, "m2", "u2", "back")
	assert.Equal(t, "back", in.Rooms()[0].LastMessageContent)
}

func TestStopEndsResubscribe(t *testing.T) {
	in, broker, _ := newInbox(t, nil)
	topic := chat.UserNotifications("u1")
	s := in.session.(*realtime.Session)

	in.Stop()
	broker.Drop(errors.New("link down"))
	assert.Eventually(t, func() bool {
		return s.State() == realtime.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return broker.SubscriptionCount(topic) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}
