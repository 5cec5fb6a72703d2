package receipts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/cache"
	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/realtime"
	"github.com/bitechdev/ChatMux/pkg/transport"
	"github.com/bitechdev/ChatMux/pkg/transport/memory"
)

// fakeMarker records receipts. While gate is non-nil every call blocks
// until the gate is closed.
type fakeMarker struct {
	mu       sync.Mutex
	read     []string
	readAll  []chat.RoomID
	cred     []string
	failRead error
	failAll  error
	gate     chan struct{}
}

func (m *fakeMarker) wait(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fakeMarker) MarkRead(ctx context.Context, room chat.RoomID, messageID, cred string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = append(m.cred, cred)
	if m.failRead != nil {
		return m.failRead
	}
	m.read = append(m.read, fmt.Sprintf("%s/%s", room, messageID))
	return nil
}

func (m *fakeMarker) MarkAllRead(ctx context.Context, room chat.RoomID, cred string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = append(m.cred, cred)
	if m.failAll != nil {
		return m.failAll
	}
	m.readAll = append(m.readAll, room)
	return nil
}

func (m *fakeMarker) reads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.read...)
}

func (m *fakeMarker) readAlls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readAll)
}

type fixture struct {
	broker  *memory.Broker
	session *realtime.Session
	marker  *fakeMarker
	coord   *Coordinator
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	broker := memory.NewBroker()
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

	marker := &fakeMarker{}
	opts := DefaultOptions()
	opts.UserID = "me"
	for _, m := range mutate {
		m(&opts)
	}
	coord, err := New(s, marker, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	return &fixture{broker: broker, session: s, marker: marker, coord: coord}
}

func (f *fixture) deliver(room chat.RoomID, id, sender string) {
	body := fmt.Sprintf(`{"id":%q,"roomId":%d,"senderId":%q,"senderName":"x","content":"hi","timestamp":"2024-05-01T10:00:00","type":"text"}`, id, room, sender)
	f.broker.Deliver(chat.RoomTopic(room), []byte(body), nil)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, &fakeMarker{}, DefaultOptions())
	assert.ErrorIs(t, err, ErrNilSession)

	s := realtime.NewSession(memory.NewBroker().Factory(), realtime.DefaultOptions())
	defer s.Close(context.Background())
	_, err = New(s, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNilMarker)
}

func TestOpenRoomMarksAllReadOnce(t *testing.T) {
	f := newFixture(t)
	f.coord.Counters().Seed(42, 5)

	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	assert.True(t, f.coord.IsOpen(42))
	assert.Equal(t, 1, f.broker.SubscriptionCount("/topic/42"))

	require.Eventually(t, func() bool { return f.marker.readAlls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return v.State() == StateSubscribed }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.coord.Counters().Unread(42))
	f.marker.mu.Lock()
	assert.Equal(t, "tok1", f.marker.cred[0])
	f.marker.mu.Unlock()
}

func TestOpenRoomTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.coord.Counters().Seed(42, 3)

	a, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	b, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.marker.readAlls() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Pending() == 0 && b.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.coord.Counters().Unread(42))

	a.Close()
	assert.True(t, f.coord.IsOpen(42), "second view still open")
	b.Close()
	assert.False(t, f.coord.IsOpen(42))
}

func TestOpenRoomWhileDisconnected(t *testing.T) {
	s := realtime.NewSession(memory.NewBroker().Factory(), realtime.DefaultOptions())
	defer s.Close(context.Background())
	coord, err := New(s, &fakeMarker{}, DefaultOptions())
	require.NoError(t, err)
	defer coord.Close(context.Background())

	_, err = coord.OpenRoom(context.Background(), 1, nil)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.False(t, coord.IsOpen(1))
}

func TestFrameIsHandledThenMarkedRead(t *testing.T) {
	f := newFixture(t)

	var got []string
	var mu sync.Mutex
	v, err := f.coord.OpenRoom(context.Background(), 42, HandlerFunc(func(ctx context.Context, msg *chat.Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.deliver(42, "m1", "u2")
	f.deliver(42, "m1", "u2")

	mu.Lock()
	assert.Equal(t, []string{"m1", "m1"}, got)
	mu.Unlock()
	require.Eventually(t, func() bool { return len(f.marker.reads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"42/m1"}, f.marker.reads(), "one receipt per message id")
	require.Eventually(t, func() bool { return f.coord.Counters().Unread(42) == 0 }, time.Second, 5*time.Millisecond)
}

func TestOwnMessagesAreSkipped(t *testing.T) {
	f := newFixture(t)
	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.deliver(42, "mine", "me")
	assert.Zero(t, v.Pending())
	assert.Zero(t, f.coord.Counters().Unread(42))
	assert.Empty(t, f.marker.reads())
}

func TestAutoMarkReadDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoMarkRead = false })
	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.deliver(42, "m1", "u2")
	assert.Equal(t, 1, f.coord.Counters().Unread(42))
	assert.Empty(t, f.marker.reads())
}

func TestMarkingReadStateWhileInFlight(t *testing.T) {
	f := newFixture(t)
	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.State() == StateSubscribed && v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	f.marker.mu.Lock()
	f.marker.gate = gate
	f.marker.mu.Unlock()

	f.deliver(42, "m1", "u2")
	assert.Equal(t, StateMarkingRead, v.State())
	assert.Equal(t, 1, f.coord.Counters().Unread(42))

	close(gate)
	require.Eventually(t, func() bool { return v.State() == StateSubscribed }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.coord.Counters().Unread(42))
}

func TestFailedReceiptIsNotRetried(t *testing.T) {
	f := newFixture(t)
	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.marker.mu.Lock()
	f.marker.failRead = errors.New("boom")
	f.marker.mu.Unlock()

	f.deliver(42, "m1", "u2")
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.coord.Counters().Unread(42), "stale until the next successful entry")
	assert.False(t, f.coord.ledger.Claimed(context.Background(), 42, "m1"), "claim released")

	f.marker.mu.Lock()
	f.marker.failRead = nil
	f.marker.mu.Unlock()
	v.Close()

	_, err = f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.coord.Counters().Unread(42) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.marker.reads(), "no automatic retry")
}

func TestSharedLedgerDeduplicates(t *testing.T) {
	store := cache.NewMemoryProvider(nil)
	f := newFixture(t, func(o *Options) { o.Ledger = store })

	other := NewLedger(store, "me", time.Hour)
	require.True(t, other.Claim(context.Background(), 42, "m1"))

	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.deliver(42, "m1", "u2")
	assert.Zero(t, v.Pending())
	assert.Empty(t, f.marker.reads())
	assert.Zero(t, f.coord.Counters().Unread(42))
}

func TestCloseStopsDelivery(t *testing.T) {
	f := newFixture(t)
	calls := 0
	v, err := f.coord.OpenRoom(context.Background(), 42, HandlerFunc(func(ctx context.Context, msg *chat.Message) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	id := v.SubscriptionID()
	v.Close()
	v.Close()

	assert.Equal(t, StateIdle, v.State())
	assert.False(t, f.session.Subscribed(id))
	assert.Zero(t, f.broker.SubscriptionCount("/topic/42"))

	f.deliver(42, "m1", "u2")
	assert.Zero(t, calls)
}

func TestForeignRoomMessageIgnored(t *testing.T) {
	f := newFixture(t)
	calls := 0
	v, err := f.coord.OpenRoom(context.Background(), 42, HandlerFunc(func(ctx context.Context, msg *chat.Message) error {
		calls++
		return nil
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.broker.Deliver("/topic/42", []byte(`{"id":"x","roomId":7,"content":"hi"}`), nil)
	assert.Zero(t, calls)
	assert.Zero(t, f.coord.Counters().Unread(7))
}

func TestCoordinatorClose(t *testing.T) {
	f := newFixture(t)
	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.Close(context.Background()))
	assert.Equal(t, StateIdle, v.State())

	_, err = f.coord.OpenRoom(context.Background(), 42, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestViewResubscribesAfterDrop(t *testing.T) {
	f := newFixture(t)

	var got []string
	var mu sync.Mutex
	v, err := f.coord.OpenRoom(context.Background(), 42, HandlerFunc(func(ctx context.Context, msg *chat.Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.State() == StateSubscribed }, time.Second, 5*time.Millisecond)
	old := v.SubscriptionID()

	f.broker.SetAvailable(false)
	f.broker.Drop(errors.New("link down"))
	require.Eventually(t, func() bool { return v.State() == StateSubscribing }, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.EmptySubscriptionID, v.SubscriptionID())
	assert.True(t, f.coord.IsOpen(42), "view stays open while the session reconnects")

	f.broker.SetAvailable(true)
	require.Eventually(t, func() bool {
		return v.State() == StateSubscribed && f.marker.readAlls() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, old, v.SubscriptionID())
	assert.True(t, f.session.Subscribed(v.SubscriptionID()))
	assert.Equal(t, 1, f.broker.SubscriptionCount("/topic/42"))

	f.deliver(42, "m1", "u2")
	require.Eventually(t, func() bool { return len(f.marker.reads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"42/m1"}, f.marker.reads())
	mu.Lock()
	assert.Equal(t, []string{"m1"}, got)
	mu.Unlock()

	v.Close()
	assert.False(t, f.coord.IsOpen(42))
	assert.Zero(t, f.broker.SubscriptionCount("/topic/42"))
}

func TestClosedViewIsNotResubscribed(t *testing.T) {
	f := newFixture(t)

	v, err := f.coord.OpenRoom(context.Background(), 42, nil)
	require.NoError(t, err)
	v.Close()

	f.broker.Drop(errors.New("link down"))
	require.Eventually(t, func() bool {
		return f.session.State() == realtime.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return f.broker.SubscriptionCount("/topic/42") > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateIdle, v.State())
}
