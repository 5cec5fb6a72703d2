package receipts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/cache"
	"github.com/bitechdev/ChatMux/pkg/chat"
)

func TestCountersArriveAndRead(t *testing.T) {
	c := NewCounters()

	assert.True(t, c.Arrive(1, "a"))
	assert.True(t, c.Arrive(1, "b"))
	assert.False(t, c.Arrive(1, "a"), "duplicate arrival")
	assert.Equal(t, 2, c.Unread(1))

	c.MarkRead(1, "a")
	c.MarkRead(1, "a")
	assert.Equal(t, 1, c.Unread(1))
	assert.Zero(t, c.Unread(2))
}

func TestCountersReceiptBeforeArrival(t *testing.T) {
	c := NewCounters()
	c.Seed(1, 2)

	c.MarkRead(1, "b")
	assert.Equal(t, 2, c.Unread(1), "unknown receipt never touches the server count")

	assert.True(t, c.Arrive(1, "a"))
	assert.False(t, c.Arrive(1, "b"), "already read")
	assert.Equal(t, 3, c.Unread(1))

	c.MarkRead(1, "a")
	assert.Equal(t, 2, c.Unread(1))
}

func TestCountersResetIsIdempotent(t *testing.T) {
	c := NewCounters()
	c.Seed(1, 4)
	c.Arrive(1, "x")

	c.Reset(1)
	once := c.Unread(1)
	c.Reset(1)
	assert.Equal(t, once, c.Unread(1))
	assert.Zero(t, once)

	assert.False(t, c.Arrive(1, "x"), "read by reset")
}

func TestCountersOnChange(t *testing.T) {
	c := NewCounters()
	var changes []string
	c.OnChange(func(room chat.RoomID, unread int) {
		changes = append(changes, fmt.Sprintf("%s=%d", room, unread))
	})

	c.Arrive(3, "a")
	c.Arrive(3, "a")
	c.MarkRead(3, "a")
	c.Reset(3)
	c.Seed(3, 7)

	assert.Equal(t, []string{"3=1", "3=0", "3=7"}, changes)
}

func TestCountersTombstonesAreBounded(t *testing.T) {
	c := NewCounters()
	for i := 0; i < maxTombstones+10; i++ {
		c.MarkRead(1, fmt.Sprintf("m%d", i))
	}
	assert.False(t, c.IsRead(1, "m0"), "oldest forgotten")
	assert.True(t, c.IsRead(1, fmt.Sprintf("m%d", maxTombstones+9)))
}

func TestLedgerClaimOnce(t *testing.T) {
	l := NewLedger(nil, "u1", time.Minute)
	ctx := context.Background()

	assert.True(t, l.Claim(ctx, 1, "m1"))
	assert.False(t, l.Claim(ctx, 1, "m1"))
	assert.True(t, l.Claim(ctx, 2, "m1"), "keyed by room")
	assert.True(t, l.Claimed(ctx, 1, "m1"))

	l.Forget(ctx, 1, "m1")
	assert.True(t, l.Claim(ctx, 1, "m1"))
	require.NoError(t, l.Close())
}

func TestLedgerNamespacesUsers(t *testing.T) {
	store := cache.NewMemoryProvider(nil)
	a := NewLedger(store, "alice", 0)
	b := NewLedger(store, "bob", 0)

	assert.True(t, a.Claim(context.Background(), 1, "m1"))
	assert.True(t, b.Claim(context.Background(), 1, "m1"))
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	wp := newWorkerPool(1, 1, func(ctx context.Context, j *job) error {
		<-block
		return nil
	})
	wp.Start()

	require.NoError(t, wp.Submit(&job{kind: kindAll}))
	require.Eventually(t, func() bool { return wp.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, wp.Submit(&job{kind: kindAll}))
	assert.ErrorIs(t, wp.Submit(&job{kind: kindAll}), ErrQueueFull)

	close(block)
	require.NoError(t, wp.Stop(context.Background()))
	assert.ErrorIs(t, wp.Submit(&job{kind: kindAll}), ErrPoolStopped)
}
