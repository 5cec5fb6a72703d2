//go:build integration
// +build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bitechdev/ChatMux/pkg/transport"
)

func startRedis(t *testing.T) (string, int) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		Cmd:          []string{"redis-server", "--requirepass", "s3cret"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host, port.Int()
}

func TestRedisRoundTrip(t *testing.T) {
	host, port := startRedis(t)

	a, err := New(transport.Options{URL: URL(host, port, "", 0)}.WithToken("s3cret"), transport.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	defer a.Deactivate(context.Background())
	require.Eventually(t, a.Connected, 10*time.Second, 20*time.Millisecond)

	frames := make(chan *transport.Frame, 2)
	h1, err := a.Subscribe("/topic/42", func(f *transport.Frame) { frames <- f }, nil)
	require.NoError(t, err)
	h2, err := a.Subscribe("/topic/42", func(f *transport.Frame) { frames <- f }, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())

	require.NoError(t, a.Publish("/topic/42", []byte(`{"id":"m-1"}`), nil))
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, "/topic/42", f.Destination)
		case <-time.After(5 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
}

func TestRedisWrongPassword(t *testing.T) {
	host, port := startRedis(t)

	errs := make(chan error, 4)
	a, err := New(transport.Options{URL: URL(host, port, "", 0)}.WithToken("wrong"), transport.Callbacks{
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	defer a.Deactivate(context.Background())

	select {
	case err := <-errs:
		assert.True(t, transport.IsAuthError(err), err.Error())
	case <-time.After(10 * time.Second):
		t.Fatal("no error reported")
	}
}
