package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsWithToken(t *testing.T) {
	base := Options{ConnectHeaders: map[string]string{"host": "chat"}}
	withToken := base.WithToken("abc")

	assert.Equal(t, "Bearer abc", withToken.ConnectHeaders["Authorization"])
	assert.Equal(t, "chat", withToken.ConnectHeaders["host"])
	assert.Equal(t, "abc", withToken.BearerToken())
	_, leaked := base.ConnectHeaders["Authorization"]
	assert.False(t, leaked, "original headers are not mutated")

	assert.Empty(t, Options{}.WithToken("").ConnectHeaders)
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.WithDefaults()
	assert.Equal(t, DefaultReconnectDelay, o.ReconnectDelay)
	assert.Equal(t, DefaultConnectTimeout, o.ConnectTimeout)

	o = Options{ReconnectDelay: time.Second, HeartbeatIncoming: -1}.WithDefaults()
	assert.Equal(t, time.Second, o.ReconnectDelay)
	assert.Equal(t, time.Duration(0), o.HeartbeatIncoming)
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		err  error
		auth bool
	}{
		{errors.New("dial tcp 127.0.0.1:61613: connect: connection refused"), false},
		{errors.New("websocket: bad handshake (401 Unauthorized)"), true},
		{errors.New("not Authorized"), true},
		{errors.New("nats: Authorization Violation"), true},
		{errors.New("read: connection reset by peer"), false},
		{errors.New("WRONGPASS invalid username-password pair"), true},
		{fmt.Errorf("connect: %w", &AuthError{Reason: "expired"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.auth, IsAuthError(ClassifyConnectError(tt.err)))
		})
	}
	assert.NoError(t, ClassifyConnectError(nil))
}

func TestRetryConnect(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		var seen []error
		err := RetryConnect(context.Background(), time.Millisecond, func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		}, func(err error) { seen = append(seen, err) })

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Len(t, seen, 2)
	})

	t.Run("stops on credential failure", func(t *testing.T) {
		attempts := 0
		err := RetryConnect(context.Background(), time.Millisecond, func(context.Context) error {
			attempts++
			return errors.New("401 unauthorized")
		}, nil)

		assert.True(t, IsAuthError(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := RetryConnect(ctx, 5*time.Millisecond, func(context.Context) error {
			return errors.New("connection refused")
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
