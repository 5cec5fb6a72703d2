package stomp

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/server"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/transport"
)

// trackingListener remembers accepted connections so a test can sever them.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) sever() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

type passcodeAuth struct{ want string }

func (p passcodeAuth) Authenticate(login, passcode string) bool {
	return passcode == p.want
}

func startServer(t *testing.T, auth server.Authenticator) *trackingListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tl := &trackingListener{Listener: ln}
	srv := &server.Server{Authenticator: auth}
	go func() { _ = srv.Serve(tl) }()
	t.Cleanup(func() {
		_ = ln.Close()
		tl.sever()
	})
	return tl
}

type events struct {
	mu          sync.Mutex
	connects    int
	errs        []error
	disconnects []error
}

func (e *events) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnect:    func() { e.mu.Lock(); e.connects++; e.mu.Unlock() },
		OnError:      func(err error) { e.mu.Lock(); e.errs = append(e.errs, err); e.mu.Unlock() },
		OnDisconnect: func(err error) { e.mu.Lock(); e.disconnects = append(e.disconnects, err); e.mu.Unlock() },
	}
}

func (e *events) snapshot() (int, []error, []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects, append([]error(nil), e.errs...), append([]error(nil), e.disconnects...)
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	_, err := New(transport.Options{URL: "http://localhost:8080/connect"}, transport.Callbacks{})
	assert.Error(t, err)

	a, err := New(transport.Options{URL: "ws://localhost:8080/connect/websocket"}, transport.Callbacks{})
	require.NoError(t, err)
	assert.False(t, a.Connected())
	_, err = a.Subscribe("/topic/1", func(*transport.Frame) {}, nil)
	assert.ErrorIs(t, err, transport.ErrNotActive)
	assert.ErrorIs(t, a.Publish("/publish/1", nil, nil), transport.ErrNotActive)
}

func TestSubscribePublishOverTCP(t *testing.T) {
	ln := startServer(t, nil)
	ev := &events{}
	a, err := New(transport.Options{
		URL:            "tcp://" + ln.Addr().String(),
		ReconnectDelay: 50 * time.Millisecond,
	}, ev.callbacks())
	require.NoError(t, err)

	require.NoError(t, a.Activate(context.Background()))
	require.Eventually(t, a.Connected, 2*time.Second, 5*time.Millisecond)

	frames := make(chan *transport.Frame, 4)
	h1, err := a.Subscribe("/topic/42", func(f *transport.Frame) { frames <- f }, nil)
	require.NoError(t, err)
	h2, err := a.Subscribe("/topic/42", func(f *transport.Frame) { frames <- f }, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())

	// give the broker a moment to register both SUBSCRIBE frames
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Publish("/topic/42", []byte(`{"id":"m-1","content":"hi"}`), map[string]string{"x-trace": "abc"}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, "/topic/42", f.Destination)
			assert.JSONEq(t, `{"id":"m-1","content":"hi"}`, string(f.Body))
			assert.Equal(t, "abc", f.Header("x-trace"))
			got[f.SubscriptionID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.Len(t, got, 2, "each transport subscription receives its own copy")

	require.NoError(t, a.Unsubscribe(h1))
	require.NoError(t, a.Deactivate(context.Background()))

	connects, _, disconnects := ev.snapshot()
	assert.Equal(t, 1, connects)
	require.Len(t, disconnects, 1)
	assert.NoError(t, disconnects[0])
	assert.NoError(t, a.Unsubscribe(h2), "handles from a closed connection are ignored")
}

func TestReconnectAfterDrop(t *testing.T) {
	ln := startServer(t, nil)
	ev := &events{}
	a, err := New(transport.Options{
		URL:            "tcp://" + ln.Addr().String(),
		ReconnectDelay: 50 * time.Millisecond,
	}, ev.callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	require.Eventually(t, a.Connected, 2*time.Second, 5*time.Millisecond)

	ln.sever()

	require.Eventually(t, func() bool {
		_, _, d := ev.snapshot()
		return len(d) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, _, disconnects := ev.snapshot()
	assert.Error(t, disconnects[0], "an unrequested drop carries its cause")

	require.Eventually(t, func() bool {
		c, _, _ := ev.snapshot()
		return c == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.Connected())

	require.NoError(t, a.Deactivate(context.Background()))
}

func TestRejectedCredentials(t *testing.T) {
	ln := startServer(t, passcodeAuth{want: "good-token"})
	ev := &events{}
	opts := transport.Options{
		URL:            "tcp://" + ln.Addr().String(),
		Username:       "kim",
		ReconnectDelay: 20 * time.Millisecond,
	}.WithToken("stale-token")
	a, err := New(opts, ev.callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	defer a.Deactivate(context.Background())

	require.Eventually(t, func() bool {
		_, errs, _ := ev.snapshot()
		return len(errs) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.Connected())
	connects, _, _ := ev.snapshot()
	assert.Equal(t, 0, connects)
}

func TestWSConnBridgesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(mt, msg)
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	conn := newWSConn(ws)
	defer conn.Close()

	_, err = conn.Write([]byte("SEND\n\nhello\x00"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	buf := make([]byte, len("SEND\n\nhello\x00\n"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "SEND\n\nhello\x00\n", string(buf), "reads span websocket message boundaries")
}

func TestWebsocketHandshakeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}))
	defer srv.Close()

	ev := &events{}
	opts := transport.Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReconnectDelay: 10 * time.Millisecond}.WithToken("bad")
	a, err := New(opts, ev.callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	defer a.Deactivate(context.Background())

	require.Eventually(t, func() bool {
		_, errs, _ := ev.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, errs, _ := ev.snapshot()
	require.Len(t, errs, 1, "an auth failure stops the retry loop")
	assert.True(t, transport.IsAuthError(errs[0]))
}
