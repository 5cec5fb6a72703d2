// Package stomp is the STOMP 1.2 transport adapter. It speaks STOMP over a
// websocket (ws://, wss://) as Spring-style chat servers expose it, or over
// plain TCP (tcp://) as standalone brokers do.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

const defaultContentType = "application/json"

// Adapter implements transport.Adapter on go-stomp.
type Adapter struct {
	opts transport.Options
	cb   transport.Callbacks

	mu        sync.Mutex
	conn      *gostomp.Conn
	raw       io.ReadWriteCloser
	connected bool
	gen       uint64
	subs      map[string]*handle
	cancel    context.CancelFunc
}

type handle struct {
	id    string
	topic string
	gen   uint64
	sub   *gostomp.Subscription
}

func (h *handle) ID() string    { return h.id }
func (h *handle) Topic() string { return h.topic }

// New creates an adapter. It does not connect until Activate.
func New(opts transport.Options, cb transport.Callbacks) (transport.Adapter, error) {
	opts = opts.WithDefaults()
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid STOMP url %q: %w", opts.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "stomp":
	default:
		return nil, fmt.Errorf("unsupported STOMP url scheme %q", u.Scheme)
	}
	return &Adapter{
		opts: opts,
		cb:   cb,
		subs: make(map[string]*handle),
	}, nil
}

func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("adapter already active")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(runCtx, 0)
	return nil
}

// run connects, retrying at a fixed delay, after an optional initial wait.
func (a *Adapter) run(ctx context.Context, wait time.Duration) {
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	err := transport.RetryConnect(ctx, a.opts.ReconnectDelay, a.dial, func(err error) {
		logger.Warn("[STOMP] Connect to %s failed: %v", a.opts.URL, err)
		a.cb.NotifyError(err)
	})
	if err != nil {
		return
	}
	logger.Info("[STOMP] Connected to %s", a.opts.URL)
	a.cb.NotifyConnect()
}

func (a *Adapter) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	raw, err := a.openSocket(dialCtx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	gen := a.gen + 1
	a.mu.Unlock()

	watched := &watchedConn{ReadWriteCloser: raw, onLost: func(err error) { a.lost(gen, err) }}

	type result struct {
		conn *gostomp.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := gostomp.Connect(watched, a.connectOptions()...)
		done <- result{c, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-dialCtx.Done():
		_ = raw.Close()
		<-done
		return fmt.Errorf("STOMP handshake: %w", dialCtx.Err())
	}
	if res.err != nil {
		_ = raw.Close()
		return classifyHandshakeError(res.err)
	}

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		_ = res.conn.Disconnect()
		return ctx.Err()
	}
	a.gen = gen
	a.conn = res.conn
	a.raw = raw
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) openSocket(ctx context.Context) (io.ReadWriteCloser, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ws", "wss":
		header := http.Header{}
		for k, v := range a.opts.ConnectHeaders {
			header.Set(k, v)
		}
		dialer := websocket.Dialer{
			HandshakeTimeout: a.opts.ConnectTimeout,
			Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			Proxy:            http.ProxyFromEnvironment,
		}
		ws, resp, err := dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, &transport.AuthError{Reason: resp.Status, Err: err}
			}
			return nil, err
		}
		return newWSConn(ws), nil
	default:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", u.Host)
	}
}

func (a *Adapter) connectOptions() []func(*gostomp.Conn) error {
	u, _ := url.Parse(a.opts.URL)
	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.HeartBeat(a.opts.HeartbeatOutgoing, a.opts.HeartbeatIncoming),
	}
	if u != nil && u.Hostname() != "" {
		opts = append(opts, gostomp.ConnOpt.Host(u.Hostname()))
	}
	if a.opts.Username != "" {
		opts = append(opts, gostomp.ConnOpt.Login(a.opts.Username, a.opts.BearerToken()))
	}
	for k, v := range a.opts.ConnectHeaders {
		opts = append(opts, gostomp.ConnOpt.Header(k, v))
	}
	return opts
}

// classifyHandshakeError treats a refusal received over an open socket as a
// credential failure: STOMP servers answer a bad CONNECT with an ERROR
// frame, whereas network trouble surfaces as an I/O error.
func classifyHandshakeError(err error) error {
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return err
	}
	if transport.LooksLikeAuthFailure(err) {
		return &transport.AuthError{Reason: "CONNECT refused", Err: err}
	}
	return err
}

// lost handles an unrequested end of connection gen.
func (a *Adapter) lost(gen uint64, cause error) {
	a.mu.Lock()
	if gen != a.gen || !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.conn = nil
	if a.raw != nil {
		_ = a.raw.Close()
		a.raw = nil
	}
	a.subs = make(map[string]*handle)
	if a.cancel != nil {
		a.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	logger.Warn("[STOMP] Connection to %s lost: %v", a.opts.URL, cause)
	a.cb.NotifyDisconnect(cause)
	go a.run(runCtx, a.opts.ReconnectDelay)
}

func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.cancel = nil
	conn, raw := a.conn, a.raw
	wasConnected := a.connected
	a.connected = false
	a.conn = nil
	a.raw = nil
	a.gen++
	a.subs = make(map[string]*handle)
	a.mu.Unlock()

	if conn != nil {
		done := make(chan error, 1)
		go func() { done <- conn.Disconnect() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Debug("[STOMP] Disconnect: %v", err)
			}
		case <-ctx.Done():
		case <-time.After(a.opts.ConnectTimeout):
		}
	}
	if raw != nil {
		_ = raw.Close()
	}

	if wasConnected {
		logger.Info("[STOMP] Disconnected from %s", a.opts.URL)
		a.cb.NotifyDisconnect(nil)
	}
	return nil
}

func (a *Adapter) Subscribe(topic string, cb transport.FrameCallback, headers map[string]string) (transport.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return nil, transport.ErrNotActive
	}

	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, gostomp.SubscribeOpt.Header(k, v))
	}
	sub, err := a.conn.Subscribe(topic, gostomp.AckAuto, opts...)
	if err != nil {
		return nil, fmt.Errorf("STOMP subscribe %s: %w", topic, err)
	}

	h := &handle{id: sub.Id(), topic: topic, gen: a.gen, sub: sub}
	a.subs[h.id] = h
	go pump(h, cb)
	return h, nil
}

// pump forwards messages of one subscription until its channel closes.
func pump(h *handle, cb transport.FrameCallback) {
	defer logger.CatchPanic("stomp.pump")
	for msg := range h.sub.C {
		if msg.Err != nil {
			logger.Debug("[STOMP] Subscription %s ended: %v", h.id, msg.Err)
			return
		}
		cb(toFrame(h.id, msg))
	}
}

func toFrame(subID string, msg *gostomp.Message) *transport.Frame {
	headers := make(map[string]string)
	if msg.Header != nil {
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			if _, dup := headers[k]; !dup {
				headers[k] = v
			}
		}
	}
	return &transport.Frame{
		Destination:    msg.Destination,
		SubscriptionID: subID,
		ContentType:    msg.ContentType,
		Headers:        headers,
		Body:           msg.Body,
		ReceivedAt:     time.Now(),
	}
}

func (a *Adapter) Unsubscribe(h transport.Handle) error {
	sh, ok := h.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}

	a.mu.Lock()
	if sh.gen != a.gen || !a.connected {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, sh.id)
	a.mu.Unlock()

	if err := sh.sub.Unsubscribe(); err != nil {
		// the subscription may already be closed by the server
		logger.Debug("[STOMP] Unsubscribe %s: %v", sh.topic, err)
	}
	return nil
}

func (a *Adapter) Publish(destination string, body []byte, headers map[string]string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()
	if !connected || conn == nil {
		return transport.ErrNotActive
	}

	contentType := defaultContentType
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		if k == "content-type" {
			contentType = v
			continue
		}
		opts = append(opts, gostomp.SendOpt.Header(k, v))
	}
	if err := conn.Send(destination, contentType, body, opts...); err != nil {
		return fmt.Errorf("STOMP send %s: %w", destination, err)
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
