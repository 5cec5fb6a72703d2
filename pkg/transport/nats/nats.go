// Package nats is the core NATS transport adapter. Destinations map onto
// subjects by replacing slashes with dots: "/topic/42" is "topic.42".
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// OptName is the Extra key for the connection name reported to the server.
const OptName = "nats.name"

var handleSeq atomic.Uint64

// Adapter implements transport.Adapter on nats.go.
type Adapter struct {
	opts transport.Options
	cb   transport.Callbacks

	mu        sync.Mutex
	nc        *nats.Conn
	connected bool
	gen       uint64
	subs      map[*handle]struct{}
	cancel    context.CancelFunc
}

type handle struct {
	id    string
	topic string
	gen   uint64
	sub   *nats.Subscription
}

func (h *handle) ID() string    { return h.id }
func (h *handle) Topic() string { return h.topic }

func New(opts transport.Options, cb transport.Callbacks) (transport.Adapter, error) {
	opts = opts.WithDefaults()
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	return &Adapter{opts: opts, cb: cb, subs: make(map[*handle]struct{})}, nil
}

// Subject maps a destination onto a NATS subject.
func Subject(destination string) string {
	return strings.ReplaceAll(strings.Trim(destination, "/"), "/", ".")
}

// Destination reverses Subject.
func Destination(subject string) string {
	return "/" + strings.ReplaceAll(subject, ".", "/")
}

func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("adapter already active")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		err := transport.RetryConnect(runCtx, a.opts.ReconnectDelay, a.dial, func(err error) {
			logger.Warn("[NATS] Connect to %s failed: %v", a.opts.URL, err)
			a.cb.NotifyError(err)
		})
		if err != nil {
			return
		}
		logger.Info("[NATS] Connected to %s", a.opts.URL)
		a.cb.NotifyConnect()
	}()
	return nil
}

func (a *Adapter) natsOptions() []nats.Option {
	name := a.opts.Extra[OptName]
	if name == "" {
		name = "chatmux"
	}
	if a.opts.ClientID != "" {
		name += "-" + a.opts.ClientID
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(a.opts.ConnectTimeout),
		nats.ReconnectWait(a.opts.ReconnectDelay),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(a.onDisconnect),
		nats.ReconnectHandler(a.onReconnect),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			logger.Warn("[NATS] Async error: %v", err)
			a.cb.NotifyError(transport.ClassifyConnectError(err))
		}),
	}
	if a.opts.HeartbeatOutgoing > 0 {
		opts = append(opts, nats.PingInterval(a.opts.HeartbeatOutgoing))
	}
	token := a.opts.BearerToken()
	switch {
	case a.opts.Username != "":
		opts = append(opts, nats.UserInfo(a.opts.Username, token))
	case token != "":
		opts = append(opts, nats.Token(token))
	}
	return opts
}

func (a *Adapter) dial(ctx context.Context) error {
	nc, err := nats.Connect(a.opts.URL, a.natsOptions()...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return &transport.AuthError{Reason: "rejected by server", Err: err}
		}
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		nc.Close()
		return ctx.Err()
	}
	a.nc = nc
	a.connected = true
	a.gen++
	return nil
}

// onDisconnect drops every subscription so the client library does not
// restore them on reconnect; the session replays its own.
func (a *Adapter) onDisconnect(nc *nats.Conn, err error) {
	a.mu.Lock()
	if nc != a.nc || !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.gen++
	subs := a.subs
	a.subs = make(map[*handle]struct{})
	a.mu.Unlock()

	for h := range subs {
		_ = h.sub.Unsubscribe()
	}
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	logger.Warn("[NATS] Connection to %s lost: %v", a.opts.URL, err)
	a.cb.NotifyDisconnect(err)
}

func (a *Adapter) onReconnect(nc *nats.Conn) {
	a.mu.Lock()
	if nc != a.nc {
		a.mu.Unlock()
		return
	}
	a.connected = true
	a.mu.Unlock()

	logger.Info("[NATS] Reconnected to %s", nc.ConnectedUrl())
	a.cb.NotifyConnect()
}

func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.cancel = nil
	nc := a.nc
	a.nc = nil
	wasConnected := a.connected
	a.connected = false
	a.gen++
	a.subs = make(map[*handle]struct{})
	a.mu.Unlock()

	if nc != nil {
		if err := nc.FlushTimeout(a.opts.ConnectTimeout); err != nil {
			logger.Debug("[NATS] Flush before close: %v", err)
		}
		nc.Close()
	}
	if wasConnected {
		logger.Info("[NATS] Disconnected from %s", a.opts.URL)
		a.cb.NotifyDisconnect(nil)
	}
	return nil
}

func (a *Adapter) Subscribe(topic string, cb transport.FrameCallback, headers map[string]string) (transport.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.nc == nil {
		return nil, transport.ErrNotActive
	}

	h := &handle{id: fmt.Sprintf("nats-%d", handleSeq.Add(1)), topic: topic, gen: a.gen}
	sub, err := a.nc.Subscribe(Subject(topic), func(msg *nats.Msg) {
		cb(toFrame(h.id, msg))
	})
	if err != nil {
		return nil, fmt.Errorf("NATS subscribe %s: %w", topic, err)
	}
	h.sub = sub
	a.subs[h] = struct{}{}
	return h, nil
}

func toFrame(subID string, msg *nats.Msg) *transport.Frame {
	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[strings.ToLower(k)] = msg.Header.Get(k)
	}
	contentType := headers["content-type"]
	if contentType == "" {
		contentType = "application/json"
	}
	return &transport.Frame{
		Destination:    Destination(msg.Subject),
		SubscriptionID: subID,
		ContentType:    contentType,
		Headers:        headers,
		Body:           msg.Data,
		ReceivedAt:     time.Now(),
	}
}

func (a *Adapter) Unsubscribe(h transport.Handle) error {
	nh, ok := h.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	a.mu.Lock()
	if nh.gen != a.gen || !a.connected {
		a.mu.Unlock()
		return nil
	}
	if _, live := a.subs[nh]; !live {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, nh)
	a.mu.Unlock()

	if err := nh.sub.Unsubscribe(); err != nil {
		logger.Debug("[NATS] Unsubscribe %s: %v", nh.topic, err)
	}
	return nil
}

func (a *Adapter) Publish(destination string, body []byte, headers map[string]string) error {
	a.mu.Lock()
	nc, connected := a.nc, a.connected
	a.mu.Unlock()
	if !connected || nc == nil {
		return transport.ErrNotActive
	}

	msg := &nats.Msg{Subject: Subject(destination), Data: body}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("NATS publish %s: %w", destination, err)
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
