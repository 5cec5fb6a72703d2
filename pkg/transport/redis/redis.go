// Package redis is the Redis pub/sub transport adapter. Destinations are
// used verbatim as channel names. Redis pub/sub carries no per-message
// headers, so only bodies travel.
package redis

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

var handleSeq atomic.Uint64

// Adapter implements transport.Adapter on go-redis.
type Adapter struct {
	opts      transport.Options
	cb        transport.Callbacks
	redisOpts *redis.Options

	mu        sync.Mutex
	client    *redis.Client
	connected bool
	gen       uint64
	subs      map[string]*handle
	cancel    context.CancelFunc
}

type handle struct {
	id    string
	topic string
	gen   uint64
	ps    *redis.PubSub
}

func (h *handle) ID() string    { return h.id }
func (h *handle) Topic() string { return h.topic }

// New creates an adapter for a redis:// or rediss:// URL. A bearer token
// in the connect headers replaces the URL password.
func New(opts transport.Options, cb transport.Callbacks) (transport.Adapter, error) {
	opts = opts.WithDefaults()
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379/0"
	}
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %q: %w", opts.URL, err)
	}
	if token := opts.BearerToken(); token != "" {
		ro.Password = token
	}
	if opts.Username != "" {
		ro.Username = opts.Username
	}
	if opts.ClientID != "" {
		ro.ClientName = opts.ClientID
	}
	ro.DialTimeout = opts.ConnectTimeout
	ro.MaxRetries = 0
	return &Adapter{opts: opts, cb: cb, redisOpts: ro, subs: make(map[string]*handle)}, nil
}

// URL builds a redis:// URL from discrete settings.
func URL(host string, port int, password string, db int) string {
	u := url.URL{Scheme: "redis", Host: fmt.Sprintf("%s:%d", host, port), Path: fmt.Sprintf("/%d", db)}
	if password != "" {
		u.User = url.UserPassword("", password)
	}
	return u.String()
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
		logger.Warn("[Redis] Connect to %s failed: %v", a.redisOpts.Addr, err)
		a.cb.NotifyError(err)
	})
	if err != nil {
		return
	}
	logger.Info("[Redis] Connected to %s", a.redisOpts.Addr)
	a.cb.NotifyConnect()
}

func (a *Adapter) dial(ctx context.Context) error {
	client := redis.NewClient(a.redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		_ = client.Close()
		return ctx.Err()
	}
	a.client = client
	a.connected = true
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	go a.monitor(ctx, client, gen)
	return nil
}

// monitor pings the server and reports a drop when a ping fails.
func (a *Adapter) monitor(ctx context.Context, client *redis.Client, gen uint64) {
	interval := a.opts.HeartbeatOutgoing
	if interval <= 0 {
		interval = transport.DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				a.lost(gen, err)
				return
			}
		}
	}
}

func (a *Adapter) lost(gen uint64, cause error) {
	a.mu.Lock()
	if gen != a.gen || !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	client := a.client
	a.client = nil
	subs := a.subs
	a.subs = make(map[string]*handle)
	if a.cancel != nil {
		a.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	closeAll(client, subs)
	logger.Warn("[Redis] Connection to %s lost: %v", a.redisOpts.Addr, cause)
	a.cb.NotifyDisconnect(cause)
	go a.run(runCtx, a.opts.ReconnectDelay)
}

func closeAll(client *redis.Client, subs map[string]*handle) {
	for _, h := range subs {
		_ = h.ps.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}

func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.cancel = nil
	client := a.client
	a.client = nil
	subs := a.subs
	a.subs = make(map[string]*handle)
	wasConnected := a.connected
	a.connected = false
	a.gen++
	a.mu.Unlock()

	closeAll(client, subs)
	if wasConnected {
		logger.Info("[Redis] Disconnected from %s", a.redisOpts.Addr)
		a.cb.NotifyDisconnect(nil)
	}
	return nil
}

func (a *Adapter) Subscribe(topic string, cb transport.FrameCallback, headers map[string]string) (transport.Handle, error) {
	a.mu.Lock()
	client, connected, gen := a.client, a.connected, a.gen
	a.mu.Unlock()
	if !connected || client == nil {
		return nil, transport.ErrNotActive
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectTimeout)
	defer cancel()
	ps := client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	h := &handle{id: fmt.Sprintf("redis-%d", handleSeq.Add(1)), topic: topic, gen: gen, ps: ps}
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		_ = ps.Close()
		return nil, transport.ErrNotActive
	}
	a.subs[h.id] = h
	a.mu.Unlock()

	go pump(h, cb)
	return h, nil
}

func pump(h *handle, cb transport.FrameCallback) {
	defer logger.CatchPanic("redis.pump")
	for msg := range h.ps.Channel() {
		cb(&transport.Frame{
			Destination:    msg.Channel,
			SubscriptionID: h.id,
			ContentType:    "application/json",
			Headers:        map[string]string{},
			Body:           []byte(msg.Payload),
			ReceivedAt:     time.Now(),
		})
	}
}

func (a *Adapter) Unsubscribe(h transport.Handle) error {
	rh, ok := h.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	a.mu.Lock()
	if _, live := a.subs[rh.id]; !live || rh.gen != a.gen {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, rh.id)
	a.mu.Unlock()

	if err := rh.ps.Close(); err != nil {
		logger.Debug("[Redis] Unsubscribe %s: %v", rh.topic, err)
	}
	return nil
}

func (a *Adapter) Publish(destination string, body []byte, headers map[string]string) error {
	a.mu.Lock()
	client, connected := a.client, a.connected
	a.mu.Unlock()
	if !connected || client == nil {
		return transport.ErrNotActive
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectTimeout)
	defer cancel()
	if err := client.Publish(ctx, destination, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", destination, err)
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
