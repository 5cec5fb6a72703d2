// Package memory is an in-process broker and matching transport adapter.
// It follows the same lifecycle contract as the network adapters, which
// makes it suitable for tests and for running the client without a server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// ErrUnavailable is reported to connecting adapters while the broker is
// marked unavailable.
var ErrUnavailable = errors.New("memory broker unavailable")

// Published is a record of one Publish call.
type Published struct {
	Destination string
	Body        []byte
	Headers     map[string]string
}

// Broker routes frames between adapters created from it.
type Broker struct {
	mu           sync.Mutex
	adapters     map[*Adapter]struct{}
	published    []Published
	rejected     map[string]struct{}
	available    bool
	route        func(string) string
	activations  atomic.Int64
	nextHandleID atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{
		adapters:  make(map[*Adapter]struct{}),
		rejected:  make(map[string]struct{}),
		available: true,
	}
}

// Factory returns a transport.Factory whose adapters attach to b.
func (b *Broker) Factory() transport.Factory {
	return func(opts transport.Options, cb transport.Callbacks) (transport.Adapter, error) {
		return b.NewAdapter(opts, cb), nil
	}
}

// NewAdapter creates an adapter attached to b.
func (b *Broker) NewAdapter(opts transport.Options, cb transport.Callbacks) *Adapter {
	return &Adapter{
		broker: b,
		opts:   opts.WithDefaults(),
		cb:     cb,
		subs:   make(map[string]*subscription),
	}
}

// RejectToken makes connections presenting token fail authentication.
func (b *Broker) RejectToken(token string) {
	b.mu.Lock()
	b.rejected[token] = struct{}{}
	b.mu.Unlock()
}

// SetAvailable toggles whether connect attempts succeed.
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()
}

// SetRoute installs a destination rewrite applied to published frames
// before fan-out, e.g. mapping "/publish/42" to "/topic/42" the way a chat
// server relays messages back to room subscribers.
func (b *Broker) SetRoute(route func(string) string) {
	b.mu.Lock()
	b.route = route
	b.mu.Unlock()
}

// Deliver fans a frame out to every live subscription on topic, in the
// caller's goroutine, and returns how many callbacks ran.
func (b *Broker) Deliver(topic string, body []byte, headers map[string]string) int {
	var targets []*subscription
	b.mu.Lock()
	for a := range b.adapters {
		targets = append(targets, a.matching(topic)...)
	}
	b.mu.Unlock()

	now := time.Now()
	for _, s := range targets {
		s.cb(&transport.Frame{
			Destination:    topic,
			SubscriptionID: s.id,
			ContentType:    "application/json",
			Headers:        headers,
			Body:           body,
			ReceivedAt:     now,
		})
	}
	return len(targets)
}

// DeliverTo delivers a frame to a single transport subscription id,
// bypassing topic matching. It lets tests simulate a stale frame.
func (b *Broker) DeliverTo(subscriptionID, topic string, body []byte) bool {
	b.mu.Lock()
	var target *subscription
	for a := range b.adapters {
		if s := a.byID(subscriptionID); s != nil {
			target = s
			break
		}
	}
	b.mu.Unlock()
	if target == nil {
		return false
	}
	target.cb(&transport.Frame{Destination: topic, SubscriptionID: subscriptionID, Body: body, ReceivedAt: time.Now()})
	return true
}

// Drop severs every live connection with cause. Adapters report the drop
// and start reconnecting.
func (b *Broker) Drop(cause error) {
	b.mu.Lock()
	adapters := make([]*Adapter, 0, len(b.adapters))
	for a := range b.adapters {
		adapters = append(adapters, a)
	}
	b.mu.Unlock()

	for _, a := range adapters {
		a.lose(cause)
	}
}

// Published returns every frame published through the broker so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// SubscriptionCount returns how many live transport subscriptions exist on topic.
func (b *Broker) SubscriptionCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for a := range b.adapters {
		n += len(a.matching(topic))
	}
	return n
}

// Activations returns how many times an adapter was activated.
func (b *Broker) Activations() int64 {
	return b.activations.Load()
}

// ConnectedAdapters returns how many adapters hold a live connection.
func (b *Broker) ConnectedAdapters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.adapters)
}

func (b *Broker) attach(a *Adapter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, bad := b.rejected[a.opts.BearerToken()]; bad {
		return &transport.AuthError{Reason: "token rejected"}
	}
	if !b.available {
		return ErrUnavailable
	}
	b.adapters[a] = struct{}{}
	return nil
}

func (b *Broker) detach(a *Adapter) {
	b.mu.Lock()
	delete(b.adapters, a)
	b.mu.Unlock()
}

func (b *Broker) publish(p Published) {
	b.mu.Lock()
	b.published = append(b.published, p)
	route := b.route
	b.mu.Unlock()

	if route != nil {
		if topic := route(p.Destination); topic != "" {
			b.Deliver(topic, p.Body, p.Headers)
		}
	}
}

type subscription struct {
	id    string
	topic string
	gen   uint64
	cb    transport.FrameCallback
}

type handle struct {
	id    string
	topic string
	gen   uint64
}

func (h *handle) ID() string    { return h.id }
func (h *handle) Topic() string { return h.topic }

// Adapter is a transport.Adapter bound to a Broker.
type Adapter struct {
	broker *Broker
	opts   transport.Options
	cb     transport.Callbacks

	mu        sync.Mutex
	connected bool
	gen       uint64
	subs      map[string]*subscription
	cancel    context.CancelFunc
}

func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter already active")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.broker.activations.Add(1)
	go a.connectLoop(runCtx)
	return nil
}

func (a *Adapter) connectLoop(ctx context.Context) {
	err := transport.RetryConnect(ctx, a.opts.ReconnectDelay, func(context.Context) error {
		return a.broker.attach(a)
	}, a.cb.NotifyError)
	if err != nil {
		if transport.IsAuthError(err) {
			logger.Warn("[Memory] Connection rejected: %v", err)
		}
		return
	}

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		a.broker.detach(a)
		return
	}
	a.connected = true
	a.gen++
	a.mu.Unlock()

	a.cb.NotifyConnect()
}

func (a *Adapter) lose(cause error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.subs = make(map[string]*subscription)
	runCtx := context.Background()
	if a.cancel != nil {
		a.cancel()
	}
	runCtx, a.cancel = context.WithCancel(runCtx)
	a.mu.Unlock()

	a.broker.detach(a)
	a.cb.NotifyDisconnect(cause)

	go func() {
		timer := time.NewTimer(a.opts.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}
		a.connectLoop(runCtx)
	}()
}

func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.cancel = nil
	wasConnected := a.connected
	a.connected = false
	a.subs = make(map[string]*subscription)
	a.mu.Unlock()

	a.broker.detach(a)
	if wasConnected {
		a.cb.NotifyDisconnect(nil)
	}
	return nil
}

func (a *Adapter) Subscribe(topic string, cb transport.FrameCallback, headers map[string]string) (transport.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, transport.ErrNotActive
	}
	id := fmt.Sprintf("mem-%d", a.broker.nextHandleID.Add(1))
	a.subs[id] = &subscription{id: id, topic: topic, gen: a.gen, cb: cb}
	return &handle{id: id, topic: topic, gen: a.gen}, nil
}

func (a *Adapter) Unsubscribe(h transport.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if mh.gen != a.gen {
		return nil
	}
	delete(a.subs, mh.id)
	return nil
}

func (a *Adapter) Publish(destination string, body []byte, headers map[string]string) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return transport.ErrNotActive
	}
	a.broker.publish(Published{Destination: destination, Body: body, Headers: headers})
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// matching is called with the broker lock held.
func (a *Adapter) matching(topic string) []*subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*subscription
	for _, s := range a.subs {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

func (a *Adapter) byID(id string) *subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs[id]
}
