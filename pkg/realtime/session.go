package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// StateListener observes state transitions. err is the cause of an Error
// or Connecting transition and nil otherwise.
type StateListener func(from, to State, err error)

// ListenerID identifies a registered StateListener.
type ListenerID uint64

// Session owns one transport connection and every subscription made over
// it. All methods are safe for concurrent use.
type Session struct {
	factory transport.Factory
	opts    Options

	// opMu serializes registry mutations together with the transport
	// calls that back them. Lock order: opMu, mu, registry.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	adapter   transport.Adapter
	gen       uint64
	token     string
	lastErr   error
	changed   chan struct{}
	listeners map[ListenerID]StateListener
	nextLID   ListenerID
	closed    bool

	registry   *registry
	dispatcher *dispatcher
	outbox     *outbox
	limiter    *rate.Limiter

	published  atomic.Uint64
	pubFailed  atomic.Uint64
	reconnects atomic.Uint64
}

// NewSession creates a disconnected session that builds adapters with factory.
func NewSession(factory transport.Factory, opts Options) *Session {
	opts = opts.withDefaults()
	reg := newRegistry()
	s := &Session{
		factory:    factory,
		opts:       opts,
		state:      StateDisconnected,
		changed:    make(chan struct{}),
		listeners:  make(map[ListenerID]StateListener),
		registry:   reg,
		dispatcher: newDispatcher(opts.DispatchMode, opts.DispatchBuffer, reg),
		outbox:     newOutbox(opts.OutboxCapacity),
	}
	if opts.PublishRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), opts.PublishBurst)
	}
	return s
}

type transition struct {
	from, to State
	err      error
}

// setStateLocked must be called with s.mu held. The returned transition is
// passed to notify after unlocking.
func (s *Session) setStateLocked(to State, err error) *transition {
	from := s.state
	if from == to {
		return nil
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	return &transition{from: from, to: to, err: err}
}

func (s *Session) notify(t *transition) {
	if t == nil {
		return
	}
	metrics.GetProvider().SetConnectionState(t.to.String())
	s.mu.Lock()
	listeners := make([]StateListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer logger.CatchPanic("realtime.StateListener")
			l(t.from, t.to, t.err)
		}()
	}
}

// Connect opens the connection with token as bearer credential. It returns
// once the adapter is activated; observe completion through State,
// WaitForState or OnStateChange. It is a no-op while Connecting or
// Connected.
func (s *Session) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		logger.Debug("[Realtime] Connect ignored, session is %s", s.state)
		return nil
	}

	prior := s.adapter
	s.adapter = nil
	s.gen++
	gen := s.gen

	adapter, err := s.factory(s.opts.Transport.WithToken(token), s.callbacks(gen))
	if err != nil {
		s.lastErr = err
		t := s.setStateLocked(StateError, err)
		s.mu.Unlock()
		s.notify(t)
		s.deactivate(prior)
		return fmt.Errorf("failed to create transport: %w", err)
	}
	s.adapter = adapter
	s.token = token
	s.lastErr = nil
	t := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	s.notify(t)
	s.deactivate(prior)
	s.dispatcher.start()

	logger.Info("[Realtime] Connecting to %s", s.opts.Transport.URL)
	if err := adapter.Activate(ctx); err != nil {
		s.mu.Lock()
		var t *transition
		if s.gen == gen {
			s.adapter = nil
			s.gen++
			s.lastErr = err
			t = s.setStateLocked(StateError, err)
		}
		s.mu.Unlock()
		s.notify(t)
		return fmt.Errorf("failed to activate transport: %w", err)
	}
	return nil
}

// ConnectTokenSource connects with the access token from ts.
func (s *Session) ConnectTokenSource(ctx context.Context, ts oauth2.TokenSource) error {
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	return s.Connect(ctx, tok.AccessToken)
}

func (s *Session) deactivate(a transport.Adapter) {
	if a == nil {
		return
	}
	if err := a.Deactivate(context.Background()); err != nil {
		logger.Debug("[Realtime] Deactivate previous transport: %v", err)
	}
}

// callbacks binds adapter events to generation gen; events from older
// adapters are ignored.
func (s *Session) callbacks(gen uint64) transport.Callbacks {
	return transport.Callbacks{
		OnConnect:    func() { s.onConnect(gen) },
		OnError:      func(err error) { s.onError(gen, err) },
		OnDisconnect: func(err error) { s.onDisconnect(gen, err) },
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) onConnect(gen uint64) {
	if !s.current(gen) {
		return
	}
	s.opMu.Lock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.opMu.Unlock()
		return
	}
	adapter := s.adapter
	wasReconnect := s.state == StateConnecting && s.reconnects.Load() > 0
	s.lastErr = nil
	t := s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	metrics.GetProvider().RecordConnectAttempt("connected")
	if wasReconnect {
		logger.Info("[Realtime] Reconnected to %s", s.opts.Transport.URL)
	} else {
		logger.Info("[Realtime] Connected to %s", s.opts.Transport.URL)
	}

	s.replay(adapter)
	s.opMu.Unlock()

	s.notify(t)
	s.flushOutbox(adapter)
}

// replay re-subscribes entries kept across a drop. Called with opMu held.
func (s *Session) replay(adapter transport.Adapter) {
	pendingEntries := s.registry.inactive()
	if len(pendingEntries) == 0 {
		return
	}
	restored := 0
	for _, e := range pendingEntries {
		epoch, ok := s.registry.renew(e.id)
		if !ok {
			continue
		}
		h, err := adapter.Subscribe(e.topic, s.frameCallback(e.id, epoch), e.headers)
		if err != nil {
			logger.Warn("[Realtime] Failed to restore subscription %s on %s: %v", e.id, e.topic, err)
			continue
		}
		if s.registry.activate(e.id, epoch, h) {
			restored++
		}
	}
	logger.Info("[Realtime] Restored %d of %d subscriptions", restored, len(pendingEntries))
	s.recordSubscriptions()
}

func (s *Session) onError(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = err

	if transport.IsAuthError(err) {
		adapter := s.adapter
		s.adapter = nil
		s.gen++
		t := s.setStateLocked(StateError, err)
		s.mu.Unlock()

		metrics.GetProvider().RecordConnectAttempt("auth_failed")
		logger.CaptureError(context.Background(), err, map[string]interface{}{
			"component": "session",
			"transport": s.opts.Transport.URL,
		})
		s.notify(t)
		// not from the adapter's own goroutine
		go s.deactivate(adapter)
		return
	}

	var t *transition
	if s.state != StateConnected {
		t = s.setStateLocked(StateError, err)
	}
	s.mu.Unlock()

	metrics.GetProvider().RecordConnectAttempt("error")
	logger.Warn("[Realtime] Transport error: %v", err)
	s.notify(t)
}

func (s *Session) onDisconnect(gen uint64, err error) {
	if err == nil || !s.current(gen) {
		return
	}
	s.opMu.Lock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.opMu.Unlock()
		return
	}
	s.lastErr = err
	t := s.setStateLocked(StateConnecting, err)
	s.mu.Unlock()

	s.reconnects.Add(1)
	if s.opts.ReplayOnReconnect {
		s.registry.suspend()
	} else {
		dropped := s.registry.clear()
		if len(dropped) > 0 {
			logger.Info("[Realtime] Cleared %d subscriptions after connection loss", len(dropped))
		}
	}
	s.recordSubscriptions()
	s.opMu.Unlock()

	logger.Warn("[Realtime] Connection lost, reconnecting: %v", err)
	s.notify(t)
}

// Disconnect unsubscribes everything and closes the connection. It is a
// no-op without an active session.
func (s *Session) Disconnect(ctx context.Context) error {
	s.opMu.Lock()
	s.mu.Lock()
	if s.adapter == nil && s.state == StateDisconnected {
		s.mu.Unlock()
		s.opMu.Unlock()
		return nil
	}
	adapter := s.adapter
	s.adapter = nil
	s.gen++
	s.lastErr = nil
	t := s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()

	entries := s.registry.clear()
	if adapter != nil {
		for _, e := range entries {
			if e.handle == nil {
				continue
			}
			if err := adapter.Unsubscribe(e.handle); err != nil {
				logger.Debug("[Realtime] Unsubscribe %s during disconnect: %v", e.id, err)
			}
		}
	}
	s.recordSubscriptions()
	s.opMu.Unlock()

	if n := s.outbox.reset(); n > 0 {
		logger.Warn("[Realtime] Discarded %d queued publishes on disconnect", n)
		metrics.GetProvider().SetOutboxSize(0)
	}

	var err error
	if adapter != nil {
		err = adapter.Deactivate(ctx)
	}
	logger.Info("[Realtime] Disconnected (%d subscriptions removed)", len(entries))
	s.notify(t)
	return err
}

// Close disconnects and stops the dispatch worker. The session cannot be
// reconnected afterwards.
func (s *Session) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if stopErr := s.dispatcher.stop(ctx); err == nil {
		err = stopErr
	}
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the cause of the latest Error or Connecting transition.
// A *transport.AuthError means the credential must be renewed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Token returns the credential of the current connection.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// WaitForState blocks until the session is in one of states or ctx ends.
func (s *Session) WaitForState(ctx context.Context, states ...State) (State, error) {
	for {
		s.mu.Lock()
		cur := s.state
		ch := s.changed
		s.mu.Unlock()

		for _, want := range states {
			if cur == want {
				return cur, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// OnStateChange registers l for state transitions.
func (s *Session) OnStateChange(l StateListener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLID++
	s.listeners[s.nextLID] = l
	return s.nextLID
}

func (s *Session) RemoveStateListener(id ListenerID) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// Subscribe registers handler for frames on topic. It fails with
// EmptySubscriptionID and ErrNotConnected unless the session is Connected;
// nothing is queued. Every call yields a new identifier, also for a topic
// that is already subscribed.
func (s *Session) Subscribe(topic string, handler MessageHandler, headers map[string]string) (SubscriptionID, error) {
	if handler == nil {
		return EmptySubscriptionID, ErrNilHandler
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	adapter := s.adapter
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || adapter == nil {
		logger.Debug("[Realtime] Subscribe to %s refused, session not connected", topic)
		return EmptySubscriptionID, ErrNotConnected
	}

	e := &entry{id: nextSubscriptionID(), topic: topic, handler: handler, headers: copyHeaders(headers)}
	epoch := s.registry.add(e)
	h, err := adapter.Subscribe(topic, s.frameCallback(e.id, epoch), e.headers)
	if err != nil {
		s.registry.remove(e.id)
		if errors.Is(err, transport.ErrNotActive) {
			return EmptySubscriptionID, ErrNotConnected
		}
		return EmptySubscriptionID, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.registry.activate(e.id, epoch, h)
	s.recordSubscriptions()
	logger.Debug("[Realtime] Subscribed %s to %s", e.id, topic)
	return e.id, nil
}

// Unsubscribe cancels id. Unknown identifiers are ignored.
func (s *Session) Unsubscribe(id SubscriptionID) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	e, ok := s.registry.remove(id)
	if !ok {
		return
	}
	if e.handle != nil {
		s.mu.Lock()
		adapter := s.adapter
		s.mu.Unlock()
		if adapter != nil {
			if err := adapter.Unsubscribe(e.handle); err != nil {
				logger.Debug("[Realtime] Transport unsubscribe for %s: %v", id, err)
			}
		}
	}
	s.recordSubscriptions()
	logger.Debug("[Realtime] Unsubscribed %s from %s", id, e.topic)
}

// Subscribed reports whether id is registered.
func (s *Session) Subscribed(id SubscriptionID) bool {
	return s.registry.has(id)
}

func (s *Session) frameCallback(id SubscriptionID, epoch uint64) transport.FrameCallback {
	return func(f *transport.Frame) {
		s.dispatcher.deliver(delivery{id: id, epoch: epoch, frame: f})
	}
}

func (s *Session) recordSubscriptions() {
	active, _ := s.registry.counts()
	metrics.GetProvider().SetActiveSubscriptions(active)
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
