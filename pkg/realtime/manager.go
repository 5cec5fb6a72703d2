package realtime

import (
	"context"
	"sync"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// Manager keeps one Session per identity and closes it when the last
// holder releases it, the way several views mounted for the same user
// share one connection.
type Manager struct {
	factory transport.Factory
	opts    Options

	mu       sync.Mutex
	sessions map[string]*lease
}

type lease struct {
	session *Session
	refs    int
}

func NewManager(factory transport.Factory, opts Options) *Manager {
	return &Manager{factory: factory, opts: opts, sessions: make(map[string]*lease)}
}

// Acquire returns the session for identity, connecting it with token when
// it is not already Connected or Connecting. Call release exactly once;
// extra calls are ignored.
func (m *Manager) Acquire(ctx context.Context, identity, token string) (*Session, func(), error) {
	m.mu.Lock()
	l, ok := m.sessions[identity]
	if !ok {
		l = &lease{session: NewSession(m.factory, m.opts)}
		m.sessions[identity] = l
		logger.Debug("[Realtime] Created session for %s", identity)
	}
	l.refs++
	m.mu.Unlock()

	if err := l.session.Connect(ctx, token); err != nil {
		m.release(identity, l)
		return nil, func() {}, err
	}

	var once sync.Once
	return l.session, func() { once.Do(func() { m.release(identity, l) }) }, nil
}

func (m *Manager) release(identity string, l *lease) {
	m.mu.Lock()
	l.refs--
	last := l.refs <= 0 && m.sessions[identity] == l
	if last {
		delete(m.sessions, identity)
	}
	m.mu.Unlock()

	if last {
		if err := l.session.Close(context.Background()); err != nil {
			logger.Warn("[Realtime] Closing session for %s: %v", identity, err)
		}
		logger.Debug("[Realtime] Released last lease for %s", identity)
	}
}

// Get returns the live session for identity, if any.
func (m *Manager) Get(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[identity]
	if !ok {
		return nil, false
	}
	return l.session, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session regardless of outstanding leases.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*lease)
	m.mu.Unlock()

	var firstErr error
	for identity, l := range sessions {
		if err := l.session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
			logger.Warn("[Realtime] Closing session for %s: %v", identity, err)
		}
	}
	return firstErr
}
