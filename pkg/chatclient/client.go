// Package chatclient assembles a complete chat client from configuration:
// one realtime session per identity, the history service, read receipts
// and the room list.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitechdev/ChatMux/pkg/cache"
	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/history"
	"github.com/bitechdev/ChatMux/pkg/inbox"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/realtime"
	"github.com/bitechdev/ChatMux/pkg/receipts"
	"github.com/bitechdev/ChatMux/pkg/transport"
	"github.com/bitechdev/ChatMux/pkg/transport/memory"
)

var ErrNoIdentity = errors.New("identity.user_id is required")

// Client is the assembled chat client.
type Client struct {
	cfg      *config.Config
	manager  *realtime.Manager
	session  *realtime.Session
	release  func()
	history  history.Service
	ledger   cache.Provider
	receipts *receipts.Coordinator
	inbox    *inbox.Inbox
	broker   *memory.Broker

	startMu sync.Mutex
	mu      sync.RWMutex
}

type settings struct {
	factory transport.Factory
	history history.Service
	ledger  cache.Provider
}

// Option overrides a collaborator normally built from configuration.
type Option func(*settings)

// WithFactory replaces the configured transport.
func WithFactory(f transport.Factory) Option {
	return func(s *settings) { s.factory = f }
}

// WithHistory replaces the HTTP history client.
func WithHistory(h history.Service) Option {
	return func(s *settings) { s.history = h }
}

// WithLedger replaces the configured receipt ledger store.
func WithLedger(p cache.Provider) Option {
	return func(s *settings) { s.ledger = p }
}

// New builds a client. Nothing touches the network until Start.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg.Identity.UserID == "" {
		return nil, ErrNoIdentity
	}
	var st settings
	for _, opt := range opts {
		opt(&st)
	}

	c := &Client{cfg: cfg}

	if st.factory == nil {
		f, broker, err := FactoryFromConfig(cfg.Transport)
		if err != nil {
			return nil, err
		}
		st.factory, c.broker = f, broker
	}

	if st.history == nil {
		hc, err := history.NewFromConfig(cfg.History)
		if err != nil {
			return nil, fmt.Errorf("history client: %w", err)
		}
		st.history = hc
	}
	c.history = st.history

	if st.ledger == nil {
		p, err := cache.NewProviderFromConfig(cfg.Receipts.Ledger)
		if err != nil {
			return nil, fmt.Errorf("receipt ledger: %w", err)
		}
		st.ledger = p
	}
	c.ledger = st.ledger

	sopts := realtime.OptionsFromConfig(cfg)
	sopts.Transport.URL = transportURL(cfg.Transport)
	c.manager = realtime.NewManager(st.factory, sopts)
	return c, nil
}

// Start connects the session for the configured identity, waits for the
// first connect outcome, loads the room list and watches notifications.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.Session() != nil {
		return nil
	}

	session, release, err := c.manager.Acquire(ctx, c.cfg.Identity.UserID, c.cfg.Identity.Token)
	if err != nil {
		return err
	}
	state, err := session.WaitForState(ctx, realtime.StateConnected, realtime.StateError)
	if err == nil && state == realtime.StateError {
		err = fmt.Errorf("connect: %w", session.LastError())
	}
	if err != nil {
		release()
		return err
	}

	counters := receipts.NewCounters()
	ropts := receipts.OptionsFromConfig(c.cfg)
	ropts.Ledger = c.ledger
	ropts.Counters = counters
	coord, err := receipts.New(session, c.history, ropts)
	if err != nil {
		release()
		return err
	}

	in, err := inbox.New(session, c.history, c.cfg.Identity.UserID, inbox.Options{
		Counters: counters,
		IsOpen:   coord.IsOpen,
	})
	if err == nil {
		if rerr := in.Refresh(ctx); rerr != nil {
			logger.Warn("[ChatClient] Room list unavailable: %v", rerr)
		}
		if err = in.Watch(); err != nil {
			err = fmt.Errorf("watch notifications: %w", err)
		}
	}
	if err != nil {
		if in != nil {
			in.Stop()
		}
		_ = coord.Close(ctx)
		release()
		return err
	}

	c.mu.Lock()
	c.session, c.release, c.receipts, c.inbox = session, release, coord, in
	c.mu.Unlock()
	logger.Info("[ChatClient] Started for user %s over %s", c.cfg.Identity.UserID, c.providerName())
	return nil
}

func (c *Client) providerName() string {
	if c.cfg.Transport.Provider == "" {
		return "stomp"
	}
	return c.cfg.Transport.Provider
}

// OpenRoom opens a room view; see receipts.Coordinator.OpenRoom.
func (c *Client) OpenRoom(ctx context.Context, room chat.RoomID, h receipts.Handler) (*receipts.RoomView, error) {
	coord := c.Receipts()
	if coord == nil {
		return nil, realtime.ErrNotConnected
	}
	return coord.OpenRoom(ctx, room, h)
}

// Send publishes a text message to a room and returns it.
func (c *Client) Send(ctx context.Context, room chat.RoomID, content string) (*chat.Message, error) {
	session := c.Session()
	if session == nil {
		return nil, realtime.ErrNotConnected
	}
	msg := chat.NewTextMessage(room, c.cfg.Identity.UserID, c.cfg.Identity.UserName, content)
	if err := session.PublishJSON(ctx, chat.RoomDestination(room), msg, nil); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the room's stored messages.
func (c *Client) History(ctx context.Context, room chat.RoomID) ([]chat.Message, error) {
	return c.history.FetchMessages(ctx, room, c.token())
}

// CreateRoom creates a room and adds it to the room list.
func (c *Client) CreateRoom(ctx context.Context, name string) (*chat.RoomSummary, error) {
	in := c.Inbox()
	if in == nil {
		return c.history.CreateRoom(ctx, name, c.token())
	}
	return in.CreateRoom(ctx, name)
}

// token is the credential the session currently holds, or the configured
// one before Start.
func (c *Client) token() string {
	if session := c.Session(); session != nil {
		if token := session.Token(); token != "" {
			return token
		}
	}
	return c.cfg.Identity.Token
}

func (c *Client) Session() *realtime.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) Inbox() *inbox.Inbox {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inbox
}

func (c *Client) Receipts() *receipts.Coordinator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receipts
}

// Broker returns the in-process broker when the memory transport is used.
func (c *Client) Broker() *memory.Broker { return c.broker }

// Status is the snapshot served on /status.
type Status struct {
	User    string            `json:"user"`
	Session realtime.Stats    `json:"session"`
	Rooms   int               `json:"rooms"`
	Unread  int               `json:"unread"`
	Ledger  *cache.CacheStats `json:"ledger,omitempty"`
}

func (c *Client) Ready() bool {
	session := c.Session()
	return session != nil && session.Ready()
}

func (c *Client) Status() any {
	st := Status{User: c.cfg.Identity.UserID}
	if session := c.Session(); session != nil {
		st.Session = session.Stats()
	} else {
		st.Session = realtime.Stats{State: realtime.StateDisconnected.String()}
	}
	if in := c.Inbox(); in != nil {
		rooms := in.Rooms()
		st.Rooms = len(rooms)
		for _, r := range rooms {
			st.Unread += r.UnreadCount
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ls, err := c.ledger.Stats(ctx); err == nil {
		st.Ledger = ls
	}
	return st
}

// Close stops watching, drains receipts and disconnects.
func (c *Client) Close(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.inbox != nil {
		c.inbox.Stop()
	}
	if c.receipts != nil {
		if err := c.receipts.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.release != nil {
		c.release()
	}
	c.session, c.receipts, c.inbox, c.release = nil, nil, nil, nil
	if err := c.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
