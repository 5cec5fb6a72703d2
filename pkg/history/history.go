// Package history is a client for the chat history REST service: past
// messages, room lists and read receipts.
package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/tracing"
)

// Service is the part of the chat history API this client consumes.
type Service interface {
	FetchMessages(ctx context.Context, roomID chat.RoomID, cred string) ([]chat.Message, error)
	MarkRead(ctx context.Context, roomID chat.RoomID, messageID, cred string) error
	MarkAllRead(ctx context.Context, roomID chat.RoomID, cred string) error
	ListRoomsForUser(ctx context.Context, userID, cred string) ([]chat.RoomSummary, error)
	ListAllRooms(ctx context.Context, lastRoomID *chat.RoomID, cred string) ([]chat.RoomSummary, error)
	GetRoom(ctx context.Context, roomID chat.RoomID, cred string) (*chat.RoomSummary, error)
	CreateRoom(ctx context.Context, name, cred string) (*chat.RoomSummary, error)
}

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	ErrNoBaseURL     = errors.New("history base url is required")
	ErrEmptyRoomName = errors.New("room name is required")
	ErrBadResponse   = errors.New("history response is not valid JSON")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("history %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("history %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client talks to the history service over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a client rooted at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid history base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid history base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConfig creates a client from the history config section.
func NewFromConfig(cfg config.HistoryConfig) (*Client, error) {
	return New(cfg.BaseURL, WithTimeout(cfg.Timeout))
}

// FetchMessages returns the room's messages oldest first.
func (c *Client) FetchMessages(ctx context.Context, roomID chat.RoomID, cred string) ([]chat.Message, error) {
	doc, err := c.do(ctx, "fetch_messages", http.MethodGet, "/api/chat-rooms/history/"+roomID.String(), nil, nil, cred, tracing.AttrRoomID.Int64(int64(roomID)))
	if err != nil {
		return nil, err
	}

	items := doc.Array()
	messages := make([]chat.Message, 0, len(items))
	for _, item := range items {
		msg, err := chat.DecodeMessage([]byte(item.Raw))
		if err != nil {
			logger.Warn("[History] Skipping undecodable message in room %s: %v", roomID, err)
			continue
		}
		if msg.RoomID == 0 {
			msg.RoomID = roomID
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// MarkRead acknowledges a single message.
func (c *Client) MarkRead(ctx context.Context, roomID chat.RoomID, messageID, cred string) error {
	body, err := sjson.SetBytes([]byte(`{}`), "messageId", messageID)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "mark_read", http.MethodPost, "/api/chat-rooms/"+roomID.String()+"/read", nil, body, cred,
		tracing.AttrRoomID.Int64(int64(roomID)), tracing.AttrMessageID.String(messageID))
	return err
}

// MarkAllRead acknowledges every message in the room up to now.
func (c *Client) MarkAllRead(ctx context.Context, roomID chat.RoomID, cred string) error {
	_, err := c.do(ctx, "mark_all_read", http.MethodPost, "/chat/room/"+roomID.String()+"/read-all", nil, nil, cred,
		tracing.AttrRoomID.Int64(int64(roomID)))
	return err
}

// ListRoomsForUser returns the rooms userID is a member of.
func (c *Client) ListRoomsForUser(ctx context.Context, userID, cred string) ([]chat.RoomSummary, error) {
	q := url.Values{"memberId": {userID}}
	doc, err := c.do(ctx, "list_user_rooms", http.MethodGet, "/api/chat-rooms", q, nil, cred)
	if err != nil {
		return nil, err
	}
	return decodeRooms(doc), nil
}

// ListAllRooms returns one page of all rooms. Pass the last room id of the
// previous page as the cursor, or nil for the first page.
func (c *Client) ListAllRooms(ctx context.Context, lastRoomID *chat.RoomID, cred string) ([]chat.RoomSummary, error) {
	var q url.Values
	if lastRoomID != nil {
		q = url.Values{"lastChatRoomId": {lastRoomID.String()}}
	}
	doc, err := c.do(ctx, "list_all_rooms", http.MethodGet, "/api/chat-rooms/all", q, nil, cred)
	if err != nil {
		return nil, err
	}
	return decodeRooms(doc), nil
}

// GetRoom returns a single room.
func (c *Client) GetRoom(ctx context.Context, roomID chat.RoomID, cred string) (*chat.RoomSummary, error) {
	doc, err := c.do(ctx, "get_room", http.MethodGet, "/api/chat-rooms/"+roomID.String(), nil, nil, cred,
		tracing.AttrRoomID.Int64(int64(roomID)))
	if err != nil {
		return nil, err
	}
	room := decodeRoom(doc)
	if room.RoomID == 0 {
		room.RoomID = roomID
	}
	return &room, nil
}

// CreateRoom creates a group room and returns it.
func (c *Client) CreateRoom(ctx context.Context, name, cred string) (*chat.RoomSummary, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyRoomName
	}
	body, err := sjson.SetBytes([]byte(`{}`), "name", name)
	if err != nil {
		return nil, err
	}
	doc, err := c.do(ctx, "create_room", http.MethodPost, "/chat/room/group/create", nil, body, cred)
	if err != nil {
		return nil, err
	}
	room := decodeRoom(doc)
	if room.RoomName == "" {
		room.RoomName = name
	}
	return &room, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, cred string, attrs ...attribute.KeyValue) (doc gjson.Result, err error) {
	ctx, span := tracing.StartClientSpan(ctx, "history."+op, attrs...)
	start := time.Now()
	status := "error"
	defer func() {
		metrics.GetProvider().RecordHistoryRequest(op, status, time.Since(start))
		tracing.End(span, err)
	}()

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("history %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cred != "" {
		(&oauth2.Token{AccessToken: cred, TokenType: "Bearer"}).SetAuthHeader(req)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("history %s: %w", op, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return gjson.Result{}, &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("history %s: reading body: %w", op, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("history %s: %w", op, ErrBadResponse)
	}
	logger.Debug("[History] %s %s -> %d (%d bytes)", method, u.Path, resp.StatusCode, len(raw))
	return unwrap(gjson.ParseBytes(raw)), nil
}

// unwrap strips the {"data": ...} response envelope and the "content" array
// of a paged result. Scalar "content" fields, as on a message, are left alone.
func unwrap(doc gjson.Result) gjson.Result {
	for range 2 {
		if !doc.IsObject() {
			return doc
		}
		inner := doc.Get("data")
		if !inner.Exists() || !(inner.IsObject() || inner.IsArray()) {
			inner = doc.Get("content")
			if !inner.IsArray() {
				return doc
			}
		}
		doc = inner
	}
	return doc
}

func decodeRooms(doc gjson.Result) []chat.RoomSummary {
	items := doc.Array()
	rooms := make([]chat.RoomSummary, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		rooms = append(rooms, decodeRoom(item))
	}
	return rooms
}

// decodeRoom accepts both the room list shape and the bare room entity,
// which names its fields "id" and "name".
func decodeRoom(r gjson.Result) chat.RoomSummary {
	room := chat.DecodeRoomSummary(r)
	if room.RoomID == 0 {
		room.RoomID = chat.RoomID(r.Get("id").Int())
	}
	if room.RoomName == "" {
		room.RoomName = r.Get("name").String()
	}
	return room
}
