// Package transport defines the contract between the realtime session and
// a concrete broker client. Adapters live in subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotActive is returned by Subscribe and Publish while the adapter
	// has no live connection.
	ErrNotActive = errors.New("transport is not connected")

	// ErrUnknownHandle is returned when unsubscribing a handle the adapter
	// did not issue.
	ErrUnknownHandle = errors.New("unknown subscription handle")
)

// Frame is one inbound message as delivered by the broker.
type Frame struct {
	Destination    string
	SubscriptionID string
	ContentType    string
	Headers        map[string]string
	Body           []byte
	ReceivedAt     time.Time
}

// Header returns a header value or "".
func (f *Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// FrameCallback receives frames for one transport subscription. Adapters
// call it from their reader goroutine, so it must not block for long.
type FrameCallback func(*Frame)

// Handle is an adapter-issued token for one transport subscription.
type Handle interface {
	ID() string
	Topic() string
}

// Callbacks report connection lifecycle to the session.
type Callbacks struct {
	// OnConnect fires after every successful (re)connect.
	OnConnect func()
	// OnError fires when a connect attempt fails or the broker reports an
	// error. An *AuthError means the adapter stopped retrying.
	OnError func(error)
	// OnDisconnect fires when the connection ends: with nil after
	// Deactivate, or with the cause after an unrequested drop, in which
	// case the adapter keeps retrying.
	OnDisconnect func(error)
}

// NotifyConnect calls OnConnect when set.
func (c Callbacks) NotifyConnect() {
	if c.OnConnect != nil {
		c.OnConnect()
	}
}

// NotifyError calls OnError when set.
func (c Callbacks) NotifyError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// NotifyDisconnect calls OnDisconnect when set.
func (c Callbacks) NotifyDisconnect(err error) {
	if c.OnDisconnect != nil {
		c.OnDisconnect(err)
	}
}

// Options configures an adapter.
type Options struct {
	URL               string
	ClientID          string
	Username          string
	ConnectHeaders    map[string]string
	ReconnectDelay    time.Duration
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration
	ConnectTimeout    time.Duration

	// Extra carries adapter-specific settings (e.g. "mqtt.qos").
	Extra map[string]string
}

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// WithDefaults fills zero durations with the package defaults.
func (o Options) WithDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.HeartbeatIncoming < 0 {
		o.HeartbeatIncoming = 0
	}
	if o.HeartbeatOutgoing < 0 {
		o.HeartbeatOutgoing = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	return o
}

// WithToken returns a copy carrying "Authorization: Bearer <token>" in the
// connect headers. An empty token leaves the headers untouched.
func (o Options) WithToken(token string) Options {
	headers := make(map[string]string, len(o.ConnectHeaders)+1)
	for k, v := range o.ConnectHeaders {
		headers[k] = v
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	o.ConnectHeaders = headers
	return o
}

// BearerToken returns the token from an Authorization connect header.
func (o Options) BearerToken() string {
	v := o.ConnectHeaders["Authorization"]
	if token, ok := strings.CutPrefix(v, "Bearer "); ok {
		return token
	}
	return ""
}

// Adapter is a broker client capable of topic subscribe and publish.
type Adapter interface {
	// Activate starts connecting in the background and returns at once.
	// Progress is reported through Callbacks.
	Activate(ctx context.Context) error

	// Deactivate closes the connection and stops reconnecting.
	Deactivate(ctx context.Context) error

	// Subscribe registers cb for frames on topic. Each call creates a
	// distinct transport subscription, even for a repeated topic.
	Subscribe(topic string, cb FrameCallback, headers map[string]string) (Handle, error)

	// Unsubscribe cancels a transport subscription. Handles from a previous
	// connection are ignored.
	Unsubscribe(h Handle) error

	Publish(destination string, body []byte, headers map[string]string) error

	Connected() bool
}

// Factory builds an adapter bound to cb.
type Factory func(opts Options, cb Callbacks) (Adapter, error)

// AuthError marks a credential failure. Adapters stop retrying after one.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

var authMarkers = []string{
	"unauthorized",
	"not authorized",
	"not authorised",
	"forbidden",
	"authentication",
	"bad username or password",
	"bad user name or password",
	"invalid token",
	"token expired",
	"access denied",
	"authorization violation",
	"noauth",
	"wrongpass",
}

// LooksLikeAuthFailure inspects an error text for well-known credential
// rejection phrases used by STOMP, MQTT, NATS and Redis servers.
func LooksLikeAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ClassifyConnectError wraps err in an *AuthError when it looks like a
// credential rejection and returns it unchanged otherwise.
func ClassifyConnectError(err error) error {
	if err == nil || IsAuthError(err) {
		return err
	}
	if LooksLikeAuthFailure(err) {
		return &AuthError{Reason: "rejected by server", Err: err}
	}
	return err
}
