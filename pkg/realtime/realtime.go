// Package realtime multiplexes many logical topic subscriptions over one
// shared broker connection.
//
// A Session owns the transport adapter, the subscription registry, the
// dispatcher that routes inbound frames to handlers and the outbound
// publisher. Consumers receive a *Session explicitly; there is no package
// level client.
package realtime

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNotConnected is returned by Subscribe and Publish while the session
	// is not Connected.
	ErrNotConnected = errors.New("realtime session is not connected")

	// ErrRateLimited is returned by Publish when the outbound rate limit is
	// exhausted.
	ErrRateLimited = errors.New("publish rate limit exceeded")

	// ErrNilHandler is returned by Subscribe when no handler is given.
	ErrNilHandler = errors.New("message handler is nil")

	// ErrSessionClosed is returned by Connect after Close.
	ErrSessionClosed = errors.New("realtime session is closed")
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SubscriptionID identifies one logical subscription. Identifiers are never
// reused within a process.
type SubscriptionID string

// EmptySubscriptionID is returned when Subscribe fails.
const EmptySubscriptionID SubscriptionID = ""

var subscriptionSeq atomic.Uint64

func nextSubscriptionID() SubscriptionID {
	return SubscriptionID(fmt.Sprintf("sub-%d", subscriptionSeq.Add(1)))
}
