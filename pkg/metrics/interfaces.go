package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitechdev/ChatMux/pkg/logger"
)

// Provider defines the interface for metric collection
type Provider interface {
	// SetConnectionState marks state as the current session state.
	SetConnectionState(state string)

	// RecordConnectAttempt counts a transport connect outcome (connected, auth_failed, error).
	RecordConnectAttempt(result string)

	// RecordFrame counts an inbound frame by destination family and outcome
	// (delivered, dropped, invalid, failed).
	RecordFrame(family, outcome string)

	// RecordHandlerDuration observes how long a message handler ran.
	RecordHandlerDuration(family string, duration time.Duration)

	// RecordPublish counts an outbound publish by destination family and outcome.
	RecordPublish(family, outcome string)

	// SetActiveSubscriptions reports the number of live registry entries.
	SetActiveSubscriptions(n int)

	// SetOutboxSize reports how many publishes wait for reconnection.
	SetOutboxSize(n int)

	// RecordReceipt counts a read receipt by kind (single, all) and outcome.
	RecordReceipt(kind, outcome string)

	// RecordHistoryRequest observes a call to the chat history service.
	RecordHistoryRequest(operation, status string, duration time.Duration)

	// Handler returns an HTTP handler for exposing metrics (e.g., /metrics endpoint)
	Handler() http.Handler
}

var (
	globalProvider Provider
	globalMu       sync.RWMutex
)

// SetProvider sets the global metrics provider
func SetProvider(p Provider) {
	globalMu.Lock()
	globalProvider = p
	globalMu.Unlock()
}

// GetProvider returns the current metrics provider, or a no-op one.
func GetProvider() Provider {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalProvider == nil {
		return &NoOpProvider{}
	}
	return globalProvider
}

// Family reduces a destination to its first path segment so label
// cardinality stays bounded: "/topic/42" becomes "topic".
func Family(destination string) string {
	trimmed := strings.TrimPrefix(destination, "/")
	if i := strings.IndexAny(trimmed, "/."); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// NoOpProvider is a no-op implementation of Provider
type NoOpProvider struct{}

func (n *NoOpProvider) SetConnectionState(state string)                             {}
func (n *NoOpProvider) RecordConnectAttempt(result string)                          {}
func (n *NoOpProvider) RecordFrame(family, outcome string)                          {}
func (n *NoOpProvider) RecordHandlerDuration(family string, duration time.Duration) {}
func (n *NoOpProvider) RecordPublish(family, outcome string)                        {}
func (n *NoOpProvider) SetActiveSubscriptions(count int)                            {}
func (n *NoOpProvider) SetOutboxSize(count int)                                     {}
func (n *NoOpProvider) RecordReceipt(kind, outcome string)                          {}
func (n *NoOpProvider) RecordHistoryRequest(operation, status string, duration time.Duration) {
}
func (n *NoOpProvider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Metrics provider not configured"))
		if err != nil {
			logger.Warn("Failed to write. %v", err)
		}
	})
}
