package errortracking

import (
	"context"
	"fmt"
	"sync"
)

// Event is a captured report held by MemoryProvider.
type Event struct {
	Severity Severity
	Message  string
	Err      error
	Panic    bool
	Extra    map[string]interface{}
}

// MemoryProvider keeps captured events in memory. It backs the "memory"
// provider setting and is what tests assert against.
type MemoryProvider struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (m *MemoryProvider) record(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *MemoryProvider) CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{}) {
	if err == nil {
		return
	}
	m.record(Event{Severity: severity, Message: err.Error(), Err: err, Extra: extra})
}

func (m *MemoryProvider) CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{}) {
	if message == "" {
		return
	}
	m.record(Event{Severity: severity, Message: message, Extra: extra})
}

func (m *MemoryProvider) CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{}) {
	if recovered == nil {
		return
	}
	m.record(Event{Severity: SeverityError, Message: fmt.Sprintf("%v", recovered), Panic: true, Extra: extra})
}

// Events returns a copy of everything captured so far.
func (m *MemoryProvider) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset drops captured events.
func (m *MemoryProvider) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

func (m *MemoryProvider) Flush(timeout int) bool {
	return true
}

func (m *MemoryProvider) Close() error {
	return nil
}
