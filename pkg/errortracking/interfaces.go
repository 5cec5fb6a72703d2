package errortracking

import (
	"context"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Provider receives failures the client cannot surface to a caller, such as
// handler errors raised while dispatching inbound frames.
type Provider interface {
	CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{})
	CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{})
	CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{})

	// Flush waits up to timeout seconds for queued events to be delivered.
	Flush(timeout int) bool
	Close() error
}
