package errortracking

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryProvider reports to Sentry. String values in extra whose key is
// listed in tagKeys become searchable tags instead of extra data.
type SentryProvider struct {
	hub *sentry.Hub
}

type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	ServerName       string
	Debug            bool
	SampleRate       float64
	TracesSampleRate float64
}

var tagKeys = map[string]struct{}{
	"component":       {},
	"room_id":         {},
	"topic":           {},
	"subscription_id": {},
	"destination":     {},
}

func NewSentryProvider(config SentryConfig) (*SentryProvider, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      config.Environment,
		Release:          config.Release,
		ServerName:       config.ServerName,
		Debug:            config.Debug,
		AttachStacktrace: true,
		SampleRate:       config.SampleRate,
		TracesSampleRate: config.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	return &SentryProvider{
		hub: sentry.CurrentHub(),
	}, nil
}

func (s *SentryProvider) hubFor(ctx context.Context) *sentry.Hub {
	if ctx != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			return hub
		}
	}
	return s.hub
}

func (s *SentryProvider) capture(ctx context.Context, event *sentry.Event, extra map[string]interface{}) {
	if len(extra) > 0 {
		event.Extra = make(map[string]interface{}, len(extra))
		event.Tags = make(map[string]string)
		for k, v := range extra {
			if str, ok := v.(string); ok {
				if _, tag := tagKeys[k]; tag {
					event.Tags[k] = str
					continue
				}
			}
			event.Extra[k] = v
		}
	}
	s.hubFor(ctx).CaptureEvent(event)
}

func (s *SentryProvider) CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{}) {
	if err == nil {
		return
	}

	event := sentry.NewEvent()
	event.Level = convertSeverity(severity)
	event.Message = err.Error()
	event.Exception = []sentry.Exception{
		{
			Value:      err.Error(),
			Type:       fmt.Sprintf("%T", err),
			Stacktrace: sentry.ExtractStacktrace(err),
		},
	}
	s.capture(ctx, event, extra)
}

func (s *SentryProvider) CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{}) {
	if message == "" {
		return
	}

	event := sentry.NewEvent()
	event.Level = convertSeverity(severity)
	event.Message = message
	s.capture(ctx, event, extra)
}

func (s *SentryProvider) CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{}) {
	if recovered == nil {
		return
	}

	event := sentry.NewEvent()
	event.Level = sentry.LevelFatal
	event.Message = fmt.Sprintf("Panic: %v", recovered)
	event.Exception = []sentry.Exception{
		{
			Value: fmt.Sprintf("%v", recovered),
			Type:  "panic",
		},
	}

	merged := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		merged[k] = v
	}
	if stackTrace != nil {
		merged["stack_trace"] = string(stackTrace)
	}
	s.capture(ctx, event, merged)
}

func (s *SentryProvider) Flush(timeout int) bool {
	return sentry.Flush(time.Duration(timeout) * time.Second)
}

func (s *SentryProvider) Close() error {
	sentry.Flush(2 * time.Second)
	return nil
}

func convertSeverity(severity Severity) sentry.Level {
	switch severity {
	case SeverityError:
		return sentry.LevelError
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityInfo:
		return sentry.LevelInfo
	case SeverityDebug:
		return sentry.LevelDebug
	default:
		return sentry.LevelError
	}
}
