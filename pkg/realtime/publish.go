package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/tracing"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// Publish sends payload to destination without waiting for any
// acknowledgment. While not Connected it returns ErrNotConnected and logs a
// warning, unless the outbox is enabled, in which case the message is
// queued and nil is returned.
func (s *Session) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) (err error) {
	family := metrics.Family(destination)
	ctx, span := tracing.StartClientSpan(ctx, "realtime.publish", tracing.AttrTopic.String(destination))
	defer func() { tracing.End(span, err) }()

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.GetProvider().RecordPublish(family, "rate_limited")
		return ErrRateLimited
	}

	headers = copyHeaders(headers)
	if headers == nil {
		headers = map[string]string{}
	}
	tracing.InjectMap(ctx, headers)

	s.mu.Lock()
	adapter := s.adapter
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && adapter != nil {
		err = adapter.Publish(destination, payload, headers)
		if err == nil {
			s.published.Add(1)
			metrics.GetProvider().RecordPublish(family, "sent")
			return nil
		}
		if !errors.Is(err, transport.ErrNotActive) {
			s.pubFailed.Add(1)
			metrics.GetProvider().RecordPublish(family, "failed")
			logger.Warn("[Realtime] Publish to %s failed: %v", destination, err)
			return fmt.Errorf("publish %s: %w", destination, err)
		}
	}

	if s.outbox != nil {
		if s.outbox.push(pending{destination: destination, body: payload, headers: headers, queuedAt: time.Now()}) {
			logger.Warn("[Realtime] Outbox full, dropped oldest queued publish")
		}
		metrics.GetProvider().RecordPublish(family, "queued")
		metrics.GetProvider().SetOutboxSize(s.outbox.len())
		logger.Debug("[Realtime] Queued publish to %s until reconnected", destination)
		return nil
	}

	s.pubFailed.Add(1)
	metrics.GetProvider().RecordPublish(family, "not_connected")
	logger.Warn("[Realtime] Publish to %s skipped, session is %s", destination, s.State())
	return ErrNotConnected
}

// PublishJSON marshals v and publishes it with a JSON content type.
func (s *Session) PublishJSON(ctx context.Context, destination string, v any, headers map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", destination, err)
	}
	h := copyHeaders(headers)
	if h == nil {
		h = map[string]string{}
	}
	if _, ok := h["content-type"]; !ok {
		h["content-type"] = "application/json"
	}
	return s.Publish(ctx, destination, body, h)
}

// flushOutbox sends queued publishes in order. Whatever cannot be sent is
// kept for the next connect.
func (s *Session) flushOutbox(adapter transport.Adapter) {
	if s.outbox == nil || adapter == nil {
		return
	}
	items := s.outbox.take()
	if len(items) == 0 {
		return
	}
	sent := 0
	for i, p := range items {
		if err := adapter.Publish(p.destination, p.body, p.headers); err != nil {
			logger.Warn("[Realtime] Outbox flush stopped after %d of %d: %v", sent, len(items), err)
			s.outbox.restore(items[i:])
			break
		}
		sent++
		s.published.Add(1)
		metrics.GetProvider().RecordPublish(metrics.Family(p.destination), "sent")
	}
	metrics.GetProvider().SetOutboxSize(s.outbox.len())
	if sent > 0 {
		logger.Info("[Realtime] Flushed %d queued publishes", sent)
	}
}
