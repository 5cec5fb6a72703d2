package realtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/tracing"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// delivery is one frame waiting for its handler.
type delivery struct {
	id    SubscriptionID
	epoch uint64
	frame *transport.Frame
}

type dispatchCounters struct {
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	invalid    atomic.Uint64
	failed     atomic.Uint64
	overflow   atomic.Uint64
}

// dispatcher routes frames to handlers. In async mode a single worker
// drains a bounded queue, which keeps transport order across all topics.
type dispatcher struct {
	mode     DispatchMode
	buffer   int
	registry *registry
	counters dispatchCounters

	// sync mode: the goroutine that finds draining false handles pending
	// until it is empty, so a handler that causes a nested delivery never
	// re-enters dispatch.
	syncMu   sync.Mutex
	pending  []delivery
	draining bool

	mu      sync.RWMutex
	queue   chan delivery
	running bool
	wg      sync.WaitGroup
}

func newDispatcher(mode DispatchMode, buffer int, reg *registry) *dispatcher {
	return &dispatcher{mode: mode, buffer: buffer, registry: reg}
}

// start launches the async worker. It is a no-op in sync mode or when
// already running.
func (d *dispatcher) start() {
	if d.mode != DispatchAsync {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.queue = make(chan delivery, d.buffer)
	d.running = true
	d.wg.Add(1)
	go d.worker(d.queue)
	logger.Debug("[Realtime] Dispatch worker started (buffer %d)", d.buffer)
}

// stop closes the queue and waits for queued frames to be handled.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("[Realtime] Dispatch worker stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("[Realtime] Dispatch worker stop timed out, queued frames may be lost")
		return ctx.Err()
	}
}

func (d *dispatcher) worker(queue <-chan delivery) {
	defer d.wg.Done()
	for dl := range queue {
		d.process(dl)
	}
}

// deliver is the transport callback entry point.
func (d *dispatcher) deliver(dl delivery) {
	if d.mode != DispatchAsync {
		d.deliverSync(dl)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		d.counters.dropped.Add(1)
		metrics.GetProvider().RecordFrame(metrics.Family(dl.frame.Destination), "dropped")
		return
	}
	select {
	case d.queue <- dl:
	default:
		d.counters.overflow.Add(1)
		metrics.GetProvider().RecordFrame(metrics.Family(dl.frame.Destination), "overflow")
		logger.Warn("[Realtime] Dispatch queue full, dropping frame for %s on %s", dl.id, dl.frame.Destination)
	}
}

// deliverSync runs handlers inline, one at a time, in arrival order. A
// delivery made while a handler is running is queued and handled by the
// draining goroutine once that handler returns.
func (d *dispatcher) deliverSync(dl delivery) {
	d.syncMu.Lock()
	d.pending = append(d.pending, dl)
	if d.draining {
		d.syncMu.Unlock()
		return
	}
	d.draining = true
	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending[0] = delivery{}
		d.pending = d.pending[1:]
		d.syncMu.Unlock()
		d.process(next)
		d.syncMu.Lock()
	}
	d.pending = nil
	d.draining = false
	d.syncMu.Unlock()
}

// process handles one delivery. It never panics.
func (d *dispatcher) process(dl delivery) {
	family := metrics.Family(dl.frame.Destination)

	topic, handler, ok := d.registry.lookup(dl.id, dl.epoch)
	if !ok {
		// unsubscribed while the frame was in flight
		d.counters.dropped.Add(1)
		metrics.GetProvider().RecordFrame(family, "dropped")
		return
	}

	if err := validateBody(dl.frame); err != nil {
		d.counters.invalid.Add(1)
		metrics.GetProvider().RecordFrame(family, "invalid")
		logger.Warn("[Realtime] Dropping frame for %s on %s: %v", dl.id, dl.frame.Destination, err)
		return
	}

	ctx, span := tracing.StartSpan(tracing.ExtractMap(context.Background(), dl.frame.Headers), "realtime.dispatch",
		tracing.AttrTopic.String(topic),
		tracing.AttrSubscriptionID.String(string(dl.id)),
	)
	frame := &Frame{Frame: dl.frame, Subscription: dl.id, Topic: topic}

	start := time.Now()
	panicked, err := invoke(ctx, handler, frame)
	metrics.GetProvider().RecordHandlerDuration(family, time.Since(start))
	tracing.End(span, err)

	if err != nil {
		d.counters.failed.Add(1)
		metrics.GetProvider().RecordFrame(family, "failed")
		if panicked {
			// already reported by HandlePanic
			return
		}
		logger.CaptureError(ctx, fmt.Errorf("handler for %s on %s: %w", dl.id, topic, err), map[string]interface{}{
			"component":       "dispatcher",
			"subscription_id": string(dl.id),
			"topic":           topic,
			"destination":     dl.frame.Destination,
		})
		return
	}
	d.counters.dispatched.Add(1)
	metrics.GetProvider().RecordFrame(family, "delivered")
}

func invoke(ctx context.Context, handler MessageHandler, frame *Frame) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logger.HandlePanic("realtime.dispatch", r)
			panicked = true
		}
	}()
	return false, handler.Handle(ctx, frame)
}

// validateBody rejects bodies that claim to be JSON but do not parse.
func validateBody(f *transport.Frame) error {
	ct := strings.ToLower(f.ContentType)
	if ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	body := bytes.TrimSpace(f.Body)
	if len(body) == 0 || (body[0] != '{' && body[0] != '[') {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("malformed JSON body (%d bytes)", len(f.Body))
	}
	return nil
}
