// Package mqtt is the MQTT 3.1.1 transport adapter built on paho. STOMP
// style destinations map onto MQTT topics by dropping the leading slash
// ("/topic/42" becomes "topic/42") and prepending an optional prefix.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/transport"
)

// Extra option keys read from transport.Options.Extra.
const (
	OptQoS          = "mqtt.qos"
	OptCleanSession = "mqtt.clean_session"
	OptTopicPrefix  = "mqtt.topic_prefix"
)

var handleSeq atomic.Uint64

// Adapter implements transport.Adapter on a paho client. MQTT allows one
// subscription per topic filter and client, so repeated subscriptions to a
// topic share one broker subscription and fan out locally.
type Adapter struct {
	opts   transport.Options
	cb     transport.Callbacks
	qos    byte
	prefix string
	client pahomqtt.Client

	mu        sync.Mutex
	connected bool
	gen       uint64
	topics    map[string]map[string]*handle
	cancel    context.CancelFunc
}

type handle struct {
	id    string
	topic string
	gen   uint64
	cb    transport.FrameCallback
}

func (h *handle) ID() string    { return h.id }
func (h *handle) Topic() string { return h.topic }

// New creates an adapter. The token from the Authorization connect header
// is sent as the MQTT password.
func New(opts transport.Options, cb transport.Callbacks) (transport.Adapter, error) {
	opts = opts.WithDefaults()
	if opts.URL == "" {
		return nil, fmt.Errorf("MQTT broker url is required")
	}

	a := &Adapter{
		opts:   opts,
		cb:     cb,
		qos:    1,
		prefix: opts.Extra[OptTopicPrefix],
		topics: make(map[string]map[string]*handle),
	}
	if v, ok := opts.Extra[OptQoS]; ok && v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 2 {
			return nil, fmt.Errorf("invalid MQTT qos %q", v)
		}
		a.qos = byte(q)
	}
	cleanSession := true
	if v, ok := opts.Extra[OptCleanSession]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MQTT clean_session %q", v)
		}
		cleanSession = b
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("chatmux-%d", time.Now().UnixNano())
	}

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.URL)
	po.SetClientID(clientID)
	po.SetUsername(opts.Username)
	po.SetPassword(opts.BearerToken())
	po.SetCleanSession(cleanSession)
	po.SetKeepAlive(keepAlive(opts))
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(false)
	po.SetMaxReconnectInterval(opts.ReconnectDelay)
	po.SetResumeSubs(false)
	if len(opts.ConnectHeaders) > 0 {
		header := http.Header{}
		for k, v := range opts.ConnectHeaders {
			header.Set(k, v)
		}
		po.SetHTTPHeaders(header)
	}
	po.SetOnConnectHandler(func(pahomqtt.Client) { a.onConnect() })
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { a.onLost(err) })
	po.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		logger.Debug("[MQTT] Reconnecting to %s", opts.URL)
	})

	a.client = pahomqtt.NewClient(po)
	return a, nil
}

func keepAlive(opts transport.Options) time.Duration {
	ka := opts.HeartbeatOutgoing
	if opts.HeartbeatIncoming > ka {
		ka = opts.HeartbeatIncoming
	}
	if ka < time.Second {
		ka = 30 * time.Second
	}
	return ka
}

func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("adapter already active")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		// paho reconnects by itself once the first connect has succeeded
		err := transport.RetryConnect(runCtx, a.opts.ReconnectDelay, a.dial, func(err error) {
			logger.Warn("[MQTT] Connect to %s failed: %v", a.opts.URL, err)
			a.cb.NotifyError(err)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("[MQTT] Connect loop ended: %v", err)
		}
	}()
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	token := a.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.opts.ConnectTimeout + time.Second):
		return fmt.Errorf("MQTT connect to %s timed out", a.opts.URL)
	}
	return classify(token.Error())
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return &transport.AuthError{Reason: "CONNACK refused", Err: err}
	}
	return transport.ClassifyConnectError(err)
}

func (a *Adapter) onConnect() {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return
	}
	a.connected = true
	a.gen++
	a.topics = make(map[string]map[string]*handle)
	a.mu.Unlock()

	logger.Info("[MQTT] Connected to %s", a.opts.URL)
	a.cb.NotifyConnect()
}

func (a *Adapter) onLost(err error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.topics = make(map[string]map[string]*handle)
	a.mu.Unlock()

	logger.Warn("[MQTT] Connection to %s lost: %v", a.opts.URL, err)
	a.cb.NotifyDisconnect(err)
}

func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.cancel = nil
	wasConnected := a.connected
	a.connected = false
	a.gen++
	a.topics = make(map[string]map[string]*handle)
	a.mu.Unlock()

	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < 250*time.Millisecond && left > 0 {
			quiesce = uint(left.Milliseconds())
		}
	}
	a.client.Disconnect(quiesce)

	if wasConnected {
		logger.Info("[MQTT] Disconnected from %s", a.opts.URL)
		a.cb.NotifyDisconnect(nil)
	}
	return nil
}

// brokerTopic maps a destination onto an MQTT topic.
func (a *Adapter) brokerTopic(destination string) string {
	return a.prefix + strings.TrimPrefix(destination, "/")
}

// destination reverses brokerTopic.
func (a *Adapter) destination(topic string) string {
	return "/" + strings.TrimPrefix(topic, a.prefix)
}

func (a *Adapter) Subscribe(topic string, cb transport.FrameCallback, headers map[string]string) (transport.Handle, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, transport.ErrNotActive
	}
	h := &handle{
		id:    fmt.Sprintf("mqtt-%d", handleSeq.Add(1)),
		topic: topic,
		gen:   a.gen,
		cb:    cb,
	}
	set, shared := a.topics[topic]
	if !shared {
		set = make(map[string]*handle)
		a.topics[topic] = set
	}
	set[h.id] = h
	a.mu.Unlock()

	if shared {
		return h, nil
	}

	token := a.client.Subscribe(a.brokerTopic(topic), a.qos, a.route)
	if !token.WaitTimeout(a.opts.ConnectTimeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("timed out")
		}
		a.drop(h)
		return nil, fmt.Errorf("MQTT subscribe %s: %w", topic, err)
	}
	logger.Debug("[MQTT] Subscribed to %s", a.brokerTopic(topic))
	return h, nil
}

// route fans one broker message out to every local subscription on its topic.
func (a *Adapter) route(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer logger.CatchPanic("mqtt.route")

	dest := a.destination(msg.Topic())
	a.mu.Lock()
	targets := make([]*handle, 0, len(a.topics[dest]))
	for _, h := range a.topics[dest] {
		targets = append(targets, h)
	}
	a.mu.Unlock()

	received := time.Now()
	for _, h := range targets {
		h.cb(&transport.Frame{
			Destination:    dest,
			SubscriptionID: h.id,
			ContentType:    "application/json",
			Headers:        map[string]string{},
			Body:           msg.Payload(),
			ReceivedAt:     received,
		})
	}
}

// drop removes h and reports whether it was the last one on its topic.
func (a *Adapter) drop(h *handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.topics[h.topic]
	if !ok {
		return false
	}
	delete(set, h.id)
	if len(set) == 0 {
		delete(a.topics, h.topic)
		return true
	}
	return false
}

func (a *Adapter) Unsubscribe(h transport.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}

	a.mu.Lock()
	stale := mh.gen != a.gen || !a.connected
	a.mu.Unlock()
	if stale {
		return nil
	}

	if !a.drop(mh) {
		return nil
	}
	token := a.client.Unsubscribe(a.brokerTopic(mh.topic))
	if token.WaitTimeout(a.opts.ConnectTimeout) && token.Error() != nil {
		logger.Debug("[MQTT] Unsubscribe %s: %v", mh.topic, token.Error())
	}
	return nil
}

// Publish sends body to destination. MQTT 3.1.1 carries no message
// headers, so headers are not transmitted.
func (a *Adapter) Publish(destination string, body []byte, headers map[string]string) error {
	if !a.Connected() {
		return transport.ErrNotActive
	}
	token := a.client.Publish(a.brokerTopic(destination), a.qos, false, body)
	if !token.WaitTimeout(a.opts.ConnectTimeout) {
		return fmt.Errorf("MQTT publish %s: timed out", destination)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT publish %s: %w", destination, err)
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
