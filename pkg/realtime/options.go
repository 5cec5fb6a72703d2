package realtime

import (
	"strconv"

	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/transport"
	"github.com/bitechdev/ChatMux/pkg/transport/mqtt"
	"github.com/bitechdev/ChatMux/pkg/transport/nats"
)

// DispatchMode selects how inbound frames reach handlers.
type DispatchMode string

const (
	// DispatchSync runs handlers in the transport's delivery goroutine,
	// serialized by a mutex.
	DispatchSync DispatchMode = "sync"
	// DispatchAsync queues frames to a single dispatch goroutine so slow
	// handlers never stall the transport read loop.
	DispatchAsync DispatchMode = "async"
)

// Options configures a Session.
type Options struct {
	Transport transport.Options

	// ReplayOnReconnect keeps subscriptions across an unrequested drop and
	// re-subscribes them, with their identifiers, once reconnected.
	ReplayOnReconnect bool

	DispatchMode   DispatchMode
	DispatchBuffer int

	// PublishRate limits publishes per second; zero disables the limit.
	PublishRate  float64
	PublishBurst int

	// OutboxCapacity > 0 queues publishes made while disconnected and
	// flushes them after the next connect. The oldest entry is dropped
	// when full.
	OutboxCapacity int
}

// DefaultOptions returns options matching the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Transport:         transport.Options{}.WithDefaults(),
		ReplayOnReconnect: true,
		DispatchMode:      DispatchAsync,
		DispatchBuffer:    1024,
	}
}

func (o Options) withDefaults() Options {
	o.Transport = o.Transport.WithDefaults()
	if o.DispatchMode == "" {
		o.DispatchMode = DispatchAsync
	}
	if o.DispatchBuffer <= 0 {
		o.DispatchBuffer = 1024
	}
	if o.PublishRate > 0 && o.PublishBurst <= 0 {
		o.PublishBurst = 1
	}
	return o
}

// OptionsFromConfig maps the loaded configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	tc := cfg.Transport
	opts := Options{
		Transport: transport.Options{
			URL:               tc.URL,
			ClientID:          tc.ClientID,
			Username:          tc.Username,
			ConnectHeaders:    tc.ConnectHeaders,
			ReconnectDelay:    tc.ReconnectDelay,
			HeartbeatIncoming: tc.HeartbeatIncoming,
			HeartbeatOutgoing: tc.HeartbeatOutgoing,
			ConnectTimeout:    tc.ConnectTimeout,
			Extra: map[string]string{
				mqtt.OptQoS:          strconv.Itoa(int(tc.MQTT.QoS)),
				mqtt.OptCleanSession: strconv.FormatBool(tc.MQTT.CleanSession),
				mqtt.OptTopicPrefix:  tc.MQTT.TopicPrefix,
				nats.OptName:         tc.NATS.Name,
			},
		},
		ReplayOnReconnect: cfg.Session.ReplayOnReconnect,
		DispatchMode:      DispatchMode(cfg.Session.DispatchMode),
		DispatchBuffer:    cfg.Session.DispatchBuffer,
		PublishRate:       cfg.Session.PublishRate,
		PublishBurst:      cfg.Session.PublishBurst,
	}
	if cfg.Session.Outbox.Enabled {
		opts.OutboxCapacity = cfg.Session.Outbox.Capacity
	}
	return opts.withDefaults()
}
