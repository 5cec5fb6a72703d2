package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Manager loads configuration from a YAML file, CHATMUX_* environment
// variables and built-in defaults, in that order of precedence reversed.
type Manager struct {
	v *viper.Viper
}

func NewManager() *Manager {
	v := viper.New()

	v.SetConfigName("chatmux")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chatmux")
	v.AddConfigPath("$HOME/.chatmux")

	v.SetEnvPrefix("CHATMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Manager{v: v}
}

func NewManagerWithOptions(opts ...Option) *Manager {
	m := NewManager()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithConfigFile sets a specific config file path
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.v.SetConfigFile(path)
	}
}

// WithConfigPath adds a path to search for config files
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.v.AddConfigPath(path)
	}
}

// WithEnvPrefix sets the environment variable prefix
func WithEnvPrefix(prefix string) Option {
	return func(m *Manager) {
		m.v.SetEnvPrefix(prefix)
	}
}

// Load reads the config file if one is found. A missing file is not an error.
func (m *Manager) Load() error {
	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetConfig unmarshals and validates the merged configuration.
func (m *Manager) GetConfig() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Get(key string) interface{} {
	return m.v.Get(key)
}

func (m *Manager) GetString(key string) string {
	return m.v.GetString(key)
}

func (m *Manager) GetInt(key string) int {
	return m.v.GetInt(key)
}

func (m *Manager) GetBool(key string) bool {
	return m.v.GetBool(key)
}

func (m *Manager) Set(key string, value interface{}) {
	m.v.Set(key, value)
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	switch c.Transport.Provider {
	case "stomp", "mqtt", "nats", "redis", "memory":
	default:
		return fmt.Errorf("unknown transport provider: %q", c.Transport.Provider)
	}
	switch c.Session.DispatchMode {
	case "sync", "async":
	default:
		return fmt.Errorf("unknown dispatch mode: %q", c.Session.DispatchMode)
	}
	switch c.Receipts.Ledger.Provider {
	case "memory", "redis", "memcache":
	default:
		return fmt.Errorf("unknown receipt ledger provider: %q", c.Receipts.Ledger.Provider)
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be positive")
	}
	if c.Session.Outbox.Enabled && c.Session.Outbox.Capacity <= 0 {
		return fmt.Errorf("session.outbox.capacity must be positive when the outbox is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.user_name", "")
	v.SetDefault("identity.token", "")

	v.SetDefault("transport.provider", "stomp")
	v.SetDefault("transport.url", "ws://localhost:8080/connect/websocket")
	v.SetDefault("transport.client_id", "")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.reconnect_delay", "5s")
	v.SetDefault("transport.heartbeat_incoming", "4s")
	v.SetDefault("transport.heartbeat_outgoing", "4s")
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.mqtt.qos", 1)
	v.SetDefault("transport.mqtt.clean_session", true)
	v.SetDefault("transport.mqtt.topic_prefix", "")
	v.SetDefault("transport.nats.name", "chatmux")
	v.SetDefault("transport.redis.host", "localhost")
	v.SetDefault("transport.redis.port", 6379)
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)

	v.SetDefault("session.replay_on_reconnect", true)
	v.SetDefault("session.dispatch_mode", "async")
	v.SetDefault("session.dispatch_buffer", 1024)
	v.SetDefault("session.publish_rate", 0.0)
	v.SetDefault("session.publish_burst", 10)
	v.SetDefault("session.outbox.enabled", false)
	v.SetDefault("session.outbox.capacity", 100)

	v.SetDefault("receipts.auto_mark_read", true)
	v.SetDefault("receipts.skip_own_messages", true)
	v.SetDefault("receipts.worker_count", 2)
	v.SetDefault("receipts.buffer_size", 256)
	v.SetDefault("receipts.ledger.provider", "memory")
	v.SetDefault("receipts.ledger.ttl", "24h")
	v.SetDefault("receipts.ledger.max_size", 50000)
	v.SetDefault("receipts.ledger.redis.host", "localhost")
	v.SetDefault("receipts.ledger.redis.port", 6379)
	v.SetDefault("receipts.ledger.redis.db", 0)
	v.SetDefault("receipts.ledger.memcache.servers", []string{"localhost:11211"})
	v.SetDefault("receipts.ledger.memcache.max_idle_conns", 2)
	v.SetDefault("receipts.ledger.memcache.timeout", "1s")

	v.SetDefault("history.base_url", "http://localhost:8080")
	v.SetDefault("history.timeout", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:9464")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.drain_timeout", "5s")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.provider", "prometheus")
	v.SetDefault("metrics.namespace", "chatmux")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "chatmux")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("logger.dev", false)
	v.SetDefault("logger.path", "")

	v.SetDefault("error_tracking.enabled", false)
	v.SetDefault("error_tracking.provider", "noop")
	v.SetDefault("error_tracking.sample_rate", 1.0)
	v.SetDefault("error_tracking.traces_sample_rate", 0.0)
}
