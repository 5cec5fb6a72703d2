package config

import "time"

// Config is the complete client configuration.
type Config struct {
	Identity      IdentityConfig      `mapstructure:"identity"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Session       SessionConfig       `mapstructure:"session"`
	Receipts      ReceiptsConfig      `mapstructure:"receipts"`
	History       HistoryConfig       `mapstructure:"history"`
	Server        ServerConfig        `mapstructure:"server"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
}

// IdentityConfig names the user the session acts for.
type IdentityConfig struct {
	UserID   string `mapstructure:"user_id"`
	UserName string `mapstructure:"user_name"`
	Token    string `mapstructure:"token"`
}

// TransportConfig selects and tunes the broker connection.
type TransportConfig struct {
	Provider          string            `mapstructure:"provider"` // stomp, mqtt, nats, redis, memory
	URL               string            `mapstructure:"url"`
	ClientID          string            `mapstructure:"client_id"`
	Username          string            `mapstructure:"username"`
	ConnectHeaders    map[string]string `mapstructure:"connect_headers"`
	ReconnectDelay    time.Duration     `mapstructure:"reconnect_delay"`
	HeartbeatIncoming time.Duration     `mapstructure:"heartbeat_incoming"`
	HeartbeatOutgoing time.Duration     `mapstructure:"heartbeat_outgoing"`
	ConnectTimeout    time.Duration     `mapstructure:"connect_timeout"`
	MQTT              MQTTConfig        `mapstructure:"mqtt"`
	NATS              NATSConfig        `mapstructure:"nats"`
	Redis             RedisConfig       `mapstructure:"redis"`
}

// MQTTConfig holds options only the MQTT transport reads.
type MQTTConfig struct {
	QoS          byte   `mapstructure:"qos"`
	CleanSession bool   `mapstructure:"clean_session"`
	TopicPrefix  string `mapstructure:"topic_prefix"`
}

// NATSConfig holds options only the NATS transport reads.
type NATSConfig struct {
	Name string `mapstructure:"name"`
}

// RedisConfig is shared by the redis transport and the redis receipt ledger.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MemcacheConfig holds Memcache-specific configuration
type MemcacheConfig struct {
	Servers      []string      `mapstructure:"servers"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SessionConfig tunes the realtime session.
type SessionConfig struct {
	ReplayOnReconnect bool         `mapstructure:"replay_on_reconnect"`
	DispatchMode      string       `mapstructure:"dispatch_mode"` // sync, async
	DispatchBuffer    int          `mapstructure:"dispatch_buffer"`
	PublishRate       float64      `mapstructure:"publish_rate"` // messages per second, 0 disables
	PublishBurst      int          `mapstructure:"publish_burst"`
	Outbox            OutboxConfig `mapstructure:"outbox"`
}

// OutboxConfig enables queueing publishes made while disconnected.
type OutboxConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Capacity int  `mapstructure:"capacity"`
}

// ReceiptsConfig tunes the read-receipt coordinator.
type ReceiptsConfig struct {
	AutoMarkRead    bool         `mapstructure:"auto_mark_read"`
	SkipOwnMessages bool         `mapstructure:"skip_own_messages"`
	WorkerCount     int          `mapstructure:"worker_count"`
	BufferSize      int          `mapstructure:"buffer_size"`
	Ledger          LedgerConfig `mapstructure:"ledger"`
}

// LedgerConfig selects where issued receipts are remembered.
type LedgerConfig struct {
	Provider string         `mapstructure:"provider"` // memory, redis, memcache
	TTL      time.Duration  `mapstructure:"ttl"`
	MaxSize  int            `mapstructure:"max_size"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Memcache MemcacheConfig `mapstructure:"memcache"`
}

// HistoryConfig points at the chat history REST service.
type HistoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the local status and metrics endpoint.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// MetricsConfig holds metrics provider configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"` // prometheus, noop
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Endpoint       string `mapstructure:"endpoint"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Dev  bool   `mapstructure:"dev"`
	Path string `mapstructure:"path"`
}

// ErrorTrackingConfig holds error tracking configuration
type ErrorTrackingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Provider         string  `mapstructure:"provider"` // sentry, memory, noop
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	Release          string  `mapstructure:"release"`
	ClientName       string  `mapstructure:"client_name"`
	Debug            bool    `mapstructure:"debug"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}
