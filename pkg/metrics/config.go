package metrics

// Config holds configuration for the metrics provider
type Config struct {
	// Enabled determines whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled"`

	// Provider specifies which metrics provider to use (prometheus, noop)
	Provider string `mapstructure:"provider"`

	// Namespace prefixes every metric name
	Namespace string `mapstructure:"namespace"`

	// HandlerBuckets are histogram buckets (seconds) for message handler duration
	HandlerBuckets []float64 `mapstructure:"handler_buckets"`

	// HistoryBuckets are histogram buckets (seconds) for history service calls
	HistoryBuckets []float64 `mapstructure:"history_buckets"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Provider:       "prometheus",
		Namespace:      "chatmux",
		HandlerBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		HistoryBuckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// ApplyDefaults fills in any missing values with defaults
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if len(c.HandlerBuckets) == 0 {
		c.HandlerBuckets = d.HandlerBuckets
	}
	if len(c.HistoryBuckets) == 0 {
		c.HistoryBuckets = d.HistoryBuckets
	}
}
