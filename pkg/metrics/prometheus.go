package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitechdev/ChatMux/pkg/config"
)

var connectionStates = []string{"disconnected", "connecting", "connected", "error"}

// PrometheusProvider implements Provider on its own registry, so several
// providers can coexist in one process.
type PrometheusProvider struct {
	registry *prometheus.Registry

	connectionState     *prometheus.GaugeVec
	connectAttempts     *prometheus.CounterVec
	framesTotal         *prometheus.CounterVec
	handlerDuration     *prometheus.HistogramVec
	publishTotal        *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
	outboxSize          prometheus.Gauge
	receiptsTotal       *prometheus.CounterVec
	historyDuration     *prometheus.HistogramVec
	historyTotal        *prometheus.CounterVec
}

// NewPrometheusProvider creates a provider; a nil cfg uses DefaultConfig.
func NewPrometheusProvider(cfg *Config) *PrometheusProvider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &PrometheusProvider{
		registry: reg,
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "connection_state",
				Help:      "1 for the current session state, 0 otherwise",
			},
			[]string{"state"},
		),
		connectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "connect_attempts_total",
				Help:      "Transport connect outcomes",
			},
			[]string{"result"},
		),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "frames_total",
				Help:      "Inbound frames by destination family and outcome",
			},
			[]string{"family", "outcome"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "handler_duration_seconds",
				Help:      "Message handler duration in seconds",
				Buckets:   cfg.HandlerBuckets,
			},
			[]string{"family"},
		),
		publishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "publish_total",
				Help:      "Outbound publishes by destination family and outcome",
			},
			[]string{"family", "outcome"},
		),
		activeSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_subscriptions",
				Help:      "Live subscription registry entries",
			},
		),
		outboxSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "outbox_size",
				Help:      "Publishes waiting for the session to reconnect",
			},
		),
		receiptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "read_receipts_total",
				Help:      "Read receipts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		historyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "history_request_duration_seconds",
				Help:      "Chat history service request duration in seconds",
				Buckets:   cfg.HistoryBuckets,
			},
			[]string{"operation"},
		),
		historyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "history_requests_total",
				Help:      "Chat history service requests by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// NewProviderFromConfig returns a Prometheus provider when metrics are
// enabled and a no-op provider otherwise.
func NewProviderFromConfig(cfg config.MetricsConfig) (Provider, error) {
	if !cfg.Enabled {
		return &NoOpProvider{}, nil
	}
	switch cfg.Provider {
	case "prometheus", "":
		return NewPrometheusProvider(&Config{Enabled: true, Provider: "prometheus", Namespace: cfg.Namespace}), nil
	case "noop":
		return &NoOpProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown metrics provider: %s", cfg.Provider)
	}
}

func (p *PrometheusProvider) SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.connectionState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusProvider) RecordConnectAttempt(result string) {
	p.connectAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusProvider) RecordFrame(family, outcome string) {
	p.framesTotal.WithLabelValues(family, outcome).Inc()
}

func (p *PrometheusProvider) RecordHandlerDuration(family string, duration time.Duration) {
	p.handlerDuration.WithLabelValues(family).Observe(duration.Seconds())
}

func (p *PrometheusProvider) RecordPublish(family, outcome string) {
	p.publishTotal.WithLabelValues(family, outcome).Inc()
}

func (p *PrometheusProvider) SetActiveSubscriptions(n int) {
	p.activeSubscriptions.Set(float64(n))
}

func (p *PrometheusProvider) SetOutboxSize(n int) {
	p.outboxSize.Set(float64(n))
}

func (p *PrometheusProvider) RecordReceipt(kind, outcome string) {
	p.receiptsTotal.WithLabelValues(kind, outcome).Inc()
}

func (p *PrometheusProvider) RecordHistoryRequest(operation, status string, duration time.Duration) {
	p.historyDuration.WithLabelValues(operation).Observe(duration.Seconds())
	p.historyTotal.WithLabelValues(operation, status).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusProvider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
