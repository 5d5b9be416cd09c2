// Package metrics exposes Prometheus collectors for the session link.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "ttrpg").
	Namespace string

	// Subsystem is the metrics subsystem (default: "link").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "ttrpg",
		Subsystem: "link",
		Registry:  prometheus.DefaultRegisterer,
	}
}

var connectionStates = []string{"disconnected", "connecting", "connected", "error"}

type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Gauge
	reconnectsTotal   prometheus.Counter
	exhaustedTotal    prometheus.Counter
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	refreshTotal      *prometheus.CounterVec
	resolutionTotal   *prometheus.CounterVec
}

// New registers the collectors. Registering twice on the same registry
// panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "1 for the current transport connection state, 0 otherwise",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		reconnectAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts",
			Help:        "Reconnect attempts made since the last successful open",
			ConstLabels: config.ConstLabels,
		}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of scheduled reconnect attempts that fired",
			ConstLabels: config.ConstLabels,
		}),

		exhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_exhausted_total",
			Help:        "Times the reconnect budget ran out",
			ConstLabels: config.ConstLabels,
		}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Envelopes written to the socket by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Envelopes decoded from the socket by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_dropped_total",
			Help:        "Outgoing envelopes dropped by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_errors_total",
			Help:        "Incoming frames dropped because they failed to decode",
			ConstLabels: config.ConstLabels,
		}),

		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "token_refresh_total",
			Help:        "Token refresh attempts by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		resolutionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_resolution_total",
			Help:        "Session code resolutions by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),
	}
}

func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetReconnectAttempts(n int) {
	if m == nil {
		return
	}
	m.reconnectAttempts.Set(float64(n))
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhaustedTotal.Inc()
}

func (m *Metrics) RecordSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// RecordRefresh records a refresh outcome: "ok", "unauthorized" or "error".
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

// RecordResolution records a session resolution outcome: "code", "name",
// "unmatched" or "error".
func (m *Metrics) RecordResolution(result string) {
	if m == nil {
		return
	}
	m.resolutionTotal.WithLabelValues(result).Inc()
}
