// Package metric provides Prometheus metrics for the AugmentOS cloud event
// core. A MetricsRegistry owns a private prometheus.Registry (no global
// default registry) preloaded with the Go and process collectors plus the
// core broker and inbox metric sets.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "augmentos"

// Metrics contains the core platform metrics for the broker and inbox.
type Metrics struct {
	// Broker metrics.
	AppsRegistered   prometheus.Gauge
	ChannelsLive     prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec // outcome: accepted|exhausted
	WebhookRequests  *prometheus.CounterVec // outcome: ok|failed
	BroadcastsSent   *prometheus.CounterVec // topic
	BroadcastsFailed *prometheus.CounterVec // topic
	BroadcastSkipped *prometheus.CounterVec // topic (unsubscribed apps)

	// Inbox metrics.
	EntriesAppended  *prometheus.CounterVec // category
	EntriesTrimmed   *prometheus.CounterVec // category (sliding-window evictions)
	PollsServed      *prometheus.CounterVec // category
	EntriesDelivered *prometheus.CounterVec // category

	// Relay metrics.
	RelayMessages *prometheus.CounterVec // status: ok|decode_error|append_error
}

// NewMetrics creates all core metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		AppsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "apps_registered",
			Help:      "Number of registered apps",
		}),
		ChannelsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "channels_live",
			Help:      "Number of live app channels",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connect_attempts_total",
			Help:      "Lazy connection establishment attempts by outcome",
		}, []string{"outcome"}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "webhook_requests_total",
			Help:      "Outbound connect webhooks by outcome",
		}, []string{"outcome"}),
		BroadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "broadcasts_sent_total",
			Help:      "Messages delivered to app channels",
		}, []string{"topic"}),
		BroadcastsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "broadcasts_failed_total",
			Help:      "Per-app send failures during broadcast",
		}, []string{"topic"}),
		BroadcastSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "broadcasts_skipped_total",
			Help:      "Apps skipped by topic filtering",
		}, []string{"topic"}),
		EntriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "entries_appended_total",
			Help:      "Result entries appended per category",
		}, []string{"category"}),
		EntriesTrimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "entries_trimmed_total",
			Help:      "Entries evicted by sliding-window retention",
		}, []string{"category"}),
		PollsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "polls_served_total",
			Help:      "Device polls served per category",
		}, []string{"category"}),
		EntriesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "entries_delivered_total",
			Help:      "Entries newly delivered to devices per category",
		}, []string{"category"}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Producer result messages consumed from NATS by status",
		}, []string{"status"}),
	}
}

// MetricsRegistry manages the registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewMetricsRegistry creates a new metrics registry with the core platform
// metrics and Go runtime collectors registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
	}

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.registerMetrics()

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (r *MetricsRegistry) registerMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.AppsRegistered,
		r.Metrics.ChannelsLive,
		r.Metrics.ConnectAttempts,
		r.Metrics.WebhookRequests,
		r.Metrics.BroadcastsSent,
		r.Metrics.BroadcastsFailed,
		r.Metrics.BroadcastSkipped,
		r.Metrics.EntriesAppended,
		r.Metrics.EntriesTrimmed,
		r.Metrics.PollsServed,
		r.Metrics.EntriesDelivered,
		r.Metrics.RelayMessages,
	)
}
