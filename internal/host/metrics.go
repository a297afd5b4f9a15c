// ABOUTME: Prometheus instruments for the relay host on a private registry.
// ABOUTME: Exposed over HTTP at metrics.path when metrics are enabled.

package host

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "relay_host"

// Metrics holds the host's collectors.
type Metrics struct {
	registry *prometheus.Registry

	routed        *prometheus.CounterVec
	replies       *prometheus.CounterVec
	registrations *prometheus.CounterVec
	roundTrip     prometheus.Histogram
	workers       prometheus.Gauge
	agentTypes    prometheus.Gauge
	inflight      prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry, including Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		routed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Request envelopes routed, by outcome",
			},
			[]string{"outcome"},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replies_total",
				Help:      "Reply envelopes received from workers, by outcome",
			},
			[]string{"outcome"},
		),
		registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "registrations_total",
				Help:      "Agent type registrations, by result",
			},
			[]string{"result"},
		),
		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "round_trip_seconds",
			Help:      "Time from forwarding a request to forwarding its reply",
			Buckets:   prometheus.DefBuckets,
		}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_connected",
			Help:      "Worker streams currently open",
		}),
		agentTypes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "agent_types",
			Help:      "Agent types in the directory",
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_requests",
			Help:      "Requests forwarded and awaiting a reply",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
