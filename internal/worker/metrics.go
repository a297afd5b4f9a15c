// ABOUTME: Prometheus instruments for the worker runtime.
// ABOUTME: Registered on the Registerer from Options; unregistered when nil.

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay_worker"

type metrics struct {
	sends          *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	dispatches     *prometheus.CounterVec
	activeHandlers prometheus.Gauge
	lateReplies    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sends_total",
				Help:      "Requests sent by this worker, by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		sendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "send_duration_seconds",
				Help:      "Time from send to reply",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatches_total",
				Help:      "Inbound requests handled, by agent type and outcome",
			},
			[]string{"agent_type", "outcome"},
		),
		activeHandlers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_handlers",
			Help:      "Handlers currently running",
		}),
		lateReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "late_replies_total",
			Help:      "Replies discarded because their request was already abandoned",
		}),
	}
}
