package authsdk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "authclient"

// Refresh triggers, used as the "trigger" label.
const (
	triggerRetry      = "retry"
	triggerManual     = "manual"
	triggerBackground = "background"
	triggerInit       = "init"
)

type metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	refreshes *prometheus.CounterVec
	retries   prometheus.Counter
}

// newMetrics registers the client metrics with reg. A nil reg gets a private
// registry so that independent controllers never collide.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Outbound auth server requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Outbound auth server request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_total",
			Help:      "Token refresh attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),

		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Requests retried after a successful refresh",
		}),
	}
}

func (m *metrics) observeRequest(ep Endpoint, outcome string, took time.Duration) {
	m.requests.WithLabelValues(string(ep), outcome).Inc()
	m.duration.WithLabelValues(string(ep)).Observe(took.Seconds())
}

func (m *metrics) observeRefresh(trigger string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.refreshes.WithLabelValues(trigger, outcome).Inc()
}
