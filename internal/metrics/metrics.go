package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound calls to the myconso API, by route template and final status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myconso_api_requests_total",
			Help: "Total number of myconso API requests (by endpoint, method and status).",
		},
		[]string{"endpoint", "method", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myconso_api_request_duration_seconds",
			Help:    "Duration of myconso API requests in seconds, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms → ~40s
		},
		[]string{"endpoint", "method"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myconso_api_retries_total",
			Help: "Resends issued by the request pipeline (by reason).",
		},
		[]string{"reason", "status"},
	)

	AuthExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myconso_auth_exchanges_total",
			Help: "Login and refresh exchanges against /auth (by kind and outcome).",
		},
		[]string{"kind", "outcome"},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myconso_events_published_total",
			Help: "Meter reading events published (by transport, subject and outcome).",
		},
		[]string{"transport", "subject", "outcome"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "myconso_poll_duration_seconds",
			Help:    "Duration of one meter polling cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

// ObserveDuration records the time since start on a histogram or summary vector.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case prometheus.Histogram:
		metric.Observe(duration)
	}
}

func IncRequest(endpoint, method, status string) {
	RequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

func IncRetry(reason, status string) {
	RetriesTotal.WithLabelValues(reason, status).Inc()
}

func IncAuthExchange(kind, outcome string) {
	AuthExchangesTotal.WithLabelValues(kind, outcome).Inc()
}

func IncPublish(transport, subject, outcome string) {
	PublishTotal.WithLabelValues(transport, subject, outcome).Inc()
}
