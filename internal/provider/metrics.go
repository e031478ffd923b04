package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabulist_gateway_requests_total",
			Help: "Total number of inference gateway requests.",
		},
		[]string{"model", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabulist_gateway_request_duration_seconds",
			Help:    "Histogram of inference request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	promptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabulist_gateway_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
	completionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabulist_gateway_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 20),
		},
		[]string{"model"},
	)
)

// observe records one gateway call outcome.
func observe(model, status string, seconds float64, usage promUsage) {
	requestsTotal.With(prometheus.Labels{"model": model, "status": status}).Inc()
	requestDuration.With(prometheus.Labels{"model": model}).Observe(seconds)
	if usage.prompt > 0 || usage.completion > 0 {
		promptTokens.With(prometheus.Labels{"model": model}).Observe(float64(usage.prompt))
		completionTokens.With(prometheus.Labels{"model": model}).Observe(float64(usage.completion))
	}
}

type promUsage struct {
	prompt     int
	completion int
}
