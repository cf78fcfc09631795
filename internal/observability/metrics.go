package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttemptsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxini", Name: "dispatch_attempts_total", Help: "Total dispatch attempts (including retries after rejection)"})
	DispatchExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxini", Name: "dispatch_exhausted_total", Help: "Dispatch attempts that found no eligible driver"})

	OffersResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxini", Name: "offers_resolved_total", Help: "Offers resolved, by outcome"},
		[]string{"outcome"}, // accepted, rejected, timeout, disconnected
	)
	OffersPending = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxini", Name: "offers_pending", Help: "Offers currently awaiting a driver response"})

	DriversReachable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxini", Name: "drivers_reachable", Help: "Drivers with a live delivery channel"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxini", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxini",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
