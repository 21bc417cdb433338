package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "fetcher",
		Name:      "requests_total",
		Help:      "PMS API requests by endpoint and HTTP status (\"error\" for transport failures)",
	}, []string{"endpoint", "status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "fetcher",
		Name:      "retries_total",
		Help:      "Retried PMS API requests by endpoint and failure class",
	}, []string{"endpoint", "class"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "fetcher",
		Name:      "pages_total",
		Help:      "Decoded response pages by endpoint",
	}, []string{"endpoint"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pms_sync",
		Subsystem: "fetcher",
		Name:      "request_duration_seconds",
		Help:      "PMS API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
)
