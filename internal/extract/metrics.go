package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "extract",
		Name:      "partitions_total",
		Help:      "Partition extractions by endpoint and outcome",
	}, []string{"endpoint", "status"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "extract",
		Name:      "records_total",
		Help:      "Records extracted by endpoint",
	}, []string{"endpoint"})
)
