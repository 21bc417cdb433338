package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/report"
)

var (
	datasetRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "pipeline",
		Name:      "dataset_runs_total",
		Help:      "Dataset runs by outcome",
	}, []string{"dataset", "status"})

	historyRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "pipeline",
		Name:      "history_rows_total",
		Help:      "Snapshot rows by historization outcome (new, changed, unchanged, closed, dropped)",
	}, []string{"dataset", "outcome"})

	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pms_sync",
		Subsystem: "pipeline",
		Name:      "findings_total",
		Help:      "Data-quality findings by kind",
	}, []string{"dataset", "kind"})
)

func observeDataset(dr *report.Dataset) {
	datasetRuns.WithLabelValues(dr.Name, string(dr.Status())).Inc()
	for _, f := range dr.Findings {
		findingsTotal.WithLabelValues(dr.Name, f.Kind).Inc()
	}
}

func observeHistory(dataset string, s history.Stats) {
	historyRows.WithLabelValues(dataset, "new").Add(float64(s.New))
	historyRows.WithLabelValues(dataset, "changed").Add(float64(s.Changed))
	historyRows.WithLabelValues(dataset, "unchanged").Add(float64(s.Unchanged))
	historyRows.WithLabelValues(dataset, "closed").Add(float64(s.Closed))
	historyRows.WithLabelValues(dataset, "dropped").Add(float64(s.Dropped))
}
