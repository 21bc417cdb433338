package monitoring

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/config"
	"github.com/kinhotel/pms-sync/internal/report"
)

var (
	lastRunFinished = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pms_sync",
		Subsystem: "run",
		Name:      "last_finished_timestamp_seconds",
		Help:      "Unix time the last run finished",
	})

	lastRunDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pms_sync",
		Subsystem: "run",
		Name:      "last_duration_seconds",
		Help:      "Wall time of the last run",
	})

	lastRunStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pms_sync",
		Subsystem: "run",
		Name:      "last_status",
		Help:      "1 for the status of the last run, 0 for the others",
	}, []string{"status"})

	lastRunPartitions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pms_sync",
		Subsystem: "run",
		Name:      "last_partitions",
		Help:      "Partitions in the last run by outcome",
	}, []string{"status"})
)

var runStatuses = []report.Status{report.StatusSuccess, report.StatusPartial, report.StatusFailed, report.StatusSkipped}

// RecordRun sets the last-run gauges from rep.
func RecordRun(rep *report.Report) {
	lastRunFinished.Set(float64(rep.FinishedAt.Unix()))
	lastRunDuration.Set(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	status := rep.Status()
	counts := rep.Counts()
	for _, s := range runStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		lastRunStatus.WithLabelValues(string(s)).Set(v)
		lastRunPartitions.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// PushMetrics pushes everything g gathers to the configured Pushgateway. It
// is a no-op when no gateway is configured.
func PushMetrics(ctx context.Context, cfg config.MetricsConfig, g prometheus.Gatherer) error {
	if cfg.PushgatewayURL == "" {
		return nil
	}
	job := cfg.Job
	if job == "" {
		job = "pms_sync"
	}
	if err := push.New(cfg.PushgatewayURL, job).Gatherer(g).PushContext(ctx); err != nil {
		return eris.Wrapf(err, "monitoring: push metrics to %s", cfg.PushgatewayURL)
	}
	zap.L().Debug("monitoring: metrics pushed", zap.String("gateway", cfg.PushgatewayURL), zap.String("job", job))
	return nil
}
