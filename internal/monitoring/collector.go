package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/pipeline"
	"github.com/kinhotel/pms-sync/internal/watermark"
)

// Snapshot holds a point-in-time view of sync health.
type Snapshot struct {
	Watermarks []watermark.Entry `json:"watermarks"`
	// Stale are watermarks older than StaleAfter.
	Stale      []watermark.Entry `json:"stale,omitempty"`
	StaleAfter time.Duration     `json:"stale_after"`

	// Run log metrics, empty when no run log is configured.
	Runs        []pipeline.RunEntry `json:"runs,omitempty"`
	RunsFailed  int                 `json:"runs_failed"`
	RunsPartial int                 `json:"runs_partial"`
	RunsRunning int                 `json:"runs_running"`

	CollectedAt time.Time `json:"collected_at"`
}

// RunLister abstracts the run log methods needed by the collector.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]pipeline.RunEntry, error)
}

// Collector gathers health from the watermark store and run log.
type Collector struct {
	watermarks watermark.Store
	runLog     RunLister
	now        func() time.Time
}

// NewCollector creates a collector. runLog may be nil.
func NewCollector(wm watermark.Store, runLog RunLister) *Collector {
	return &Collector{watermarks: wm, runLog: runLog, now: time.Now}
}

// Collect gathers a snapshot. Watermarks older than staleAfter are flagged;
// staleAfter <= 0 disables the check.
func (c *Collector) Collect(ctx context.Context, staleAfter time.Duration, runLimit int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{StaleAfter: staleAfter, CollectedAt: now}

	entries, err := c.watermarks.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list watermarks")
	}
	snap.Watermarks = entries
	if staleAfter > 0 {
		cutoff := now.Add(-staleAfter)
		for _, e := range entries {
			if e.WindowEnd.Before(cutoff) {
				snap.Stale = append(snap.Stale, e)
			}
		}
	}

	if c.runLog != nil {
		runs, err := c.runLog.Recent(ctx, runLimit)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		snap.Runs = runs
		for _, r := range runs {
			switch r.Status {
			case "failed":
				snap.RunsFailed++
			case "partial":
				snap.RunsPartial++
			case "running":
				snap.RunsRunning++
			}
		}
	}

	return snap, nil
}
