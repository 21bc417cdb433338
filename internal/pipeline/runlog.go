package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/db"
)

// RunEntry represents a row in pms_sync.run_log.
type RunEntry struct {
	ID          int64          `json:"id"`
	RunID       string         `json:"run_id"`
	Dataset     string         `json:"dataset"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Records     int64          `json:"records"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunResult is passed to Complete.
type RunResult struct {
	Status   string         `json:"status"`
	Records  int64          `json:"records"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunRecorder records dataset runs. The runner works without one.
type RunRecorder interface {
	Start(ctx context.Context, runID, dataset string) (int64, error)
	Complete(ctx context.Context, id int64, result *RunResult) error
	Fail(ctx context.Context, id int64, errMsg string) error
}

// RunLog provides read/write access to the pms_sync.run_log table.
type RunLog struct {
	pool db.Pool
}

// NewRunLog creates a RunLog backed by the given pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// LastSuccess returns the started_at of the most recent successful or
// partial run of a dataset, or nil if there is none.
func (l *RunLog) LastSuccess(ctx context.Context, dataset string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM pms_sync.run_log
		 WHERE dataset = $1 AND status IN ('success', 'partial')
		 ORDER BY started_at DESC LIMIT 1`,
		dataset,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last success for %s", dataset)
	}
	return &t, nil
}

// Start records the beginning of a dataset run and returns its row id.
func (l *RunLog) Start(ctx context.Context, runID, dataset string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO pms_sync.run_log (run_id, dataset, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		runID, dataset,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s", dataset)
	}
	return id, nil
}

// Complete marks a run finished with the given status.
func (l *RunLog) Complete(ctx context.Context, id int64, result *RunResult) error {
	status := "success"
	var records int64
	var metaJSON []byte
	if result != nil {
		if result.Status != "" {
			status = result.Status
		}
		records = result.Records
		if result.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(result.Metadata)
			if err != nil {
				return eris.Wrap(err, "runlog: marshal metadata")
			}
		}
	}

	_, err := l.pool.Exec(ctx,
		`UPDATE pms_sync.run_log
		 SET status = $1, completed_at = now(), records = $2, metadata = $3
		 WHERE id = $4`,
		status, records, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete %d", id)
	}
	return nil
}

// Fail marks a run failed with an error message.
func (l *RunLog) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE pms_sync.run_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail %d", id)
	}
	return nil
}

// Recent returns up to limit entries, most recent first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]RunEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id::text, dataset, status, started_at, completed_at, records, error, metadata
		 FROM pms_sync.run_log ORDER BY started_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list recent")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Dataset, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Records, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
