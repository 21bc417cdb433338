package watermark

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/db"
)

// PostgresStore keeps watermarks in pms_sync.watermarks.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a store backed by pool. Run db.Migrate first.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, source string, partition int) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT window_end FROM pms_sync.watermarks
		 WHERE source_key = $1 AND partition_id = $2`,
		source, partition,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: postgres get %s/%d", source, partition)
	}
	return t.UTC(), true, nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, source string, partition int, windowEnd time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pms_sync.watermarks (source_key, partition_id, window_end, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_key, partition_id)
		 DO UPDATE SET window_end = EXCLUDED.window_end, updated_at = now()`,
		source, partition, windowEnd.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "watermark: postgres set %s/%d", source, partition)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_key, partition_id, window_end FROM pms_sync.watermarks
		 ORDER BY source_key, partition_id`)
	if err != nil {
		return nil, eris.Wrap(err, "watermark: postgres list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Source, &e.Partition, &e.WindowEnd); err != nil {
			return nil, eris.Wrap(err, "watermark: postgres scan")
		}
		e.WindowEnd = e.WindowEnd.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
