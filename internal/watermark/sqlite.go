package watermark

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps watermarks in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watermarks (
	source_key   TEXT    NOT NULL,
	partition_id INTEGER NOT NULL,
	window_end   TEXT    NOT NULL,
	updated_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (source_key, partition_id)
);
`

// NewSQLiteStore opens dsn, configures WAL mode and creates the table.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "watermark: open sqlite")
	}
	// One writer at a time; concurrent partitions serialize here.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "watermark: sqlite init")
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, source string, partition int) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT window_end FROM watermarks WHERE source_key = ? AND partition_id = ?`,
		source, partition,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: sqlite get %s/%d", source, partition)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: parse %s/%d", source, partition)
	}
	return t.UTC(), true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, source string, partition int, windowEnd time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (source_key, partition_id, window_end, updated_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT (source_key, partition_id)
		 DO UPDATE SET window_end = excluded.window_end, updated_at = excluded.updated_at`,
		source, partition, windowEnd.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return eris.Wrapf(err, "watermark: sqlite set %s/%d", source, partition)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_key, partition_id, window_end FROM watermarks ORDER BY source_key, partition_id`)
	if err != nil {
		return nil, eris.Wrap(err, "watermark: sqlite list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.Source, &e.Partition, &raw); err != nil {
			return nil, eris.Wrap(err, "watermark: sqlite scan")
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, eris.Wrapf(err, "watermark: parse %s/%d", e.Source, e.Partition)
		}
		e.WindowEnd = t.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
