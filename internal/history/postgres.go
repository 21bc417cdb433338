package history

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/db"
)

const recordsTable = "pms_history.records"

var recordColumns = []string{
	"dataset", "partition_id", "seq", "natural_key", "fingerprint",
	"attributes", "valid_from", "valid_to", "is_current",
}

// PostgresStore keeps histories in pms_history.records.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a store backed by pool. Run db.Migrate first.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, dataset string, partition int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT natural_key, fingerprint, attributes, valid_from, valid_to, is_current
		 FROM pms_history.records
		 WHERE dataset = $1 AND partition_id = $2
		 ORDER BY seq`,
		dataset, partition,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "history: load %s/%d", dataset, partition)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r     Record
			attrs []byte
			to    *time.Time
		)
		if err := rows.Scan(&r.Key, &r.Fingerprint, &attrs, &r.ValidFrom, &to, &r.IsCurrent); err != nil {
			return nil, eris.Wrapf(err, "history: scan %s/%d", dataset, partition)
		}
		if r.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, eris.Wrapf(err, "history: %s/%d key %s", dataset, partition, r.Key)
		}
		r.ValidFrom = r.ValidFrom.UTC()
		if to != nil {
			utc := to.UTC()
			r.ValidTo = &utc
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "history: iterate %s/%d", dataset, partition)
	}
	return records, nil
}

// Replace implements Store.
func (s *PostgresStore) Replace(ctx context.Context, dataset string, partition int, records []Record) error {
	rows := make([][]any, 0, len(records))
	for i, r := range records {
		attrs, err := encodeAttributes(r.Attributes)
		if err != nil {
			return err
		}
		var to any
		if r.ValidTo != nil {
			to = r.ValidTo.UTC()
		}
		rows = append(rows, []any{
			dataset, partition, i, r.Key, r.Fingerprint,
			string(attrs), r.ValidFrom.UTC(), to, r.IsCurrent,
		})
	}

	n, err := db.ReplacePartition(ctx, s.pool, db.PartitionReplace{
		Table:   recordsTable,
		Columns: recordColumns,
		Match:   map[string]any{"dataset": dataset, "partition_id": partition},
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "history: replace %s/%d", dataset, partition)
	}

	zap.L().Debug("history: postgres partition replaced",
		zap.String("dataset", dataset),
		zap.Int("partition", partition),
		zap.Int64("rows", n),
	)
	return nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
