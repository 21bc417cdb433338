package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// CopyFrom bulk-inserts rows into a possibly schema-qualified table
// ("pms_history.records") using the COPY protocol.
func CopyFrom(ctx context.Context, c copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := c.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// PartitionReplace describes one all-or-nothing partition rewrite.
type PartitionReplace struct {
	Table   string         // target table, e.g. "pms_history.records"
	Columns []string       // columns being copied
	Match   map[string]any // equality filter selecting the partition to replace
}

// ReplacePartition deletes every row matching part.Match and copies rows in,
// inside one transaction. Readers see either the old or the new partition.
func ReplacePartition(ctx context.Context, pool Pool, part PartitionReplace, rows [][]any) (int64, error) {
	if len(part.Columns) == 0 {
		return 0, eris.New("db: replace: no columns specified")
	}
	if len(part.Match) == 0 {
		return 0, eris.New("db: replace: no partition filter specified")
	}

	where, args := whereClause(part.Match)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s", sanitizeTable(part.Table), where)
	if _, err := tx.Exec(ctx, deleteSQL, args...); err != nil {
		return 0, eris.Wrapf(err, "db: replace: delete partition of %s", part.Table)
	}

	n, err := CopyFrom(ctx, tx, part.Table, part.Columns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return n, nil
}

// whereClause renders match as "a" = $1 AND "b" = $2 with keys sorted so the
// statement text is stable.
func whereClause(match map[string]any) (string, []any) {
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	clauses := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		clauses[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
		args[i] = match[k]
	}
	return strings.Join(clauses, " AND "), args
}

func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}

// sanitizeTable handles schema-qualified table names like "pms_history.records".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}
