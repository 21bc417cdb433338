package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/catalog"
	"github.com/kinhotel/pms-sync/internal/config"
	"github.com/kinhotel/pms-sync/internal/db"
	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/pipeline"
	"github.com/kinhotel/pms-sync/internal/watermark"
)

// needsDatabase reports whether any configured backend uses Postgres.
func needsDatabase(c *config.Config) bool {
	return c.Database.URL != "" || c.Watermark.Backend == "postgres" || c.History.Backend == "postgres"
}

// openPool connects to cfg.Database.URL and applies pending migrations. It
// returns nil when no database is configured.
func openPool(ctx context.Context, c *config.Config) (*pgxpool.Pool, error) {
	if !needsDatabase(c) {
		return nil, nil
	}
	if c.Database.URL == "" {
		return nil, eris.New("no database.url configured (set PMSSYNC_DATABASE_URL)")
	}
	pool, err := db.Connect(ctx, c.Database.URL, c.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "migrate")
	}
	return pool, nil
}

// backends holds the stores a command opened.
type backends struct {
	pool       *pgxpool.Pool
	watermarks watermark.Store
	history    history.Store
}

// openBackends opens the database (when configured) and the watermark and
// history stores. Close releases whatever was opened.
func openBackends(ctx context.Context, c *config.Config) (*backends, error) {
	b := &backends{}
	pool, err := openPool(ctx, c)
	if err != nil {
		return nil, err
	}
	b.pool = pool

	var dbPool db.Pool
	if pool != nil {
		dbPool = pool
	}
	if b.watermarks, err = openWatermarks(ctx, c.Watermark, dbPool); err != nil {
		b.Close()
		return nil, err
	}
	if b.history, err = openHistory(c.History, dbPool); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// runLog returns the Postgres run log, or nil without a database.
func (b *backends) runLog() *pipeline.RunLog {
	if b.pool == nil {
		return nil
	}
	return pipeline.NewRunLog(b.pool)
}

func (b *backends) Close() {
	if b.history != nil {
		_ = b.history.Close()
	}
	if b.watermarks != nil {
		_ = b.watermarks.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// openWatermarks builds the configured watermark backend. pool may be nil
// unless the backend is postgres.
func openWatermarks(ctx context.Context, c config.WatermarkConfig, pool db.Pool) (watermark.Store, error) {
	switch c.Backend {
	case "file":
		if err := ensureParent(c.Path); err != nil {
			return nil, err
		}
		s, err := watermark.NewFileStore(c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		if err := ensureParent(c.Path); err != nil {
			return nil, err
		}
		s, err := watermark.NewSQLiteStore(ctx, c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := watermark.NewRedisStore(ctx, c.RedisURL, c.RedisKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if pool == nil {
			return nil, eris.New("postgres watermark backend needs a database pool")
		}
		return watermark.NewPostgresStore(pool), nil
	default:
		return nil, eris.Errorf("unknown watermark backend %q", c.Backend)
	}
}

// openHistory builds the configured history backend.
func openHistory(c config.HistoryConfig, pool db.Pool) (history.Store, error) {
	switch c.Backend {
	case "parquet":
		s, err := history.NewParquetStore(c.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if pool == nil {
			return nil, eris.New("postgres history backend needs a database pool")
		}
		return history.NewPostgresStore(pool), nil
	default:
		return nil, eris.Errorf("unknown history backend %q", c.Backend)
	}
}

// loadCatalog reads the catalog from flag, config, or the embedded default.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		path = cfg.CatalogFile
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		zap.L().Debug("catalog loaded", zap.String("path", path), zap.Int("datasets", len(cat.Datasets)))
	}
	return cat, nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "create %s", dir)
	}
	return nil
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBranches parses a comma-separated list of positive branch ids.
func parseBranches(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, eris.Errorf("invalid branch id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
