package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/catalog"
	"github.com/kinhotel/pms-sync/internal/config"
)

func TestOpenWatermarks_Backends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  config.WatermarkConfig
	}{
		{"file", config.WatermarkConfig{Backend: "file", Path: filepath.Join(dir, "state", "wm.json")}},
		{"sqlite", config.WatermarkConfig{Backend: "sqlite", Path: filepath.Join(dir, "state", "wm.db")}},
		{"redis", config.WatermarkConfig{Backend: "redis", RedisURL: "redis://" + mr.Addr(), RedisKey: "test:wm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wm, err := openWatermarks(ctx, tt.cfg, nil)
			require.NoError(t, err)
			defer wm.Close() //nolint:errcheck

			end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, wm.Set(ctx, "bookings:check_in", 1, end))
			got, ok, err := wm.Get(ctx, "bookings:check_in", 1)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, got.Equal(end))
		})
	}
}

func TestOpenWatermarks_Errors(t *testing.T) {
	_, err := openWatermarks(context.Background(), config.WatermarkConfig{Backend: "postgres"}, nil)
	assert.Error(t, err)
	_, err = openWatermarks(context.Background(), config.WatermarkConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

func TestOpenHistory(t *testing.T) {
	s, err := openHistory(config.HistoryConfig{Backend: "parquet", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = openHistory(config.HistoryConfig{Backend: "postgres"}, nil)
	assert.Error(t, err)
	_, err = openHistory(config.HistoryConfig{Backend: "csv"}, nil)
	assert.Error(t, err)
}

func TestNeedsDatabase(t *testing.T) {
	c := &config.Config{
		Watermark: config.WatermarkConfig{Backend: "file"},
		History:   config.HistoryConfig{Backend: "parquet"},
	}
	assert.False(t, needsDatabase(c))

	c.History.Backend = "postgres"
	assert.True(t, needsDatabase(c))

	c.History.Backend = "parquet"
	c.Database.URL = "postgres://localhost/pms"
	assert.True(t, needsDatabase(c), "run log uses the database when one is configured")
}

func TestOpenPool_MissingURL(t *testing.T) {
	c := &config.Config{Watermark: config.WatermarkConfig{Backend: "postgres"}}
	_, err := openPool(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")

	pool, err := openPool(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestFormatCatalog(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	var buf bytes.Buffer
	formatCatalog(&buf, cat)

	output := buf.String()
	assert.Contains(t, output, "booking")
	assert.Contains(t, output, "check_in (rolling)")
	assert.Contains(t, output, "per branch")
	assert.Contains(t, output, "weekly")
	assert.Contains(t, output, "branch 1: KIN HOTEL DONG DU")
}
