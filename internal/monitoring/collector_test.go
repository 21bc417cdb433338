package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/pipeline"
	"github.com/kinhotel/pms-sync/internal/watermark"
)

type mockRunLog struct {
	runs []pipeline.RunEntry
	err  error
}

func (m *mockRunLog) Recent(_ context.Context, limit int) ([]pipeline.RunEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.runs) > limit {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

var collectNow = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func newWatermarks(t *testing.T) *watermark.FileStore {
	t.Helper()
	wm, err := watermark.NewFileStore(filepath.Join(t.TempDir(), "wm.json"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, wm.Set(ctx, "bookings:check_in", 1, collectNow.Add(-2*time.Hour)))
	require.NoError(t, wm.Set(ctx, "bookings:check_in", 2, collectNow.Add(-5*24*time.Hour)))
	require.NoError(t, wm.Set(ctx, "countries:", 0, collectNow.Add(-4*24*time.Hour)))
	return wm
}

func TestCollector_Collect(t *testing.T) {
	runs := &mockRunLog{runs: []pipeline.RunEntry{
		{ID: 3, Dataset: "booking", Status: "partial"},
		{ID: 2, Dataset: "countries", Status: "failed"},
		{ID: 1, Dataset: "booking", Status: "success"},
	}}
	c := NewCollector(newWatermarks(t), runs)
	c.now = func() time.Time { return collectNow }

	snap, err := c.Collect(context.Background(), 72*time.Hour, 50)
	require.NoError(t, err)
	assert.Len(t, snap.Watermarks, 3)
	require.Len(t, snap.Stale, 2)
	assert.Equal(t, "bookings:check_in", snap.Stale[0].Source)
	assert.Equal(t, 2, snap.Stale[0].Partition)
	assert.Equal(t, "countries:", snap.Stale[1].Source)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, collectNow, snap.CollectedAt)
}

func TestCollector_StaleDisabledAndNoRunLog(t *testing.T) {
	c := NewCollector(newWatermarks(t), nil)
	c.now = func() time.Time { return collectNow }

	snap, err := c.Collect(context.Background(), 0, 50)
	require.NoError(t, err)
	assert.Empty(t, snap.Stale)
	assert.Empty(t, snap.Runs)
}

func TestCollector_RunLogError(t *testing.T) {
	c := NewCollector(newWatermarks(t), &mockRunLog{err: errors.New("db down")})
	_, err := c.Collect(context.Background(), time.Hour, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}
