package watermark

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "state", "watermarks.json"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "watermarks.db"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisStore := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "pms-sync:watermarks")

	stores := map[string]Store{"file": fileStore, "sqlite": sqliteStore, "redis": redisStore}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStores_GetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(context.Background(), "booking:check_in", 1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStores_SetGetOverwrite(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	second := first.Add(6 * time.Hour)
	ict := time.FixedZone("ICT", 7*3600)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "booking:check_in", 1, first.In(ict)))
			got, ok, err := s.Get(ctx, "booking:check_in", 1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, first.Equal(got))
			assert.Equal(t, time.UTC, got.Location())

			require.NoError(t, s.Set(ctx, "booking:check_in", 1, second))
			got, _, err = s.Get(ctx, "booking:check_in", 1)
			require.NoError(t, err)
			assert.True(t, second.Equal(got))

			// Other partitions are untouched.
			_, ok, err = s.Get(ctx, "booking:check_in", 2)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStores_ListSorted(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "room-lock:update", 3, ts))
			require.NoError(t, s.Set(ctx, "booking:check_in", 2, ts.Add(time.Hour)))
			require.NoError(t, s.Set(ctx, "booking:check_in", 1, ts))

			entries, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "booking:check_in", entries[0].Source)
			assert.Equal(t, 1, entries[0].Partition)
			assert.Equal(t, 2, entries[1].Partition)
			assert.Equal(t, "room-lock:update", entries[2].Source)
		})
	}
}

func TestStores_ConcurrentPartitions(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for p := 1; p <= 8; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					assert.NoError(t, s.Set(ctx, "booking:update", p, ts.Add(time.Duration(p)*time.Minute)))
				}(p)
			}
			wg.Wait()

			entries, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 8)
			for _, e := range entries {
				assert.True(t, ts.Add(time.Duration(e.Partition)*time.Minute).Equal(e.WindowEnd))
			}
		})
	}
}

func TestLatest(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Source: "booking:check_in", Partition: 1, WindowEnd: ts},
		{Source: "booking:update", Partition: 1, WindowEnd: ts.Add(time.Hour)},
		{Source: "room-lock:update", Partition: 1, WindowEnd: ts.Add(2 * time.Hour)},
	}

	got, ok := Latest(entries, "booking:")
	require.True(t, ok)
	assert.Equal(t, ts.Add(time.Hour), got)

	_, ok = Latest(entries, "customers:")
	assert.False(t, ok)
}
