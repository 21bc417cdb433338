// Package watermark persists the end of the last successfully extracted
// window per (source, partition). Every backend replaces a key atomically
// and never deletes keys on its own.
package watermark

import (
	"context"
	"sort"
	"time"
)

// Entry is one stored watermark.
type Entry struct {
	Source    string    `json:"source"`
	Partition int       `json:"partition"`
	WindowEnd time.Time `json:"window_end"`
}

// Store reads and writes watermarks.
type Store interface {
	// Get returns the watermark for (source, partition); ok is false when
	// the partition has never completed successfully.
	Get(ctx context.Context, source string, partition int) (t time.Time, ok bool, err error)
	// Set replaces the watermark for (source, partition).
	Set(ctx context.Context, source string, partition int, windowEnd time.Time) error
	// List returns all watermarks ordered by source then partition.
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].Partition < entries[j].Partition
	})
}

// Latest returns the newest window end among entries whose source starts
// with prefix ("booking:" matches every booking field).
func Latest(entries []Entry, prefix string) (time.Time, bool) {
	var latest time.Time
	var found bool
	for _, e := range entries {
		if len(e.Source) < len(prefix) || e.Source[:len(prefix)] != prefix {
			continue
		}
		if !found || e.WindowEnd.After(latest) {
			latest, found = e.WindowEnd, true
		}
	}
	return latest, found
}
