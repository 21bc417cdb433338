package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// FileStore keeps watermarks in one JSON document:
//
//	{"booking:check_in": {"1": "2024-03-10T12:00:00Z", "2": "..."}}
//
// Writes go to a temp file that is renamed over the original.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store at path. The file is created on first Set.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "watermark: create dir for %s", path)
	}
	return &FileStore{path: path}, nil
}

type fileState map[string]map[string]string

func (s *FileStore) load() (fileState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "watermark: read %s", s.path)
	}
	state := fileState{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, eris.Wrapf(err, "watermark: decode %s", s.path)
	}
	return state, nil
}

func (s *FileStore) save(state fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return eris.Wrap(err, "watermark: encode state")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".watermarks-*.json")
	if err != nil {
		return eris.Wrap(err, "watermark: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "watermark: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "watermark: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "watermark: close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return eris.Wrapf(err, "watermark: replace %s", s.path)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, source string, partition int) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok := state[source][strconv.Itoa(partition)]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "watermark: parse %s/%d", source, partition)
	}
	return t.UTC(), true, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, source string, partition int, windowEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if state[source] == nil {
		state[source] = map[string]string{}
	}
	state[source][strconv.Itoa(partition)] = windowEnd.UTC().Format(time.RFC3339Nano)
	return s.save(state)
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for source, parts := range state {
		for p, raw := range parts {
			id, err := strconv.Atoi(p)
			if err != nil {
				return nil, eris.Wrapf(err, "watermark: partition key %q of %s", p, source)
			}
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, eris.Wrapf(err, "watermark: parse %s/%s", source, p)
			}
			entries = append(entries, Entry{Source: source, Partition: id, WindowEnd: t.UTC()})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
