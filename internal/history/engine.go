package history

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

// Finding kinds.
const (
	FindingMissingKey   = "missing_key"
	FindingDuplicateKey = "duplicate_key"
	FindingConversion   = "conversion"
	FindingMalformed    = "malformed_record"
)

// Finding is a data-quality observation recorded while applying a snapshot.
type Finding struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Config describes one dataset's history.
type Config struct {
	Dataset   string
	KeyFields []string
	// TrackedFields are hashed to detect change. Empty means every non-null
	// column except the ignored ones.
	TrackedFields []string
	Ignore        []string
	Types         map[string]FieldType
	Location      *time.Location
}

// Stats counts what Apply did.
type Stats struct {
	New        int `json:"new"`
	Changed    int `json:"changed"`
	Unchanged  int `json:"unchanged"`
	Retained   int `json:"retained"`
	Closed     int `json:"closed"`
	Dropped    int `json:"dropped"`
	Duplicates int `json:"duplicates"`
}

// Result is the new history plus what happened.
type Result struct {
	History  []Record
	Stats    Stats
	Findings []Finding
	AsOf     time.Time
	// Skipped is set when the snapshot was empty and history was left as is.
	Skipped bool
}

// Engine applies snapshots to histories.
type Engine struct {
	cfg Config
	fp  *fingerprinter
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.KeyFields) == 0 {
		return nil, eris.Errorf("history: dataset %q has no natural key fields", cfg.Dataset)
	}
	ignore := make(map[string]bool, len(cfg.Ignore)+len(cfg.KeyFields))
	for _, f := range cfg.Ignore {
		ignore[f] = true
	}
	for _, f := range cfg.KeyFields {
		ignore[f] = true
	}
	tracked := slices.Clone(cfg.TrackedFields)
	slices.Sort(tracked)
	tracked = slices.Compact(tracked)

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		cfg: cfg,
		fp:  &fingerprinter{fields: tracked, ignore: ignore, types: cfg.Types, loc: loc},
	}, nil
}

type staged struct {
	key   string
	attrs flatten.Row
	fp    string
}

// Apply merges snapshot into previous as of asOf.
//
// Keys with an unchanged fingerprint keep their current version. Changed keys
// get their current version closed at asOf and a new version opened at asOf.
// Keys absent from the snapshot stay current. An empty snapshot returns the
// previous history untouched.
func (e *Engine) Apply(snapshot []flatten.Row, previous []Record, asOf time.Time) (*Result, error) {
	if asOf.IsZero() {
		return nil, eris.New("history: as_of is required")
	}
	asOf = asOf.UTC()
	if err := Validate(previous); err != nil {
		return nil, eris.Wrapf(err, "history: %s previous history", e.cfg.Dataset)
	}

	res := &Result{AsOf: asOf}
	if len(snapshot) == 0 {
		res.History = slices.Clone(previous)
		res.Skipped = true
		res.Stats.Retained = len(Current(previous))
		return res, nil
	}

	rows, index := e.stage(snapshot, res)

	out := make([]Record, 0, len(previous)+len(rows))
	for _, r := range previous {
		if !r.IsCurrent {
			out = append(out, r)
		}
	}

	active := make(map[string]bool)
	changed := make(map[string]bool)
	for _, r := range previous {
		if !r.IsCurrent {
			continue
		}
		active[r.Key] = true
		j, ok := index[r.Key]
		if !ok {
			res.Stats.Retained++
			out = append(out, r)
			continue
		}
		if e.previousFingerprint(r) == rows[j].fp {
			res.Stats.Unchanged++
			out = append(out, r)
			continue
		}
		if asOf.Before(r.ValidFrom) {
			return nil, eris.Errorf("history: %s key %s: as_of %s precedes current version from %s",
				e.cfg.Dataset, r.Key, asOf.Format(time.RFC3339), r.ValidFrom.Format(time.RFC3339))
		}
		out = append(out, r.Closed(asOf))
		changed[r.Key] = true
		res.Stats.Closed++
	}

	for _, s := range rows {
		switch {
		case changed[s.key]:
			res.Stats.Changed++
		case active[s.key]:
			continue
		default:
			res.Stats.New++
		}
		out = append(out, Record{
			Key:         s.key,
			Attributes:  s.attrs,
			Fingerprint: s.fp,
			ValidFrom:   asOf,
			IsCurrent:   true,
		})
	}

	if err := Validate(out); err != nil {
		return nil, eris.Wrapf(err, "history: %s merged history", e.cfg.Dataset)
	}
	res.History = out
	return res, nil
}

// stage keys and fingerprints the snapshot. Rows without a key are dropped;
// for duplicate keys the last row wins.
func (e *Engine) stage(snapshot []flatten.Row, res *Result) ([]staged, map[string]int) {
	rows := make([]staged, 0, len(snapshot))
	index := make(map[string]int, len(snapshot))
	for i, row := range snapshot {
		key, ok := flatten.NaturalKey(row, e.cfg.KeyFields)
		if !ok {
			res.Stats.Dropped++
			msg := fmt.Sprintf("row %d has no value for %s", i, strings.Join(e.cfg.KeyFields, ", "))
			res.Findings = append(res.Findings, Finding{Kind: FindingMissingKey, Message: msg})
			zap.L().Warn("history: dropping row without natural key",
				zap.String("dataset", e.cfg.Dataset),
				zap.Int("row", i),
				zap.Strings("key_fields", e.cfg.KeyFields),
			)
			continue
		}

		attrs := row.Clone()
		fp, failures := e.fp.fingerprint(attrs)
		for _, f := range failures {
			attrs[f.Field] = nil
			res.Findings = append(res.Findings, Finding{
				Kind:    FindingConversion,
				Key:     key,
				Field:   f.Field,
				Message: f.Err.Error(),
			})
		}

		s := staged{key: key, attrs: attrs, fp: fp}
		if j, dup := index[key]; dup {
			rows[j] = s
			res.Stats.Duplicates++
			res.Findings = append(res.Findings, Finding{
				Kind:    FindingDuplicateKey,
				Key:     key,
				Message: fmt.Sprintf("row %d repeats the key; the later row is kept", i),
			})
			continue
		}
		index[key] = len(rows)
		rows = append(rows, s)
	}
	return rows, index
}

func (e *Engine) previousFingerprint(r Record) string {
	if r.Fingerprint != "" {
		return r.Fingerprint
	}
	fp, _ := e.fp.fingerprint(r.Attributes)
	return fp
}

// Fingerprint exposes the engine's hash for a single row.
func (e *Engine) Fingerprint(row flatten.Row) string {
	fp, _ := e.fp.fingerprint(row)
	return fp
}
