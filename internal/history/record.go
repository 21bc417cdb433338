// Package history maintains type-2 slowly changing dimension histories:
// every change to a tracked record closes the current version and opens a
// new one, so the state at any past instant can be reconstructed.
package history

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

// ErrInvalidHistory marks a history that breaks the version invariants.
var ErrInvalidHistory = eris.New("invalid history")

// Record is one version of one natural key.
type Record struct {
	Key         string
	Attributes  flatten.Row
	Fingerprint string
	ValidFrom   time.Time
	ValidTo     *time.Time
	IsCurrent   bool
}

// Closed returns a copy of r ended at asOf.
func (r Record) Closed(asOf time.Time) Record {
	to := asOf
	r.ValidTo = &to
	r.IsCurrent = false
	return r
}

// ValidAt reports whether r was the live version at t.
func (r Record) ValidAt(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || t.Before(*r.ValidTo)
}

// Current returns the current versions in history order.
func Current(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.IsCurrent {
			out = append(out, r)
		}
	}
	return out
}

// AsOf returns the versions that were live at t.
func AsOf(records []Record, t time.Time) []Record {
	var out []Record
	for _, r := range records {
		if r.ValidAt(t) {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks that every key has at most one current version, that
// closed versions carry an end, and that versions of a key do not overlap.
func Validate(records []Record) error {
	byKey := make(map[string][]Record)
	for i, r := range records {
		switch {
		case r.Key == "":
			return eris.Wrapf(ErrInvalidHistory, "row %d has an empty key", i)
		case r.IsCurrent && r.ValidTo != nil:
			return eris.Wrapf(ErrInvalidHistory, "key %s: current version has valid_to", r.Key)
		case !r.IsCurrent && r.ValidTo == nil:
			return eris.Wrapf(ErrInvalidHistory, "key %s: closed version has no valid_to", r.Key)
		case r.ValidTo != nil && r.ValidTo.Before(r.ValidFrom):
			return eris.Wrapf(ErrInvalidHistory, "key %s: valid_to precedes valid_from", r.Key)
		}
		byKey[r.Key] = append(byKey[r.Key], r)
	}

	for key, versions := range byKey {
		current := 0
		for _, v := range versions {
			if v.IsCurrent {
				current++
			}
		}
		if current > 1 {
			return eris.Wrapf(ErrInvalidHistory, "key %s: %d current versions", key, current)
		}

		sort.SliceStable(versions, func(i, j int) bool {
			if !versions[i].ValidFrom.Equal(versions[j].ValidFrom) {
				return versions[i].ValidFrom.Before(versions[j].ValidFrom)
			}
			return !versions[i].IsCurrent && versions[j].IsCurrent
		})
		for i := 1; i < len(versions); i++ {
			prev, next := versions[i-1], versions[i]
			if prev.ValidTo == nil || prev.ValidTo.After(next.ValidFrom) {
				return eris.Wrapf(ErrInvalidHistory, "key %s: versions overlap at %s", key, next.ValidFrom.Format(time.RFC3339))
			}
		}
	}
	return nil
}
