package flatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

var registry = map[string]Func{
	"generic":       Generic,
	"booking_lines": BookingLines,
	"room_lock":     RoomLock,
}

// Lookup resolves a flattener by name. Names of the form "explode:<path>"
// build an Explode flattener for that path; an empty name means generic.
func Lookup(name string) (Func, error) {
	if name == "" {
		return Generic, nil
	}
	if path, ok := strings.CutPrefix(name, "explode:"); ok {
		if path == "" {
			return nil, eris.New("flatten: explode requires a path")
		}
		return Explode(path), nil
	}
	fn, ok := registry[name]
	if !ok {
		return nil, eris.Errorf("flatten: unknown flattener %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return fn, nil
}

// Names lists the registered flatteners.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NaturalKey renders the composite key for fields, joined by "|". It reports
// false when any component is missing or empty.
func NaturalKey(row Row, fields []string) (string, bool) {
	if len(fields) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			return "", false
		}
		s := textOf(v)
		if strings.TrimSpace(s) == "" {
			return "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), true
}

// Rejected is a record the flattener could not turn into rows. Raw keeps the
// payload as received so it can be quarantined and replayed.
type Rejected struct {
	Index int
	Raw   json.RawMessage
	Err   error
}

func (r Rejected) Error() string {
	return fmt.Sprintf("record %d: %v", r.Index, r.Err)
}

// Records flattens a batch, returning the rows and the rejected records. A
// record that fails is skipped.
func Records(fn Func, raws []json.RawMessage) ([]Row, []Rejected) {
	rows := make([]Row, 0, len(raws))
	var bad []Rejected
	for i, raw := range raws {
		out, err := fn(raw)
		if err != nil {
			bad = append(bad, Rejected{Index: i, Raw: raw, Err: err})
			continue
		}
		rows = append(rows, out...)
	}
	return rows, bad
}
