package erp

import (
	"strings"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

// RowOptions controls how exported CSV records become rows.
type RowOptions struct {
	Fields []Field
	// LinesPath names the one-to-many relation exported alongside the parent,
	// e.g. "order_line". Parent columns are blank on continuation lines and
	// are filled down from the previous row.
	LinesPath string
	Rename    map[string]string
}

// Rows converts label-keyed CSV records to flat rows keyed by (renamed)
// field name. Empty cells become nil.
func Rows(records []map[string]string, opts RowOptions) []flatten.Row {
	byLabel := make(map[string]Field, len(opts.Fields))
	for _, f := range opts.Fields {
		byLabel[f.Label] = f
		byLabel[f.Name] = f
	}

	var parent []string
	if opts.LinesPath != "" {
		prefix := opts.LinesPath + "/"
		for _, f := range opts.Fields {
			if !strings.HasPrefix(f.Name, prefix) {
				parent = append(parent, f.Name)
			}
		}
	}

	rows := make([]flatten.Row, 0, len(records))
	var last map[string]string
	for _, rec := range records {
		byName := make(map[string]string, len(rec))
		for col, v := range rec {
			name := col
			if f, ok := byLabel[col]; ok {
				name = f.Name
			}
			byName[name] = v
		}

		if len(parent) > 0 {
			if last != nil && allBlank(byName, parent) {
				for _, p := range parent {
					byName[p] = last[p]
				}
			}
			last = byName
		}

		row := make(flatten.Row, len(byName))
		for name, v := range byName {
			if to, ok := opts.Rename[name]; ok {
				name = to
			}
			if strings.TrimSpace(v) == "" {
				row[name] = nil
				continue
			}
			row[name] = v
		}
		rows = append(rows, row)
	}
	return rows
}

func allBlank(rec map[string]string, cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(rec[c]) != "" {
			return false
		}
	}
	return true
}
