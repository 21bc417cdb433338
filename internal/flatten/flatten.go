// Package flatten turns raw PMS JSON records into flat rows keyed by column
// name, ready for historization.
package flatten

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one flattened record. Values are nil, bool, string, json.Number or
// a canonical JSON string for nested lists.
type Row map[string]any

// Func flattens one raw record into zero or more rows.
type Func func(raw json.RawMessage) ([]Row, error)

// Keys returns the row's column names sorted.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "flatten: decode record")
	}
	if obj == nil {
		return nil, eris.New("flatten: record is not a JSON object")
	}
	return obj, nil
}

// Generic flattens nested objects into dotted column names. Arrays are kept
// as canonical JSON strings.
func Generic(raw json.RawMessage) ([]Row, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	row := make(Row, len(obj))
	flattenInto(row, "", obj)
	return []Row{row}, nil
}

func flattenInto(row Row, prefix string, obj map[string]any) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]any:
			if len(tv) == 0 {
				row[name] = nil
				continue
			}
			flattenInto(row, name, tv)
		case []any:
			row[name] = stringify(tv)
		default:
			row[name] = tv
		}
	}
}

// Explode returns a Func that emits one row per element of the array found at
// the dotted path. Parent columns are kept alongside the element's columns,
// which are prefixed with the last path segment. A record without the array
// yields no rows.
func Explode(path string) Func {
	segments := strings.Split(path, ".")
	prefix := segments[len(segments)-1]
	return func(raw json.RawMessage) ([]Row, error) {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		items, parent, err := detach(obj, segments)
		if err != nil {
			return nil, err
		}
		base := make(Row, len(parent))
		flattenInto(base, "", parent)

		rows := make([]Row, 0, len(items))
		for i, item := range items {
			row := base.Clone()
			switch tv := item.(type) {
			case map[string]any:
				flattenInto(row, prefix, tv)
			case nil:
				continue
			default:
				return nil, eris.Errorf("flatten: %s[%d] is not an object", path, i)
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
}

// detach removes the array at segments from obj and returns it along with the
// remaining object.
func detach(obj map[string]any, segments []string) ([]any, map[string]any, error) {
	cur := obj
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, obj, nil
		}
		cur = next
	}
	last := segments[len(segments)-1]
	v, ok := cur[last]
	if !ok || v == nil {
		return nil, obj, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, nil, eris.Errorf("flatten: %s is not an array", strings.Join(segments, "."))
	}
	delete(cur, last)
	return items, obj, nil
}

// stringify renders lists and objects as compact JSON with sorted keys.
func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
