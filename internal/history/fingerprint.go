package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

// FieldType controls how a column is canonicalized before hashing.
type FieldType string

const (
	TypeAuto    FieldType = ""
	TypeString  FieldType = "string"
	TypeNumeric FieldType = "numeric"
	TypeTime    FieldType = "time"
	TypeBool    FieldType = "bool"
)

// ParseFieldType validates a configured type name.
func ParseFieldType(s string) (FieldType, error) {
	switch t := FieldType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeAuto, TypeString, TypeNumeric, TypeTime, TypeBool:
		return t, nil
	default:
		return TypeAuto, eris.Errorf("history: unknown field type %q", s)
	}
}

const nullMarker = "\x00"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// fingerprinter hashes rows in a way that ignores column order and value
// representation.
type fingerprinter struct {
	fields []string
	ignore map[string]bool
	types  map[string]FieldType
	loc    *time.Location
}

// conversionError is a value that could not be canonicalized.
type conversionError struct {
	Field string
	Err   error
}

// fingerprint returns the hex SHA-256 for row along with any conversion
// failures. Fields that fail are hashed as null.
func (f *fingerprinter) fingerprint(row flatten.Row) (string, []conversionError) {
	fields := f.fields
	if len(fields) == 0 {
		fields = make([]string, 0, len(row))
		for k, v := range row {
			if v != nil && !f.ignore[k] {
				fields = append(fields, k)
			}
		}
		sort.Strings(fields)
	}

	var failures []conversionError
	h := sha256.New()
	for _, name := range fields {
		c, err := canonical(row[name], f.types[name], f.loc)
		if err != nil {
			failures = append(failures, conversionError{Field: name, Err: err})
			c = nullMarker
		}
		h.Write([]byte(name))
		h.Write([]byte{0x1f})
		h.Write([]byte(c))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil)), failures
}

// canonical renders v in a type-tagged form so that equal values in different
// representations produce the same string.
func canonical(v any, typ FieldType, loc *time.Location) (string, error) {
	if v == nil {
		return nullMarker, nil
	}
	switch typ {
	case TypeNumeric:
		d, ok, err := toDecimal(v)
		if err != nil {
			return "", err
		}
		if !ok {
			return nullMarker, nil
		}
		return "n:" + d.String(), nil
	case TypeTime:
		t, ok, err := toTime(v, loc)
		if err != nil {
			return "", err
		}
		if !ok {
			return nullMarker, nil
		}
		return "t:" + t.UTC().Format(time.RFC3339Nano), nil
	case TypeBool:
		b, err := toBool(v)
		if err != nil {
			return "", err
		}
		return "b:" + strconv.FormatBool(b), nil
	case TypeString:
		switch tv := v.(type) {
		case string:
			return "s:" + norm.NFC.String(tv), nil
		case json.Number:
			return "s:" + tv.String(), nil
		case bool:
			return "s:" + strconv.FormatBool(tv), nil
		}
		return canonical(v, TypeAuto, loc)
	}

	switch tv := v.(type) {
	case string:
		return "s:" + norm.NFC.String(tv), nil
	case bool:
		return "b:" + strconv.FormatBool(tv), nil
	case time.Time:
		return "t:" + tv.UTC().Format(time.RFC3339Nano), nil
	case json.Number, decimal.Decimal, int, int32, int64, uint, uint32, uint64, float32, float64:
		d, _, err := toDecimal(tv)
		if err != nil {
			return "", err
		}
		return "n:" + d.String(), nil
	case map[string]any, []any:
		b, err := json.Marshal(normalizeNested(tv))
		if err != nil {
			return "", eris.Wrap(err, "marshal nested value")
		}
		return "j:" + string(b), nil
	default:
		return "", eris.Errorf("unsupported value type %T", v)
	}
}

func normalizeNested(v any) any {
	switch tv := v.(type) {
	case string:
		return norm.NFC.String(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, x := range tv {
			out[norm.NFC.String(k)] = normalizeNested(x)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, x := range tv {
			out[i] = normalizeNested(x)
		}
		return out
	default:
		return v
	}
}

// toDecimal reports ok=false for an empty string.
func toDecimal(v any) (decimal.Decimal, bool, error) {
	switch tv := v.(type) {
	case decimal.Decimal:
		return tv, true, nil
	case json.Number:
		d, err := decimal.NewFromString(tv.String())
		if err != nil {
			return decimal.Zero, false, eris.Wrapf(err, "parse number %q", tv)
		}
		return d, true, nil
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return decimal.Zero, false, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false, eris.Errorf("not a number: %q", tv)
		}
		return d, true, nil
	case int:
		return decimal.NewFromInt(int64(tv)), true, nil
	case int32:
		return decimal.NewFromInt32(tv), true, nil
	case int64:
		return decimal.NewFromInt(tv), true, nil
	case uint:
		return decimal.RequireFromString(strconv.FormatUint(uint64(tv), 10)), true, nil
	case uint32:
		return decimal.NewFromInt(int64(tv)), true, nil
	case uint64:
		return decimal.RequireFromString(strconv.FormatUint(tv, 10)), true, nil
	case float32:
		return decimal.NewFromFloat32(tv), true, nil
	case float64:
		return decimal.NewFromFloat(tv), true, nil
	default:
		return decimal.Zero, false, eris.Errorf("not a number: %v (%T)", v, v)
	}
}

// toTime parses naive timestamps in loc. ok=false for an empty string.
func toTime(v any, loc *time.Location) (time.Time, bool, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true, nil
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return time.Time{}, false, nil
		}
		if loc == nil {
			loc = time.UTC
		}
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true, nil
			}
		}
		return time.Time{}, false, eris.Errorf("not a timestamp: %q", tv)
	default:
		return time.Time{}, false, eris.Errorf("not a timestamp: %v (%T)", v, v)
	}
}

func toBool(v any) (bool, error) {
	switch tv := v.(type) {
	case bool:
		return tv, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(tv))
		if err != nil {
			return false, eris.Errorf("not a boolean: %q", tv)
		}
		return b, nil
	case json.Number:
		switch tv.String() {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
	}
	return false, eris.Errorf("not a boolean: %v (%T)", v, v)
}
