// Package window decides which time range each extraction covers.
package window

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DisplayLayout is the timestamp layout the PMS API expects in query params.
const DisplayLayout = "2006-01-02 15:04:05"

// Field names with known filter semantics.
const (
	FieldCheckIn     = "check_in"
	FieldCreate      = "create"
	FieldCreatedDate = "created_date"
	FieldUpdate      = "update"
	FieldLastUpdated = "last_updated"
)

// Strategy selects how a window is derived from the watermark.
type Strategy string

const (
	// Rolling re-reads a fixed lookback regardless of the watermark, for
	// filters whose historical values can still change (future check-ins).
	Rolling Strategy = "rolling"
	// Delta reads from the watermark minus a safety margin.
	Delta Strategy = "delta"
)

// ParseStrategy parses s, with "" meaning "derive from the field".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Rolling, Delta:
		return Strategy(s), nil
	case "":
		return "", nil
	}
	return "", eris.Errorf("window: unknown strategy %q", s)
}

// StrategyForField returns the default strategy for a filter field.
// Unknown fields fall back to Delta.
func StrategyForField(field string) Strategy {
	switch field {
	case FieldCheckIn, FieldCreate, FieldCreatedDate:
		return Rolling
	case FieldUpdate, FieldLastUpdated, "update_from":
		return Delta
	}
	zap.L().Warn("unknown window field, defaulting to delta strategy", zap.String("field", field))
	return Delta
}

// paramNames maps a filter field onto its API query parameter pair.
var paramNames = map[string][2]string{
	FieldCheckIn:     {"check_in_from", "check_in_to"},
	FieldCreate:      {"created_date_from", "created_date_to"},
	FieldCreatedDate: {"created_date_from", "created_date_to"},
	FieldUpdate:      {"update_from", "update_to"},
	FieldLastUpdated: {"last_updated_from", "last_updated_to"},
}

// DateWindow is a half-open [Start, End) interval in UTC.
type DateWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Field string    `json:"field"`

	loc *time.Location
}

// New builds a window. Both instants are normalized to UTC; Start after End
// is an error.
func New(start, end time.Time, field string, loc *time.Location) (DateWindow, error) {
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return DateWindow{}, eris.Errorf("window: start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if loc == nil {
		loc = DefaultLocation()
	}
	return DateWindow{Start: start, End: end, Field: field, loc: loc}, nil
}

// Location returns the presentation zone.
func (w DateWindow) Location() *time.Location {
	if w.loc == nil {
		return DefaultLocation()
	}
	return w.loc
}

// FormatStart renders Start in the presentation zone.
func (w DateWindow) FormatStart() string {
	return w.Start.In(w.Location()).Format(DisplayLayout)
}

// FormatEnd renders End in the presentation zone.
func (w DateWindow) FormatEnd() string {
	return w.End.In(w.Location()).Format(DisplayLayout)
}

// Params returns the query parameters selecting this window for its field.
// Unknown fields use "{field}_from" / "{field}_to".
func (w DateWindow) Params() map[string]string {
	names, ok := paramNames[w.Field]
	if !ok {
		names = [2]string{w.Field + "_from", w.Field + "_to"}
	}
	return map[string]string{
		names[0]: w.FormatStart(),
		names[1]: w.FormatEnd(),
	}
}

// Duration returns End - Start.
func (w DateWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w DateWindow) String() string {
	return fmt.Sprintf("%s[%s, %s)", w.Field, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// DefaultLocation is Asia/Ho_Chi_Minh, or a fixed UTC+7 zone when the tz
// database is unavailable.
func DefaultLocation() *time.Location {
	return LoadLocation("Asia/Ho_Chi_Minh")
}

// LoadLocation loads name, falling back to a fixed UTC+7 zone.
func LoadLocation(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone("ICT", 7*60*60)
}
