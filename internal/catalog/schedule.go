package catalog

import (
	"time"

	"github.com/rotisserie/eris"
)

// Cadence describes how often a dataset should be synced. Empty means every run.
type Cadence string

const (
	Always  Cadence = ""
	Hourly  Cadence = "hourly"
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// ParseCadence validates a cadence name.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case Always, Hourly, Daily, Weekly, Monthly:
		return c, nil
	default:
		return Always, eris.Errorf("unknown cadence %q (valid: hourly, daily, weekly, monthly)", s)
	}
}

// ShouldRun decides if a dataset with this cadence needs syncing given the
// current time and its last successful sync (nil if never synced).
func (c Cadence) ShouldRun(now time.Time, lastSync *time.Time) bool {
	switch c {
	case Hourly:
		return HourlySchedule(now, lastSync)
	case Daily:
		return DailySchedule(now, lastSync)
	case Weekly:
		return WeeklySchedule(now, lastSync)
	case Monthly:
		return MonthlySchedule(now, lastSync)
	default:
		return true
	}
}

// HourlySchedule returns true if no sync has happened in the current hour.
func HourlySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	return lastSync.Before(now.Truncate(time.Hour))
}

// DailySchedule returns true if a sync is needed for a daily dataset. Days
// are counted in now's location.
func DailySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return lastSync.Before(today)
}

// WeeklySchedule returns true if a sync is needed for a weekly dataset.
func WeeklySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	// Start of the ISO week (Monday).
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, now.Location())
	return lastSync.Before(weekStart)
}

// MonthlySchedule returns true if a sync is needed for a monthly dataset.
func MonthlySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return lastSync.Before(thisMonth)
}
