package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/flatten"
	"github.com/kinhotel/pms-sync/internal/history"
)

var (
	day1 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
)

func sampleHistory() []history.Record {
	closed := day2
	return []history.Record{
		{Key: "1", Attributes: flatten.Row{"status": "draft"}, ValidFrom: day1, ValidTo: &closed},
		{Key: "1", Attributes: flatten.Row{"status": "confirm"}, ValidFrom: day2, IsCurrent: true},
		{Key: "2", Attributes: flatten.Row{"status": "draft"}, ValidFrom: day1, IsCurrent: true},
	}
}

func TestSelectVersions(t *testing.T) {
	records := sampleHistory()

	current, err := selectVersions(records, "", false, "")
	require.NoError(t, err)
	assert.Len(t, current, 2)

	all, err := selectVersions(records, "", true, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	past, err := selectVersions(records, "2024-05-01T12:00:00Z", false, "1")
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "draft", past[0].Attributes["status"])

	keyed, err := selectVersions(records, "", true, "1")
	require.NoError(t, err)
	assert.Len(t, keyed, 2)

	_, err = selectVersions(records, "yesterday", false, "")
	assert.Error(t, err)
}

func TestParseInstant(t *testing.T) {
	got, err := parseInstant("2024-05-02")
	require.NoError(t, err)
	assert.Equal(t, day2, got)

	got, err = parseInstant("2024-05-02T07:00:00+07:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(day2))
}

func TestFormatRecords(t *testing.T) {
	var buf bytes.Buffer
	formatRecords(&buf, sampleHistory())

	output := buf.String()
	assert.Contains(t, output, "VALID FROM")
	assert.Contains(t, output, "2024-05-02T00:00:00Z")
	assert.Contains(t, output, `{"status":"confirm"}`)
	assert.Contains(t, output, "3 version(s)")
}

func TestFormatQuarantine(t *testing.T) {
	var buf bytes.Buffer
	formatQuarantine(&buf, []history.Quarantined{
		{Index: 4, Payload: `[1,2]`, Reason: "record is not an object", ExtractedAt: day2},
	})

	output := buf.String()
	assert.Contains(t, output, "PAYLOAD")
	assert.Contains(t, output, "2024-05-02T00:00:00Z")
	assert.Contains(t, output, "record is not an object")
	assert.Contains(t, output, "[1,2]")
	assert.Contains(t, output, "1 quarantined record(s)")
}
