package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/resilience"
	"github.com/kinhotel/pms-sync/internal/window"
)

var t0 = time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC)

func ok(id int) *Partition {
	return &Partition{ID: id, Status: StatusSuccess, Records: 10, History: &history.Stats{New: 2, Changed: 1, Closed: 1}}
}

func failed(id int) *Partition {
	p := &Partition{ID: id}
	p.Fail(StageExtract, errors.New("503 from upstream"), "transient")
	return p
}

func TestReport_Status(t *testing.T) {
	tests := []struct {
		name     string
		datasets []*Dataset
		want     Status
	}{
		{"nothing ran", nil, StatusSkipped},
		{"all skipped", []*Dataset{{Name: "countries", SkipReason: "not due"}}, StatusSkipped},
		{"all ok", []*Dataset{{Name: "booking", Partitions: []*Partition{ok(1), ok(2)}}}, StatusSuccess},
		{"one partition failed", []*Dataset{{Name: "booking", Partitions: []*Partition{ok(1), failed(2), ok(3)}}}, StatusPartial},
		{"every partition failed", []*Dataset{{Name: "booking", Partitions: []*Partition{failed(1), failed(2)}}}, StatusFailed},
		{"dataset setup error", []*Dataset{{Name: "booking", Error: "catalog"}}, StatusFailed},
		{"ok plus failed dataset", []*Dataset{
			{Name: "booking", Partitions: []*Partition{ok(1)}},
			{Name: "room_lock", Partitions: []*Partition{failed(1)}},
		}, StatusPartial},
		{"ok plus skipped", []*Dataset{
			{Name: "booking", Partitions: []*Partition{ok(1)}},
			{Name: "countries", SkipReason: "not due"},
		}, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(t0)
			for _, d := range tt.datasets {
				r.Add(d)
			}
			assert.Equal(t, tt.want, r.Status())
		})
	}
}

func TestReport_CountsAndFailures(t *testing.T) {
	r := New(t0)
	r.Add(&Dataset{Name: "booking", Partitions: []*Partition{ok(1), failed(2)}, Findings: []Finding{{Partition: 1, Finding: history.Finding{Kind: history.FindingMissingKey}}}})
	r.Add(&Dataset{Name: "sale_order_line", Error: "erp login"})

	c := r.Counts()
	assert.Equal(t, 1, c[StatusSuccess])
	assert.Equal(t, 1, c[StatusFailed])
	assert.Equal(t, 1, r.FindingCount())
	assert.Equal(t, []string{"booking/2", "sale_order_line"}, r.Failures())
	assert.Equal(t, 10, r.Datasets[0].Records())
}

func TestPartition_FailMarksTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth", &resilience.AuthError{StatusCode: 401}, true},
		{"protocol", &resilience.ProtocolError{Reason: "html"}, true},
		{"exhausted", &resilience.ExhaustedError{Attempts: 3, Err: errors.New("503")}, true},
		{"transient", resilience.NewTransientError(errors.New("503"), 503), false},
		{"plain", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Partition{ID: 1}
			p.Fail(StageExtract, tt.err, resilience.Classify(tt.err).String())
			assert.Equal(t, StatusFailed, p.Status)
			assert.Equal(t, tt.want, p.Terminal)
		})
	}
}

func TestReport_WriteJSON(t *testing.T) {
	r := New(t0)
	w, err := window.New(t0.Add(-24*time.Hour), t0, window.FieldCheckIn, time.UTC)
	require.NoError(t, err)
	p := ok(1)
	p.Window = &w
	r.Add(&Dataset{Name: "booking", System: "pms", Partitions: []*Partition{p, failed(2)}})
	r.Finish(t0.Add(time.Minute))

	dir := t.TempDir()
	path, err := r.WriteJSON(dir)
	require.NoError(t, err)
	assert.Contains(t, path, "run-20240615T030000Z-")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.RunID, got["run_id"])
	assert.Equal(t, "partial", got["status"])
	assert.Equal(t, float64(1), got["counts"].(map[string]any)["failed"])

	datasets := got["datasets"].([]any)
	require.Len(t, datasets, 1)
	parts := datasets[0].(map[string]any)["partitions"].([]any)
	assert.Equal(t, "transient", parts[1].(map[string]any)["error_class"])
	assert.Equal(t, "check_in", parts[0].(map[string]any)["window"].(map[string]any)["field"])
}

func TestReport_WriteTable(t *testing.T) {
	r := New(t0)
	p := ok(1)
	p.Name = "Dong Du"
	r.Add(&Dataset{Name: "booking", Partitions: []*Partition{p, failed(2)}})
	r.Add(&Dataset{Name: "countries", SkipReason: "not due"})
	r.Finish(t0.Add(90 * time.Second))

	var buf bytes.Buffer
	r.WriteTable(&buf)
	out := buf.String()

	assert.Contains(t, out, "DATASET")
	assert.Contains(t, out, "1 Dong Du")
	assert.Contains(t, out, "extract: 503 from upstream")
	assert.Contains(t, out, "not due")
	assert.Contains(t, out, "partial (1 ok, 1 failed, 0 findings) in 1m30s")
}

func TestNew_UniqueRunIDs(t *testing.T) {
	assert.NotEqual(t, New(t0).RunID, New(t0).RunID)
}
