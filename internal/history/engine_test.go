package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/flatten"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	t1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Dataset:       "booking",
		KeyFields:     []string{"id"},
		TrackedFields: []string{"status", "price"},
		Types:         map[string]FieldType{"price": TypeNumeric},
	})
	require.NoError(t, err)
	return e
}

func row(id, status string, price any) flatten.Row {
	return flatten.Row{"id": id, "status": status, "price": price}
}

func keys(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	return out
}

func TestNewEngine_RequiresKey(t *testing.T) {
	_, err := NewEngine(Config{Dataset: "x"})
	assert.Error(t, err)
}

func TestApply_InitialLoad(t *testing.T) {
	e := newEngine(t)
	res, err := e.Apply([]flatten.Row{row("K1", "A", 1), row("K2", "B", 2)}, nil, t1)
	require.NoError(t, err)

	assert.Equal(t, Stats{New: 2}, res.Stats)
	require.Len(t, res.History, 2)
	for _, r := range res.History {
		assert.True(t, r.IsCurrent)
		assert.Equal(t, t1, r.ValidFrom)
		assert.Nil(t, r.ValidTo)
		assert.NotEmpty(t, r.Fingerprint)
	}
	assert.Equal(t, []string{"K1", "K2"}, keys(res.History))
}

// K1 unchanged, K2 changed, K3 new, K4 absent from the snapshot.
func TestApply_ChangeClassification(t *testing.T) {
	e := newEngine(t)
	first, err := e.Apply([]flatten.Row{row("K1", "A", 1), row("K2", "B", 2), row("K4", "D", 4)}, nil, t1)
	require.NoError(t, err)

	res, err := e.Apply([]flatten.Row{row("K1", "A", "1.0"), row("K2", "C", 2), row("K3", "X", 3)}, first.History, t2)
	require.NoError(t, err)

	assert.Equal(t, Stats{New: 1, Changed: 1, Unchanged: 1, Retained: 1, Closed: 1}, res.Stats)
	require.Len(t, res.History, 5)
	assert.Equal(t, []string{"K1", "K2", "K4", "K2", "K3"}, keys(res.History))

	k1 := res.History[0]
	assert.Equal(t, first.History[0], k1)

	closed := res.History[1]
	assert.False(t, closed.IsCurrent)
	require.NotNil(t, closed.ValidTo)
	assert.Equal(t, t2, *closed.ValidTo)
	assert.Equal(t, "B", closed.Attributes["status"])

	k4 := res.History[2]
	assert.True(t, k4.IsCurrent)
	assert.Equal(t, t1, k4.ValidFrom)

	reopened := res.History[3]
	assert.True(t, reopened.IsCurrent)
	assert.Equal(t, t2, reopened.ValidFrom)
	assert.Equal(t, "C", reopened.Attributes["status"])

	k3 := res.History[4]
	assert.True(t, k3.IsCurrent)
	assert.Equal(t, t2, k3.ValidFrom)

	assert.NoError(t, Validate(res.History))
}

func TestApply_ClosedRowsPassThroughFirst(t *testing.T) {
	e := newEngine(t)
	h1, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, nil, t1)
	require.NoError(t, err)
	h2, err := e.Apply([]flatten.Row{row("K1", "B", 1)}, h1.History, t2)
	require.NoError(t, err)
	h3, err := e.Apply([]flatten.Row{row("K1", "C", 1), row("K2", "A", 1)}, h2.History, t3)
	require.NoError(t, err)

	require.Len(t, h3.History, 4)
	assert.Equal(t, "A", h3.History[0].Attributes["status"])
	assert.Equal(t, "B", h3.History[1].Attributes["status"])
	assert.Equal(t, "C", h3.History[2].Attributes["status"])
	assert.Equal(t, "K2", h3.History[3].Key)
	assert.Len(t, Current(h3.History), 2)
	assert.NoError(t, Validate(h3.History))
}

func TestApply_Idempotent(t *testing.T) {
	e := newEngine(t)
	snap := []flatten.Row{row("K1", "A", 1), row("K2", "B", 2)}
	h1, err := e.Apply(snap, nil, t1)
	require.NoError(t, err)

	h2, err := e.Apply(snap, h1.History, t2)
	require.NoError(t, err)
	assert.Equal(t, h1.History, h2.History)
	assert.Equal(t, Stats{Unchanged: 2}, h2.Stats)

	h3, err := e.Apply(snap, h1.History, t1)
	require.NoError(t, err)
	assert.Equal(t, h1.History, h3.History)
}

func TestApply_EmptySnapshotIsNoop(t *testing.T) {
	e := newEngine(t)
	h1, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, nil, t1)
	require.NoError(t, err)

	res, err := e.Apply(nil, h1.History, t2)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, h1.History, res.History)
	assert.Equal(t, 1, res.Stats.Retained)
}

func TestApply_RemovedKeysStayCurrent(t *testing.T) {
	e := newEngine(t)
	h1, err := e.Apply([]flatten.Row{row("K1", "A", 1), row("K2", "B", 2)}, nil, t1)
	require.NoError(t, err)

	res, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, h1.History, t2)
	require.NoError(t, err)
	assert.Equal(t, h1.History, res.History)
	assert.Equal(t, 1, res.Stats.Retained)
}

func TestApply_MissingKeyDropped(t *testing.T) {
	e := newEngine(t)
	res, err := e.Apply([]flatten.Row{
		{"status": "A"},
		{"id": "", "status": "B"},
		row("K1", "C", 1),
	}, nil, t1)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Dropped)
	assert.Equal(t, 1, res.Stats.New)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, FindingMissingKey, res.Findings[0].Kind)
}

func TestApply_DuplicateKeyLastWins(t *testing.T) {
	e := newEngine(t)
	res, err := e.Apply([]flatten.Row{row("K1", "A", 1), row("K2", "B", 1), row("K1", "Z", 1)}, nil, t1)
	require.NoError(t, err)

	require.Len(t, res.History, 2)
	assert.Equal(t, "K1", res.History[0].Key)
	assert.Equal(t, "Z", res.History[0].Attributes["status"])
	assert.Equal(t, 1, res.Stats.Duplicates)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, FindingDuplicateKey, res.Findings[0].Kind)
}

func TestApply_ConversionFailureBecomesNull(t *testing.T) {
	e := newEngine(t)
	res, err := e.Apply([]flatten.Row{row("K1", "A", "not-a-number")}, nil, t1)
	require.NoError(t, err)

	require.Len(t, res.History, 1)
	assert.Nil(t, res.History[0].Attributes["price"])
	require.Len(t, res.Findings, 1)
	assert.Equal(t, FindingConversion, res.Findings[0].Kind)
	assert.Equal(t, "price", res.Findings[0].Field)
	assert.Equal(t, "K1", res.Findings[0].Key)

	assert.Equal(t, e.Fingerprint(row("K1", "A", nil)), res.History[0].Fingerprint)
}

func TestApply_UntrackedChangesIgnored(t *testing.T) {
	e := newEngine(t)
	r1 := row("K1", "A", 1)
	r1["extracted_at"] = "2024-06-01"
	h1, err := e.Apply([]flatten.Row{r1}, nil, t1)
	require.NoError(t, err)

	r2 := row("K1", "A", 1)
	r2["extracted_at"] = "2024-06-02"
	h2, err := e.Apply([]flatten.Row{r2}, h1.History, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, h2.Stats.Unchanged)
}

func TestApply_RequiresAsOf(t *testing.T) {
	_, err := newEngine(t).Apply([]flatten.Row{row("K1", "A", 1)}, nil, time.Time{})
	assert.Error(t, err)
}

func TestApply_RejectsInvalidPrevious(t *testing.T) {
	e := newEngine(t)
	prev := []Record{
		{Key: "K1", ValidFrom: t1, IsCurrent: true},
		{Key: "K1", ValidFrom: t2, IsCurrent: true},
	}
	_, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, prev, t3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHistory)
}

func TestApply_AsOfBeforeCurrentVersion(t *testing.T) {
	e := newEngine(t)
	h, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, nil, t2)
	require.NoError(t, err)

	_, err = e.Apply([]flatten.Row{row("K1", "B", 1)}, h.History, t1)
	assert.Error(t, err)
}

func TestApply_LegacyRecordsWithoutFingerprint(t *testing.T) {
	e := newEngine(t)
	prev := []Record{{Key: "K1", Attributes: flatten.Row{"id": "K1", "status": "A", "price": json.Number("1.00")}, ValidFrom: t1, IsCurrent: true}}

	res, err := e.Apply([]flatten.Row{row("K1", "A", 1)}, prev, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Unchanged)
}

func TestApply_AutoTrackedFields(t *testing.T) {
	e, err := NewEngine(Config{Dataset: "customers", KeyFields: []string{"id"}, Ignore: []string{"extracted_at"}})
	require.NoError(t, err)

	h1, err := e.Apply([]flatten.Row{{"id": json.Number("1"), "name": "An", "phone": nil, "extracted_at": "a"}}, nil, t1)
	require.NoError(t, err)

	h2, err := e.Apply([]flatten.Row{{"id": json.Number("1"), "name": "An", "extracted_at": "b"}}, h1.History, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, h2.Stats.Unchanged)

	h3, err := e.Apply([]flatten.Row{{"id": json.Number("1"), "name": "An", "phone": "090"}}, h2.History, t3)
	require.NoError(t, err)
	assert.Equal(t, 1, h3.Stats.Changed)
}
