// Package report summarizes one pipeline run: per dataset and partition
// outcomes, history statistics and data-quality findings.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/resilience"
	"github.com/kinhotel/pms-sync/internal/window"
)

// Status is the outcome of a run, dataset or partition.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Stage names the step a partition failed in.
const (
	StageExtract = "extract"
	StageFlatten = "flatten"
	StageHistory = "history"
	StageStore   = "store"
	StageCommit  = "watermark"
)

// Partition is one branch's outcome for a dataset.
type Partition struct {
	ID                int                `json:"id"`
	Name              string             `json:"name"`
	Status            Status             `json:"status"`
	Records           int                `json:"records"`
	Rows              int                `json:"rows"`
	Window            *window.DateWindow `json:"window,omitempty"`
	Stage             string             `json:"stage,omitempty"`
	Error             string             `json:"error,omitempty"`
	ErrorClass        string             `json:"error_class,omitempty"`
	Terminal          bool               `json:"terminal,omitempty"`
	WatermarkAdvanced bool               `json:"watermark_advanced"`
	History           *history.Stats     `json:"history,omitempty"`
	HistoryPath       string             `json:"history_path,omitempty"`
	Archived          string             `json:"archived,omitempty"`
	Quarantined       int                `json:"quarantined,omitempty"`
	QuarantinePath    string             `json:"quarantine_path,omitempty"`
	Duration          time.Duration      `json:"duration_ns"`
}

// Fail marks the partition failed at stage. Terminal is set when the error
// could not have been cured by retrying within the run.
func (p *Partition) Fail(stage string, err error, class string) {
	p.Status = StatusFailed
	p.Stage = stage
	p.Error = err.Error()
	p.ErrorClass = class
	p.Terminal = resilience.IsTerminal(err)
}

// Finding is a data-quality finding attributed to a partition.
type Finding struct {
	Partition int `json:"partition"`
	history.Finding
	// Record is the rejected payload of a malformed_record finding.
	Record string `json:"record,omitempty"`
}

// Dataset is one dataset's outcome.
type Dataset struct {
	Name       string       `json:"name"`
	System     string       `json:"system"`
	SkipReason string       `json:"skip_reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	Partitions []*Partition `json:"partitions"`
	Findings   []Finding    `json:"findings,omitempty"`
}

// Status aggregates the partition outcomes. A dataset with a setup error and
// no partitions is failed.
func (d *Dataset) Status() Status {
	if d.SkipReason != "" {
		return StatusSkipped
	}
	if len(d.Partitions) == 0 {
		if d.Error != "" {
			return StatusFailed
		}
		return StatusSkipped
	}
	var ok, failed int
	for _, p := range d.Partitions {
		switch p.Status {
		case StatusSuccess:
			ok++
		case StatusFailed:
			failed++
		}
	}
	return aggregate(ok, failed)
}

// Records is the number of source records extracted across partitions.
func (d *Dataset) Records() int {
	var n int
	for _, p := range d.Partitions {
		n += p.Records
	}
	return n
}

// Report is one run.
type Report struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	AsOf       time.Time  `json:"as_of"`
	Datasets   []*Dataset `json:"datasets"`
}

// New starts a report with a fresh run id.
func New(now time.Time) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: now.UTC(),
		AsOf:      now.UTC(),
	}
}

// Add appends a dataset and returns it.
func (r *Report) Add(d *Dataset) *Dataset {
	r.Datasets = append(r.Datasets, d)
	return d
}

// Finish stamps the end time.
func (r *Report) Finish(now time.Time) {
	r.FinishedAt = now.UTC()
}

// Status is success when every attempted partition succeeded, failed when
// none did, partial otherwise, and skipped when nothing was attempted.
func (r *Report) Status() Status {
	var ok, failed int
	for _, d := range r.Datasets {
		switch d.Status() {
		case StatusSuccess:
			ok++
		case StatusFailed:
			failed++
		case StatusPartial:
			ok++
			failed++
		}
	}
	return aggregate(ok, failed)
}

func aggregate(ok, failed int) Status {
	switch {
	case ok == 0 && failed == 0:
		return StatusSkipped
	case failed == 0:
		return StatusSuccess
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Counts tallies partitions by status across datasets.
func (r *Report) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, d := range r.Datasets {
		for _, p := range d.Partitions {
			out[p.Status]++
		}
	}
	return out
}

// FindingCount is the total number of data-quality findings.
func (r *Report) FindingCount() int {
	var n int
	for _, d := range r.Datasets {
		n += len(d.Findings)
	}
	return n
}

// Failures lists "dataset/partition" labels of failed partitions.
func (r *Report) Failures() []string {
	var out []string
	for _, d := range r.Datasets {
		if len(d.Partitions) == 0 && d.Error != "" {
			out = append(out, d.Name)
		}
		for _, p := range d.Partitions {
			if p.Status == StatusFailed {
				out = append(out, fmt.Sprintf("%s/%d", d.Name, p.ID))
			}
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON adds the derived status and counts.
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		*plain
		Status   Status         `json:"status"`
		Counts   map[Status]int `json:"counts"`
		Findings int            `json:"findings"`
	}{(*plain)(r), r.Status(), r.Counts(), r.FindingCount()})
}

// WriteJSON writes the report into dir and returns the file path.
func (r *Report) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "report: create dir %s", dir)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "report: marshal")
	}
	name := fmt.Sprintf("run-%s-%s.json", r.StartedAt.Format("20060102T150405Z"), r.RunID[:8])
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "report: write %s", path)
	}
	return path, nil
}

// WriteTable renders a per-partition table followed by a summary line.
func (r *Report) WriteTable(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tBRANCH\tSTATUS\tRECORDS\tNEW\tCHANGED\tCLOSED\tWINDOW\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t------\t------\t-------\t---\t-------\t------\t------\t-----")

	for _, d := range r.Datasets {
		if len(d.Partitions) == 0 {
			reason := d.SkipReason
			if d.Error != "" {
				reason = truncate(d.Error, 60)
			}
			_, _ = fmt.Fprintf(w, "%s\t-\t%s\t-\t-\t-\t-\t-\t%s\n", d.Name, d.Status(), reason)
			continue
		}
		for _, p := range d.Partitions {
			newRows, changed, closed := "-", "-", "-"
			if p.History != nil {
				newRows = fmt.Sprint(p.History.New)
				changed = fmt.Sprint(p.History.Changed)
				closed = fmt.Sprint(p.History.Closed)
			}
			win := "full"
			if p.Window != nil {
				win = p.Window.FormatStart() + " .. " + p.Window.FormatEnd()
			}
			errMsg := ""
			if p.Error != "" {
				errMsg = truncate(p.Stage+": "+p.Error, 60)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				d.Name, branchLabel(p), p.Status, p.Records, newRows, changed, closed, win, errMsg)
		}
	}
	_ = w.Flush()

	c := r.Counts()
	_, _ = fmt.Fprintf(out, "\nrun %s: %s (%d ok, %d failed, %d findings) in %s\n",
		r.RunID, r.Status(), c[StatusSuccess], c[StatusFailed], r.FindingCount(),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func branchLabel(p *Partition) string {
	if p.Name == "" {
		return fmt.Sprint(p.ID)
	}
	return fmt.Sprintf("%d %s", p.ID, p.Name)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
