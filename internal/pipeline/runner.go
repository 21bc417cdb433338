// Package pipeline runs catalog datasets end to end: extract, flatten,
// historize, persist, then advance watermarks.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/catalog"
	"github.com/kinhotel/pms-sync/internal/erp"
	"github.com/kinhotel/pms-sync/internal/extract"
	"github.com/kinhotel/pms-sync/internal/flatten"
	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/report"
	"github.com/kinhotel/pms-sync/internal/resilience"
	"github.com/kinhotel/pms-sync/internal/watermark"
)

// Columns stamped onto every row.
const (
	BranchColumn      = "branch_id"
	ExtractedAtColumn = "extracted_at"
)

// Extractor fans a job out over partitions. *extract.Coordinator built with
// DeferWatermark satisfies it.
type Extractor interface {
	ExtractAll(ctx context.Context, job extract.Job, partitions []int) map[int]*extract.ExtractionResult
	Commit(ctx context.Context, res *extract.ExtractionResult) error
}

// Exporter downloads an ERP model as label-keyed CSV records.
type Exporter interface {
	Export(ctx context.Context, model string, fields []erp.Field) ([]map[string]string, error)
}

// Archiver copies a written history file to object storage and returns
// where it went.
type Archiver interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Quarantiner keeps source records that could not be flattened and returns
// where they were written.
type Quarantiner interface {
	Write(ctx context.Context, dataset string, partition int, asOf time.Time, records []history.Quarantined) (string, error)
}

// Deps wires a Runner. Catalog, Extractor, History and Watermarks are
// required; the rest are optional.
type Deps struct {
	Catalog    *catalog.Catalog
	Extractor  Extractor
	ERP        Exporter
	History    history.Store
	Watermarks watermark.Store
	Archive    Archiver
	Quarantine Quarantiner
	RunLog     RunRecorder

	// DefaultLookback applies to rolling datasets without lookback_days.
	DefaultLookback time.Duration
	Location        *time.Location
	Now             func() time.Time
}

// Options selects what a run covers.
type Options struct {
	Datasets []string // empty means every catalog dataset
	Branches []int    // empty means every branch
	Force    bool     // ignore cadence
	Full     bool     // re-read windows from the epoch
	DryRun   bool     // extract and historize without writing anything
}

// Runner orchestrates pipeline runs.
type Runner struct {
	deps Deps
}

// New validates deps and creates a Runner.
func New(deps Deps) (*Runner, error) {
	switch {
	case deps.Catalog == nil:
		return nil, eris.New("pipeline: catalog is required")
	case deps.Extractor == nil:
		return nil, eris.New("pipeline: extractor is required")
	case deps.History == nil:
		return nil, eris.New("pipeline: history store is required")
	case deps.Watermarks == nil:
		return nil, eris.New("pipeline: watermark store is required")
	}
	if deps.DefaultLookback <= 0 {
		deps.DefaultLookback = 30 * 24 * time.Hour
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{deps: deps}, nil
}

// Run syncs the selected datasets. Every history written in one run shares
// the same as-of instant. Failures of a dataset or partition are recorded in
// the report; the error return is reserved for run-level problems.
func (r *Runner) Run(ctx context.Context, opts Options) (*report.Report, error) {
	log := zap.L().With(zap.String("component", "pipeline.runner"))
	rep := report.New(r.deps.Now())

	datasets, err := r.deps.Catalog.Select(opts.Datasets)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		log.Info("no datasets selected")
		rep.Finish(r.deps.Now())
		return rep, nil
	}

	entries, err := r.deps.Watermarks.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list watermarks")
	}

	log.Info("run starting",
		zap.String("run_id", rep.RunID),
		zap.Int("datasets", len(datasets)),
		zap.Ints("branches", opts.Branches),
		zap.Bool("force", opts.Force),
		zap.Bool("full", opts.Full),
		zap.Bool("dry_run", opts.DryRun),
	)

	for _, d := range datasets {
		select {
		case <-ctx.Done():
			rep.Finish(r.deps.Now())
			return rep, ctx.Err()
		default:
		}

		dr := rep.Add(&report.Dataset{Name: d.Name, System: string(d.System)})
		dsLog := log.With(zap.String("dataset", d.Name))

		if !opts.Force {
			var last *time.Time
			if t, ok := watermark.Latest(entries, d.SourceKey()); ok {
				last = &t
			}
			if !d.Cadence.ShouldRun(rep.AsOf.In(r.deps.Location), last) {
				dr.SkipReason = fmt.Sprintf("not due (%s)", d.Cadence)
				dsLog.Debug("skipping (not due)")
				continue
			}
		}

		r.runDataset(ctx, rep, dr, d, opts, dsLog)
		observeDataset(dr)
	}

	rep.Finish(r.deps.Now())
	c := rep.Counts()
	log.Info("run complete",
		zap.String("run_id", rep.RunID),
		zap.String("status", string(rep.Status())),
		zap.Int("partitions_ok", c[report.StatusSuccess]),
		zap.Int("partitions_failed", c[report.StatusFailed]),
		zap.Int("findings", rep.FindingCount()),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, nil
}

func (r *Runner) runDataset(ctx context.Context, rep *report.Report, dr *report.Dataset, d catalog.Dataset, opts Options, log *zap.Logger) {
	var runID int64
	if r.deps.RunLog != nil && !opts.DryRun {
		id, err := r.deps.RunLog.Start(ctx, rep.RunID, d.Name)
		if err != nil {
			log.Error("failed to record run start", zap.Error(err))
		}
		runID = id
	}

	start := time.Now()
	log.Info("dataset starting")

	var err error
	switch d.System {
	case catalog.ERP:
		err = r.runERP(ctx, rep, dr, d, opts)
	default:
		err = r.runPMS(ctx, rep, dr, d, opts)
	}
	if err != nil {
		dr.Error = err.Error()
		log.Error("dataset setup failed", zap.Error(err))
	}

	status := dr.Status()
	log.Info("dataset complete",
		zap.String("status", string(status)),
		zap.Int("records", dr.Records()),
		zap.Int("findings", len(dr.Findings)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if runID == 0 {
		return
	}
	if status == report.StatusFailed {
		if logErr := r.deps.RunLog.Fail(ctx, runID, failureSummary(dr)); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return
	}
	result := &RunResult{
		Status:  string(status),
		Records: int64(dr.Records()),
		Metadata: map[string]any{
			"partitions": len(dr.Partitions),
			"findings":   len(dr.Findings),
			"failed":     failureSummary(dr),
		},
	}
	if logErr := r.deps.RunLog.Complete(ctx, runID, result); logErr != nil {
		log.Error("failed to record run completion", zap.Error(logErr))
	}
}

func (r *Runner) runPMS(ctx context.Context, rep *report.Report, dr *report.Dataset, d catalog.Dataset, opts Options) error {
	partitions, err := r.deps.Catalog.Partitions(d, opts.Branches)
	if err != nil {
		return err
	}
	flat, err := d.Flatten()
	if err != nil {
		return err
	}
	engine, err := r.engine(d)
	if err != nil {
		return err
	}

	job := extract.Job{
		Endpoint:  d.Endpoint,
		Field:     d.Field,
		Strategy:  d.WindowStrategy(),
		Lookback:  d.Lookback(r.deps.DefaultLookback),
		Paginated: d.Paginated,
		PageSize:  d.PageSize,
		Params:    d.Params,
		Shared:    d.Shared,
		Backfill:  opts.Full,
	}
	results := r.deps.Extractor.ExtractAll(ctx, job, partitions)

	for _, id := range partitions {
		p := &report.Partition{ID: id, Name: r.deps.Catalog.BranchName(id)}
		dr.Partitions = append(dr.Partitions, p)

		res, ok := results[id]
		if !ok {
			p.Fail(report.StageExtract, eris.New("no extraction result"), resilience.ClassUnknown.String())
			continue
		}
		p.Window = res.Window
		p.Duration = res.FinishedAt.Sub(res.StartedAt)
		if !res.OK() {
			p.Fail(report.StageExtract, res.Err, res.ErrorClass)
			continue
		}
		p.Records = res.Count

		rows, bad := flatten.Records(flat, res.Records)
		r.quarantine(ctx, rep, dr, p, d, bad, opts)
		if len(res.Records) > 0 && len(rows) == 0 {
			p.Fail(report.StageFlatten, eris.Errorf("none of %d records could be flattened", len(res.Records)), resilience.ClassProtocol.String())
			continue
		}

		if !r.historize(ctx, rep, dr, p, d, engine, rows, opts) {
			continue
		}
		if opts.DryRun {
			p.Status = report.StatusSuccess
			continue
		}
		if err := r.deps.Extractor.Commit(ctx, res); err != nil {
			p.Fail(report.StageCommit, err, resilience.Classify(err).String())
			continue
		}
		p.WatermarkAdvanced = res.WatermarkAdvanced
		p.Status = report.StatusSuccess
	}
	return nil
}

func (r *Runner) runERP(ctx context.Context, rep *report.Report, dr *report.Dataset, d catalog.Dataset, opts Options) error {
	if r.deps.ERP == nil {
		return eris.Errorf("pipeline: dataset %s needs the ERP client, which is not configured", d.Name)
	}
	engine, err := r.engine(d)
	if err != nil {
		return err
	}

	p := &report.Partition{ID: 0, Name: r.deps.Catalog.BranchName(0)}
	dr.Partitions = append(dr.Partitions, p)
	started := r.deps.Now()

	records, err := r.deps.ERP.Export(ctx, d.ERPModel, d.ERPFields)
	p.Duration = r.deps.Now().Sub(started)
	if err != nil {
		p.Fail(report.StageExtract, err, resilience.Classify(err).String())
		return nil
	}
	p.Records = len(records)
	rows := erp.Rows(records, d.ERPRowOptions())

	if !r.historize(ctx, rep, dr, p, d, engine, rows, opts) {
		return nil
	}
	if !opts.DryRun {
		advanced, err := r.advance(ctx, d.SourceKey(), 0, started)
		if err != nil {
			p.Fail(report.StageCommit, err, resilience.Classify(err).String())
			return nil
		}
		p.WatermarkAdvanced = advanced
	}
	p.Status = report.StatusSuccess
	return nil
}

// historize applies rows to the partition's stored history and replaces it.
// It reports whether the partition may proceed to its watermark.
func (r *Runner) historize(ctx context.Context, rep *report.Report, dr *report.Dataset, p *report.Partition, d catalog.Dataset, engine *history.Engine, rows []flatten.Row, opts Options) bool {
	asOf := rep.AsOf
	extractedAt := asOf.Format(time.RFC3339)
	for _, row := range rows {
		if p.ID > 0 {
			if _, ok := row[BranchColumn]; !ok {
				row[BranchColumn] = p.ID
			}
		}
		row[ExtractedAtColumn] = extractedAt
	}
	p.Rows = len(rows)

	previous, err := r.deps.History.Load(ctx, d.Name, p.ID)
	if err != nil {
		p.Fail(report.StageHistory, err, resilience.Classify(err).String())
		return false
	}
	res, err := engine.Apply(rows, previous, asOf)
	if err != nil {
		p.Fail(report.StageHistory, err, resilience.ClassUnknown.String())
		return false
	}
	stats := res.Stats
	p.History = &stats
	for _, f := range res.Findings {
		dr.Findings = append(dr.Findings, report.Finding{Partition: p.ID, Finding: f})
	}
	observeHistory(d.Name, stats)

	if res.Skipped || opts.DryRun {
		return true
	}
	if err := history.Validate(res.History); err != nil {
		p.Fail(report.StageHistory, err, resilience.ClassUnknown.String())
		return false
	}
	if err := r.deps.History.Replace(ctx, d.Name, p.ID, res.History); err != nil {
		p.Fail(report.StageStore, err, resilience.Classify(err).String())
		return false
	}

	if locator, ok := r.deps.History.(history.Locator); ok {
		p.HistoryPath = locator.Path(d.Name, p.ID)
		if r.deps.Archive != nil {
			key := fmt.Sprintf("%s/branch=%d/%s/%s", d.Name, p.ID, asOf.Format(time.DateOnly), filepath.Base(p.HistoryPath))
			dest, err := r.deps.Archive.Upload(ctx, p.HistoryPath, key)
			if err != nil {
				// The local history is authoritative; a missed upload is retried next run.
				zap.L().Warn("archive upload failed",
					zap.String("dataset", d.Name),
					zap.Int("partition", p.ID),
					zap.Error(err),
				)
			} else {
				p.Archived = dest
			}
		}
	}
	return true
}

// quarantine records rejected payloads as findings and, outside dry runs,
// writes them to the quarantine store.
func (r *Runner) quarantine(ctx context.Context, rep *report.Report, dr *report.Dataset, p *report.Partition, d catalog.Dataset, bad []flatten.Rejected, opts Options) {
	if len(bad) == 0 {
		return
	}
	held := make([]history.Quarantined, 0, len(bad))
	for _, b := range bad {
		dr.Findings = append(dr.Findings, report.Finding{
			Partition: p.ID,
			Finding:   history.Finding{Kind: history.FindingMalformed, Message: b.Error()},
			Record:    string(b.Raw),
		})
		held = append(held, history.Quarantined{Index: b.Index, Payload: string(b.Raw), Reason: b.Err.Error()})
	}
	p.Quarantined = len(held)

	if r.deps.Quarantine == nil || opts.DryRun {
		return
	}
	path, err := r.deps.Quarantine.Write(ctx, d.Name, p.ID, rep.AsOf, held)
	if err != nil {
		// The payloads are still carried by the run report.
		zap.L().Warn("quarantine write failed",
			zap.String("dataset", d.Name),
			zap.Int("partition", p.ID),
			zap.Int("records", len(held)),
			zap.Error(err),
		)
		return
	}
	p.QuarantinePath = path
}

func (r *Runner) engine(d catalog.Dataset) (*history.Engine, error) {
	cfg, err := d.HistoryConfig(r.deps.Location)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(cfg.Ignore, ExtractedAtColumn) {
		cfg.Ignore = append(slices.Clone(cfg.Ignore), ExtractedAtColumn)
	}
	return history.NewEngine(cfg)
}

// advance moves a watermark forward to t; it never moves one backwards.
func (r *Runner) advance(ctx context.Context, source string, partition int, t time.Time) (bool, error) {
	prev, ok, err := r.deps.Watermarks.Get(ctx, source, partition)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: read watermark %s/%d", source, partition)
	}
	if ok && prev.After(t) {
		return false, nil
	}
	if err := r.deps.Watermarks.Set(ctx, source, partition, t); err != nil {
		return false, eris.Wrapf(err, "pipeline: set watermark %s/%d", source, partition)
	}
	return true, nil
}

func failureSummary(dr *report.Dataset) string {
	var parts []string
	if dr.Error != "" {
		parts = append(parts, dr.Error)
	}
	for _, p := range dr.Partitions {
		if p.Status == report.StatusFailed {
			parts = append(parts, fmt.Sprintf("%d: %s: %s", p.ID, p.Stage, p.Error))
		}
	}
	return strings.Join(parts, "; ")
}
