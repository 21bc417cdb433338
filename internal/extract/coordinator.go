// Package extract runs the fetcher across branches with bounded concurrency
// and advances each branch's watermark when its extraction succeeds.
package extract

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kinhotel/pms-sync/internal/fetcher"
	"github.com/kinhotel/pms-sync/internal/resilience"
	"github.com/kinhotel/pms-sync/internal/watermark"
	"github.com/kinhotel/pms-sync/internal/window"
)

// Status is the outcome of one partition's extraction.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ExtractionResult is one partition's outcome. It is not modified after
// ExtractAll returns, except for WatermarkAdvanced when committed later.
type ExtractionResult struct {
	Source     string             `json:"source"`
	Partition  int                `json:"partition"`
	Status     Status             `json:"status"`
	Records    []json.RawMessage  `json:"-"`
	Count      int                `json:"records"`
	Window     *window.DateWindow `json:"window,omitempty"`
	Err        error              `json:"-"`
	Error      string             `json:"error,omitempty"`
	ErrorClass string             `json:"error_class,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`

	WatermarkAdvanced bool `json:"watermark_advanced"`

	// mark is the watermark value to store on commit.
	mark time.Time
}

// OK reports whether the partition was extracted.
func (r *ExtractionResult) OK() bool { return r.Status == StatusSuccess }

// Job is one logical source to extract.
type Job struct {
	Endpoint string
	// Field is the window filter field. Empty means a full, unwindowed snapshot.
	Field     string
	Strategy  window.Strategy
	Lookback  time.Duration
	Paginated bool
	PageSize  int
	Params    map[string]string
	// Backfill re-reads from the epoch regardless of the watermark.
	Backfill bool
	// Shared data is identical for every branch: it is fetched once with the
	// base credential and handed to every requested partition.
	Shared bool
}

// SourceKey is the watermark key of the job.
func (j Job) SourceKey() string { return window.SourceKey(j.Endpoint, j.Field) }

// Options configures a Coordinator.
type Options struct {
	MaxConcurrent int
	JitterMax     time.Duration
	// DeferWatermark leaves watermarks alone in ExtractAll; the caller
	// advances them with Commit once downstream processing has succeeded.
	DeferWatermark bool
	Sleep          func(ctx context.Context, d time.Duration) error
	Now            func() time.Time
}

// Coordinator fans a Job out over partitions.
type Coordinator struct {
	fetcher    fetcher.Fetcher
	resolver   *window.Resolver
	watermarks watermark.Store
	opts       Options
}

// New creates a coordinator.
func New(f fetcher.Fetcher, resolver *window.Resolver, watermarks watermark.Store, opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.SleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{fetcher: f, resolver: resolver, watermarks: watermarks, opts: opts}
}

// sharedFetch memoizes the single fetch of a shared job.
type sharedFetch struct {
	once    sync.Once
	records []json.RawMessage
	err     error
}

// ExtractAll extracts job for every partition and returns one result per
// partition. A failing partition never cancels or fails its siblings.
func (c *Coordinator) ExtractAll(ctx context.Context, job Job, partitions []int) map[int]*ExtractionResult {
	results := make(map[int]*ExtractionResult, len(partitions))
	var mu sync.Mutex

	var shared *sharedFetch
	if job.Shared {
		shared = &sharedFetch{}
	}

	log := zap.L().With(zap.String("source", job.SourceKey()))
	log.Info("extract: starting",
		zap.Ints("partitions", partitions),
		zap.Int("max_concurrent", c.opts.MaxConcurrent),
	)
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(c.opts.MaxConcurrent)
	for _, p := range partitions {
		g.Go(func() error {
			res := c.extractPartition(ctx, job, p, shared)
			mu.Lock()
			results[p] = res
			mu.Unlock()
			return nil // never abort siblings
		})
	}
	_ = g.Wait()

	var ok, failed int
	for _, r := range results {
		if r.OK() {
			ok++
		} else {
			failed++
		}
	}
	log.Info("extract: complete",
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}

func (c *Coordinator) extractPartition(ctx context.Context, job Job, partition int, shared *sharedFetch) (res *ExtractionResult) {
	source := job.SourceKey()
	res = &ExtractionResult{
		Source:    source,
		Partition: partition,
		StartedAt: c.opts.Now().UTC(),
	}
	log := zap.L().With(zap.String("source", source), zap.Int("partition", partition))

	defer func() {
		if r := recover(); r != nil {
			log.Error("extract: panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			c.fail(res, eris.Errorf("panic: %v", r))
		}
		res.FinishedAt = c.opts.Now().UTC()
		partitionsTotal.WithLabelValues(job.Endpoint, string(res.Status)).Inc()
		if res.OK() {
			recordsTotal.WithLabelValues(job.Endpoint).Add(float64(res.Count))
		}
	}()

	if err := c.jitter(ctx); err != nil {
		c.fail(res, err)
		return res
	}

	params := make(map[string]string, len(job.Params)+2)
	for k, v := range job.Params {
		params[k] = v
	}
	if job.Field != "" {
		w, err := c.resolver.Resolve(ctx, window.Request{
			Endpoint:  job.Endpoint,
			Field:     job.Field,
			Partition: partition,
			Strategy:  job.Strategy,
			Lookback:  job.Lookback,
			Backfill:  job.Backfill,
		})
		if err != nil {
			c.fail(res, err)
			log.Error("extract: window resolution failed", zap.Error(err))
			return res
		}
		res.Window = &w
		res.mark = w.End
		for k, v := range w.Params() {
			params[k] = v
		}
	} else {
		res.mark = res.StartedAt
	}

	records, err := c.fetch(ctx, job, partition, params, shared)
	if err != nil {
		c.fail(res, err)
		log.Error("extract: fetch failed",
			zap.Error(err),
			zap.String("class", res.ErrorClass),
		)
		return res
	}

	res.Status = StatusSuccess
	res.Records = records
	res.Count = len(records)
	log.Info("extract: partition done", zap.Int("records", res.Count), zap.String("window", windowString(res.Window)))

	if !c.opts.DeferWatermark {
		if err := c.Commit(ctx, res); err != nil {
			log.Error("extract: watermark not advanced", zap.Error(err))
		}
	}
	return res
}

func (c *Coordinator) fetch(ctx context.Context, job Job, partition int, params map[string]string, shared *sharedFetch) ([]json.RawMessage, error) {
	req := fetcher.Request{
		Endpoint:  job.Endpoint,
		Params:    params,
		Partition: partition,
		Paginated: job.Paginated,
		PageSize:  job.PageSize,
	}
	if shared == nil {
		return c.fetcher.FetchAll(ctx, req)
	}
	shared.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				shared.records, shared.err = nil, eris.Errorf("panic: %v", r)
			}
		}()
		req.Partition = 0
		shared.records, shared.err = c.fetcher.FetchAll(ctx, req)
	})
	return shared.records, shared.err
}

// Commit advances the partition's watermark to the end of its window. Failed
// results are never committed, and a watermark never moves backwards.
func (c *Coordinator) Commit(ctx context.Context, res *ExtractionResult) error {
	if !res.OK() || res.WatermarkAdvanced {
		return nil
	}
	prev, ok, err := c.watermarks.Get(ctx, res.Source, res.Partition)
	if err != nil {
		return eris.Wrapf(err, "extract: read watermark %s/%d", res.Source, res.Partition)
	}
	if ok && prev.After(res.mark) {
		zap.L().Warn("extract: window end precedes stored watermark, keeping it",
			zap.String("source", res.Source),
			zap.Int("partition", res.Partition),
			zap.Time("stored", prev),
			zap.Time("window_end", res.mark),
		)
		return nil
	}
	if err := c.watermarks.Set(ctx, res.Source, res.Partition, res.mark); err != nil {
		return eris.Wrapf(err, "extract: set watermark %s/%d", res.Source, res.Partition)
	}
	res.WatermarkAdvanced = true
	return nil
}

func (c *Coordinator) fail(res *ExtractionResult, err error) {
	res.Status = StatusFailed
	res.Records = nil
	res.Count = 0
	res.Err = err
	res.Error = err.Error()
	res.ErrorClass = resilience.Classify(err).String()
}

func (c *Coordinator) jitter(ctx context.Context) error {
	if c.opts.JitterMax <= 0 {
		return nil
	}
	return c.opts.Sleep(ctx, rand.N(c.opts.JitterMax))
}

func windowString(w *window.DateWindow) string {
	if w == nil {
		return "full"
	}
	return w.String()
}
