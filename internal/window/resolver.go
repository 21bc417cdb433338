package window

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// WatermarkReader is the read side of a watermark store.
type WatermarkReader interface {
	Get(ctx context.Context, source string, partition int) (time.Time, bool, error)
}

// Resolver turns a watermark into the next window to fetch. It never writes.
type Resolver struct {
	watermarks   WatermarkReader
	epoch        time.Time
	safetyMargin time.Duration
	loc          *time.Location
	now          func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the current-time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLocation sets the presentation zone of produced windows.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) { r.loc = loc }
}

// NewResolver creates a resolver. epoch is the backfill start used when a
// partition has no watermark; safetyMargin is subtracted from delta
// watermarks to absorb late-arriving updates.
func NewResolver(watermarks WatermarkReader, epoch time.Time, safetyMargin time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		watermarks:   watermarks,
		epoch:        epoch.UTC(),
		safetyMargin: safetyMargin,
		loc:          DefaultLocation(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Request identifies one (source, field, partition) to resolve.
type Request struct {
	Endpoint  string
	Field     string
	Partition int
	Strategy  Strategy // empty derives from Field
	Lookback  time.Duration
	// Backfill ignores the watermark and starts at the epoch.
	Backfill bool
}

// SourceKey is the watermark key for an endpoint filtered by field.
func SourceKey(endpoint, field string) string {
	return endpoint + ":" + field
}

// Resolve returns the window for req. With no watermark (or on backfill) the
// window starts at the epoch; otherwise Rolling windows start at now-Lookback and Delta
// windows at watermark-safetyMargin. The window always ends at now.
func (r *Resolver) Resolve(ctx context.Context, req Request) (DateWindow, error) {
	now := r.now().UTC()
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyForField(req.Field)
	}

	key := SourceKey(req.Endpoint, req.Field)
	last, ok, err := r.watermarks.Get(ctx, key, req.Partition)
	if err != nil {
		return DateWindow{}, eris.Wrapf(err, "window: read watermark %s/%d", key, req.Partition)
	}

	var start time.Time
	switch {
	case !ok || req.Backfill:
		start = r.epoch
	case strategy == Rolling:
		if req.Lookback <= 0 {
			return DateWindow{}, eris.Errorf("window: rolling strategy for %s needs a positive lookback", key)
		}
		start = now.Add(-req.Lookback)
	default:
		start = last.UTC().Add(-r.safetyMargin)
	}

	// A clock behind the watermark would invert the window; clamp instead.
	if start.After(now) {
		start = now
	}
	return New(start, now, req.Field, r.loc)
}
