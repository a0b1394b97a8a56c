// Package aggregator rolls raw delay events up into the hourly and daily
// aggregate tables, with a precomputed economic cost per intersection
// bucket.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/metrics"
)

// EventSource is the raw-event read surface, normally delaystore.Store.
type EventSource interface {
	Scan(ctx context.Context, from, to time.Time, f delaystore.Filter) ([]delaystore.Event, error)
	HoursWithEvents(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// AggWriter is the aggregate write surface, normally *Store.
type AggWriter interface {
	ApplyHour(ctx context.Context, hourStart time.Time, buckets []BucketStat) error
	CoveredHours(ctx context.Context, from, to time.Time) (map[time.Time]bool, error)
}

// RunMinute is the wall-clock minute the hourly run fires at. The offset
// gives late tracker writes time to land before their hour is closed.
const RunMinute = 5

// RerunHours is how many hours before the newest closed one each
// scheduled tick re-aggregates. An event is scanned by its start hour
// but only becomes visible once resolved, so a delay straddling a run
// is missing from its hour's first rollup; the re-run folds it in.
// ApplyHour replaces the hour wholesale, so re-running is idempotent.
const RerunHours = 2

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Events EventSource
	Store  AggWriter

	Cost CostConfig

	// NameLookup resolves nearest-stop names for new daily buckets.
	// Optional.
	NameLookup func(ctx context.Context, lat, lon float64) string

	// RetentionDays bounds the startup catch-up window. Defaults to 7.
	RetentionDays int

	// RetryDelay is the pause before retrying a failed run. Defaults to
	// 5 minutes.
	RetryDelay time.Duration

	// OnSuccess is invoked after each successful run, typically to drop
	// the query-result cache. Optional.
	OnSuccess func()
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Events == nil {
		return errors.New("event source is required")
	}
	if c.Store == nil {
		return errors.New("aggregate store is required")
	}
	if c.Cost == (CostConfig{}) {
		c.Cost = DefaultCostConfig()
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Aggregator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, cfg: cfg}, nil
}

// Start catches up missed hours, then runs on the minute-5 schedule until
// the context is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	if err := a.CatchUp(ctx); err != nil {
		a.log.Error("aggregator: catch-up failed", "error", err)
	}

	for {
		now := a.cfg.Clock.Now()
		next := nextRun(now)
		select {
		case <-ctx.Done():
			a.log.Info("aggregator: stopped")
			return
		case <-a.cfg.Clock.After(next.Sub(now)):
		}

		a.runTick(ctx)
	}
}

// runTick aggregates the most recently closed hour and re-runs the few
// hours before it, oldest first, so events that resolved after their
// hour's first rollup still land in the aggregates.
func (a *Aggregator) runTick(ctx context.Context) {
	newest := previousClosedHour(a.cfg.Clock.Now())
	for i := RerunHours; i >= 1; i-- {
		h := newest.Add(-time.Duration(i) * time.Hour)
		if err := a.RunHour(ctx, h); err != nil {
			a.log.Error("aggregator: re-run failed",
				"hour", h.Format(time.RFC3339), "error", err)
		}
	}
	a.runWithRetry(ctx, newest)
}

// runWithRetry retries a failed hour every RetryDelay until it succeeds
// or the next scheduled run would be due. A still-failing hour is picked
// up by catch-up on the next start.
func (a *Aggregator) runWithRetry(ctx context.Context, hourStart time.Time) {
	deadline := nextRun(a.cfg.Clock.Now())
	for {
		err := a.RunHour(ctx, hourStart)
		if err == nil {
			return
		}
		metrics.AggregationRuns.WithLabelValues("error").Inc()
		a.log.Error("aggregator: run failed",
			"hour", hourStart.Format(time.RFC3339), "error", err)

		if !a.cfg.Clock.Now().Add(a.cfg.RetryDelay).Before(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.cfg.Clock.After(a.cfg.RetryDelay):
		}
	}
}

// RunHour aggregates one closed hour. With no resolved events in the
// hour, nothing is written or touched.
func (a *Aggregator) RunHour(ctx context.Context, hourStart time.Time) error {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	resolved := true
	events, err := a.cfg.Events.Scan(ctx, hourStart, hourEnd, delaystore.Filter{Resolved: &resolved})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.log.Debug("aggregator: no events in hour", "hour", hourStart.Format(time.RFC3339))
		return nil
	}

	buckets := BuildHourRollup(events, hourStart.Hour(), a.cfg.Cost)
	if err := a.cfg.Store.ApplyHour(ctx, hourStart, buckets); err != nil {
		return err
	}

	if a.cfg.NameLookup != nil {
		if s, ok := a.cfg.Store.(*Store); ok {
			date := time.Date(hourStart.Year(), hourStart.Month(), hourStart.Day(), 0, 0, 0, 0, time.UTC)
			s.BackfillNames(ctx, date, a.cfg.NameLookup)
		}
	}

	metrics.AggregationRuns.WithLabelValues("success").Inc()
	if a.cfg.OnSuccess != nil {
		a.cfg.OnSuccess()
	}
	return nil
}

// CatchUp aggregates hours inside the retention window that have raw
// events but no aggregate coverage, oldest first. The current hour is
// still open and skipped.
func (a *Aggregator) CatchUp(ctx context.Context) error {
	now := a.cfg.Clock.Now().UTC()
	from := now.AddDate(0, 0, -a.cfg.RetentionDays)
	to := now.Truncate(time.Hour)

	hours, err := a.cfg.Events.HoursWithEvents(ctx, from, to)
	if err != nil {
		return err
	}
	if len(hours) == 0 {
		return nil
	}

	covered, err := a.cfg.Store.CoveredHours(ctx, from, to)
	if err != nil {
		return err
	}

	var missed int
	for _, h := range hours {
		if covered[h] {
			continue
		}
		missed++
		if err := a.RunHour(ctx, h); err != nil {
			return err
		}
	}
	if missed > 0 {
		a.log.Info("aggregator: catch-up completed", "hours", missed)
	}
	return nil
}

// nextRun returns the next minute-5 boundary strictly after now.
func nextRun(now time.Time) time.Time {
	next := now.Truncate(time.Hour).Add(RunMinute * time.Minute)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// previousClosedHour returns the start of the hour that ended most
// recently.
func previousClosedHour(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(-time.Hour)
}
