// Package cleanup deletes raw delay events that aggregation has fully
// folded in. Dry-run by default.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// EventSource is the raw-event surface cleanup needs, normally
// delaystore.Store.
type EventSource interface {
	DatesBefore(ctx context.Context, cutoff time.Time) ([]time.Time, error)
	DeleteByDate(ctx context.Context, date time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// AggChecker reports whether a date has been aggregated.
type AggChecker interface {
	HasDailyLineStats(ctx context.Context, date time.Time) (bool, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Events EventSource
	Agg    AggChecker
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Events == nil {
		return errors.New("event source is required")
	}
	if c.Agg == nil {
		return errors.New("aggregate checker is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Cleaner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cleaner{log: cfg.Logger, cfg: cfg}, nil
}

// Options control one cleanup run.
type Options struct {
	// OlderThanDays is the retention window. Defaults to 7.
	OlderThanDays int

	// Execute actually deletes. Without it the run only reports.
	Execute bool

	// ResetAll wipes the whole raw event log. Requires Confirmed.
	ResetAll  bool
	Confirmed bool
}

// Report is the outcome of a run. Dates are UTC midnights.
type Report struct {
	Cutoff    time.Time   `json:"cutoff"`
	Deletable []time.Time `json:"deletable"`
	Skipped   []time.Time `json:"skipped"`
	Deleted   int64       `json:"deleted"`
	Executed  bool        `json:"executed"`
}

// Run performs one cleanup pass. A date is deletable only when its
// events are already represented in the aggregate store; unaggregated
// dates are reported and left alone.
func (c *Cleaner) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.OlderThanDays <= 0 {
		opts.OlderThanDays = 7
	}

	if opts.ResetAll {
		if !opts.Confirmed {
			return Report{}, errors.New("reset-all requires explicit confirmation")
		}
		if !opts.Execute {
			return Report{}, errors.New("reset-all requires execute mode")
		}
		n, err := c.cfg.Events.DeleteAll(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("failed to reset event log: %w", err)
		}
		c.log.Warn("cleanup: raw event log reset", "deleted", n)
		return Report{Deleted: n, Executed: true}, nil
	}

	now := c.cfg.Clock.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -opts.OlderThanDays)

	dates, err := c.cfg.Events.DatesBefore(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list candidate dates: %w", err)
	}

	report := Report{Cutoff: cutoff, Deletable: []time.Time{}, Skipped: []time.Time{}}
	for _, d := range dates {
		aggregated, err := c.cfg.Agg.HasDailyLineStats(ctx, d)
		if err != nil {
			return Report{}, fmt.Errorf("failed to check aggregation for %s: %w", d.Format("2006-01-02"), err)
		}
		if !aggregated {
			report.Skipped = append(report.Skipped, d)
			c.log.Warn("cleanup: date not aggregated yet, skipping", "date", d.Format("2006-01-02"))
			continue
		}
		report.Deletable = append(report.Deletable, d)
	}

	if !opts.Execute {
		c.log.Info("cleanup: dry run",
			"cutoff", cutoff.Format("2006-01-02"),
			"deletable", len(report.Deletable), "skipped", len(report.Skipped))
		return report, nil
	}

	for _, d := range report.Deletable {
		n, err := c.cfg.Events.DeleteByDate(ctx, d)
		if err != nil {
			return report, fmt.Errorf("failed to delete events for %s: %w", d.Format("2006-01-02"), err)
		}
		report.Deleted += n
		c.log.Info("cleanup: date deleted", "date", d.Format("2006-01-02"), "events", n)
	}
	report.Executed = true
	return report, nil
}
