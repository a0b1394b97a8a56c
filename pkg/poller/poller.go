// Package poller drives the periodic feed fetch and fans tram positions
// out to their trackers.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/metrics"
)

// Feed is the fetch surface, normally a gtfsrt.Client.
type Feed interface {
	Fetch(ctx context.Context) (gtfsrt.FetchResult, error)
}

// Dispatcher routes one position to its vehicle's tracker.
type Dispatcher interface {
	Dispatch(pos gtfsrt.VehiclePosition)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Feed       Feed
	Dispatcher Dispatcher

	// Interval is the poll cadence. Defaults to 10s.
	Interval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Feed == nil {
		return errors.New("feed is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Stats is a snapshot of the poller's counters.
type Stats struct {
	LastPoll         time.Time `json:"last_poll"`
	LastVehicleCount int       `json:"last_vehicle_count"`
	LastTramCount    int       `json:"last_tram_count"`
	TotalPolls       int64     `json:"total_polls"`
	Errors           int64     `json:"errors"`
}

type Poller struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs the poll loop until the context is cancelled. The first poll
// fires immediately.
func (p *Poller) Start(ctx context.Context) {
	p.log.Info("poller: starting", "interval", p.cfg.Interval)
	p.pollOnce(ctx)

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller: stopped")
			return
		case <-ticker.Chan():
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	metrics.PollsTotal.Inc()

	res, err := p.cfg.Feed.Fetch(ctx)
	if err != nil {
		// A failed poll never stops the schedule.
		metrics.PollErrorsTotal.Inc()
		p.mu.Lock()
		p.stats.TotalPolls++
		p.stats.Errors++
		p.mu.Unlock()
		p.log.Warn("poller: fetch failed", "error", err)
		return
	}

	// Coalesce repeated frames for the same vehicle to the newest one.
	newest := make(map[string]gtfsrt.VehiclePosition, len(res.Vehicles))
	for _, v := range res.Vehicles {
		if cur, ok := newest[v.VehicleID]; !ok || v.FeedTimestamp.After(cur.FeedTimestamp) {
			newest[v.VehicleID] = v
		}
	}
	for _, v := range newest {
		p.cfg.Dispatcher.Dispatch(v)
	}

	p.mu.Lock()
	p.stats.LastPoll = p.cfg.Clock.Now()
	p.stats.LastVehicleCount = res.TotalEntities
	p.stats.LastTramCount = len(newest)
	p.stats.TotalPolls++
	p.mu.Unlock()

	metrics.PollVehicles.Set(float64(res.TotalEntities))
	metrics.PollTrams.Set(float64(len(newest)))
	p.log.Debug("poller: poll completed",
		"entities", res.TotalEntities, "trams", len(newest), "skipped", res.Skipped)
}

// Stats returns a copy of the current counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
