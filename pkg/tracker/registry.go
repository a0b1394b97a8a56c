package tracker

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

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	RefStore  RefStore
	Events    EventStore
	Publisher Publisher

	Thresholds Thresholds

	// IdleTimeout terminates a tracker that has received no update for
	// this long. Defaults to 5 minutes.
	IdleTimeout time.Duration

	// LookupTimeout bounds each spatial lookup. Defaults to 500ms.
	LookupTimeout time.Duration

	// SweepInterval is the cadence of the idle reaper. Defaults to 30s.
	SweepInterval time.Duration

	// UpdateBuffer is the per-tracker update channel capacity. Defaults
	// to 8.
	UpdateBuffer int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.RefStore == nil {
		return errors.New("reference store is required")
	}
	if c.Events == nil {
		return errors.New("event store is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 8
	}
	c.Thresholds.applyDefaults()
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry maps vehicle ids to live trackers and owns their lifetimes.
type Registry struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	trackers map[string]*Tracker
	ctx      context.Context
	started  bool

	wg sync.WaitGroup
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		log:      cfg.Logger,
		cfg:      cfg,
		trackers: make(map[string]*Tracker),
	}, nil
}

// DeleteOrphans removes unresolved events left over from a previous run.
// Must run exactly once, before the poller starts delivering updates.
func (r *Registry) DeleteOrphans(ctx context.Context) error {
	n, err := r.cfg.Events.DeleteOrphansUnresolved(ctx)
	if err != nil {
		return err
	}
	r.log.Info("registry: orphan events deleted", "count", n)
	return nil
}

// Start begins the idle reaper. The context bounds the lifetime of every
// tracker the registry creates.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.started = true
	r.mu.Unlock()

	go r.sweepLoop(ctx)
}

// GetOrCreate returns the vehicle's tracker, starting one on first
// sighting.
func (r *Registry) GetOrCreate(vehicleID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[vehicleID]; ok {
		return t
	}

	t := newTracker(r, vehicleID)
	r.trackers[vehicleID] = t
	metrics.TrackersLive.Set(float64(len(r.trackers)))

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t.run(ctx)
	}()

	r.log.Debug("registry: tracker started", "vehicle_id", vehicleID)
	return t
}

// Dispatch routes one position update to its vehicle's tracker.
func (r *Registry) Dispatch(pos gtfsrt.VehiclePosition) {
	t := r.GetOrCreate(pos.VehicleID)
	if !t.Deliver(pos) {
		r.log.Warn("registry: tracker buffer full, update dropped", "vehicle_id", pos.VehicleID)
	}
}

// Count returns the number of live trackers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// sweep terminates trackers that have been idle past the timeout. Each
// terminated tracker force-resolves its active event, so vehicles that
// drop off the feed never leave an event dangling.
func (r *Registry) sweep() {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	var reaped []*Tracker
	for id, t := range r.trackers {
		if t.idleSince(now) >= r.cfg.IdleTimeout {
			delete(r.trackers, id)
			reaped = append(reaped, t)
		}
	}
	metrics.TrackersLive.Set(float64(len(r.trackers)))
	r.mu.Unlock()

	for _, t := range reaped {
		close(t.stop)
		r.log.Info("registry: idle tracker reaped", "vehicle_id", t.vehicleID)
	}
}

// Close terminates all trackers and waits for them to force-resolve and
// exit.
func (r *Registry) Close() {
	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for id, t := range r.trackers {
		delete(r.trackers, id)
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	for _, t := range trackers {
		close(t.stop)
	}
	r.wg.Wait()
	r.log.Info("registry: all trackers stopped", "count", len(trackers))
}
