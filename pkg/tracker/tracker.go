// Package tracker implements the per-vehicle delay state machine and the
// registry that owns tracker lifetimes.
//
// One tracker runs per observed vehicle. Updates for a vehicle are
// serialised through its tracker goroutine, so the "one unresolved event
// per vehicle" invariant holds without external locking.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/broker"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/geo"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/metrics"
)

// RefStore is the spatial lookup surface the tracker needs. Boolean
// lookups surface errors so the tracker can skip classification for the
// cycle.
type RefStore interface {
	NearStop(ctx context.Context, lat, lon float64) (bool, error)
	NearIntersection(ctx context.Context, lat, lon float64) (bool, error)
	LineHasTerminalAt(ctx context.Context, line string, lat, lon float64) (bool, error)
}

// EventStore is the persistence surface for delay events.
type EventStore interface {
	Create(ctx context.Context, attrs delaystore.CreateAttrs) (delaystore.Event, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time, durationSeconds int, multiCycle bool) error
	DeleteOrphansUnresolved(ctx context.Context) (int64, error)
}

// Publisher broadcasts delay lifecycle messages.
type Publisher interface {
	Publish(broker.Message)
}

type State int

const (
	StateUnknown State = iota
	StateMoving
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateMoving:
		return "moving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Thresholds are the detection constants. Zero fields take the Warsaw
// defaults.
type Thresholds struct {
	// StoppedSpeedKmh is the speed below which a vehicle counts as
	// stopped. Tolerates GPS drift and crawling.
	StoppedSpeedKmh float64

	// BriefStop is the grace period away from stops before a delay is
	// persisted.
	BriefStop time.Duration

	// NormalDwell is the grace period at a stop before a blockage is
	// persisted.
	NormalDwell time.Duration

	// SignalCycle is the Warsaw signal cycle. An intersection delay
	// longer than one cycle means at least one missed green phase.
	SignalCycle time.Duration
}

func (t *Thresholds) applyDefaults() {
	if t.StoppedSpeedKmh <= 0 {
		t.StoppedSpeedKmh = 3.0
	}
	if t.BriefStop <= 0 {
		t.BriefStop = 30 * time.Second
	}
	if t.NormalDwell <= 0 {
		t.NormalDwell = 180 * time.Second
	}
	if t.SignalCycle <= 0 {
		t.SignalCycle = 120 * time.Second
	}
}

const maxSamples = 10

type spatialContext struct {
	atStop           bool
	nearIntersection bool
	atTerminal       bool
}

// Tracker is the state machine for a single vehicle. All fields below the
// channel are owned by the tracker goroutine.
type Tracker struct {
	log       *slog.Logger
	vehicleID string
	reg       *Registry

	updates chan gtfsrt.VehiclePosition
	stop    chan struct{}
	done    chan struct{}

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	samples      []gtfsrt.VehiclePosition // newest first
	state        State
	stoppedSince time.Time
	spatial      *spatialContext
	active       *delaystore.Event
}

func newTracker(reg *Registry, vehicleID string) *Tracker {
	return &Tracker{
		log:       reg.log.With("vehicle_id", vehicleID),
		vehicleID: vehicleID,
		reg:       reg,
		updates:   make(chan gtfsrt.VehiclePosition, reg.cfg.UpdateBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lastSeen:  reg.cfg.Clock.Now(),
	}
}

// Deliver hands an update to the tracker without blocking. A full buffer
// drops the update; the next poll supersedes it anyway.
func (t *Tracker) Deliver(pos gtfsrt.VehiclePosition) bool {
	select {
	case t.updates <- pos:
		return true
	default:
		metrics.TrackerUpdatesDropped.Inc()
		return false
	}
}

func (t *Tracker) touch(now time.Time) {
	t.lastSeenMu.Lock()
	t.lastSeen = now
	t.lastSeenMu.Unlock()
}

func (t *Tracker) idleSince(now time.Time) time.Duration {
	t.lastSeenMu.Lock()
	defer t.lastSeenMu.Unlock()
	return now.Sub(t.lastSeen)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			t.forceResolve(context.WithoutCancel(ctx))
			return
		case <-t.stop:
			t.forceResolve(ctx)
			return
		case pos := <-t.updates:
			t.handle(ctx, pos)
		}
	}
}

func (t *Tracker) handle(ctx context.Context, pos gtfsrt.VehiclePosition) {
	t.touch(t.reg.cfg.Clock.Now())

	// Feed frames must advance the per-vehicle timeline; repeats of the
	// same frame carry no new information.
	if len(t.samples) > 0 && !pos.FeedTimestamp.After(t.samples[0].FeedTimestamp) {
		return
	}

	var prev *gtfsrt.VehiclePosition
	if len(t.samples) > 0 {
		p := t.samples[0]
		prev = &p
	}

	t.samples = append([]gtfsrt.VehiclePosition{pos}, t.samples...)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[:maxSamples]
	}

	if prev == nil {
		t.state = StateUnknown
		return
	}

	elapsed := pos.FeedTimestamp.Sub(prev.FeedTimestamp)
	dist := geo.HaversineM(prev.Lat, prev.Lon, pos.Lat, pos.Lon)
	speed := geo.SpeedKmh(dist, elapsed)

	now := pos.FeedTimestamp
	if speed >= t.reg.cfg.Thresholds.StoppedSpeedKmh {
		t.toMoving(ctx, now)
		return
	}

	if t.state != StateStopped {
		t.state = StateStopped
		// The stopped interval covers the pair of samples the speed was
		// measured over, so immobility starts at the older one.
		t.stoppedSince = prev.FeedTimestamp
	}
	t.classify(ctx, pos, now)
}

func (t *Tracker) toMoving(ctx context.Context, now time.Time) {
	t.resolveActive(ctx, now)
	t.state = StateMoving
	t.stoppedSince = time.Time{}
	t.spatial = nil
}

// classify runs on every stopped sample. The spatial triple is resolved
// once per immobility; while stopped the vehicle is geographically still
// within the lookup radii, so the cached answer stays valid.
func (t *Tracker) classify(ctx context.Context, pos gtfsrt.VehiclePosition, now time.Time) {
	if t.spatial == nil {
		sp, err := t.resolveSpatial(ctx, pos)
		if err != nil {
			t.log.Warn("tracker: spatial lookup failed, skipping classification this cycle", "error", err)
			return
		}
		t.spatial = sp
	}

	if t.spatial.atTerminal {
		// Layover at the line's own terminal. Normal operation.
		return
	}

	duration := now.Sub(t.stoppedSince)
	var classification delaystore.Classification
	switch {
	case t.spatial.atStop && duration > t.reg.cfg.Thresholds.NormalDwell:
		classification = delaystore.ClassificationBlockage
	case !t.spatial.atStop && duration > t.reg.cfg.Thresholds.BriefStop:
		classification = delaystore.ClassificationDelay
	default:
		// normal_dwell / brief_stop. Transient, never persisted.
		return
	}

	// One physical immobility is one event, classified by whichever
	// threshold tripped first.
	if t.active != nil {
		return
	}

	ev, err := t.reg.cfg.Events.Create(ctx, delaystore.CreateAttrs{
		VehicleID:        t.vehicleID,
		Line:             pos.Line,
		TripID:           pos.TripID,
		Lat:              pos.Lat,
		Lon:              pos.Lon,
		StartedAt:        t.stoppedSince,
		Classification:   classification,
		AtStop:           t.spatial.atStop,
		NearIntersection: t.spatial.nearIntersection,
	})
	if err != nil {
		// No in-sample retry. The vehicle is still stopped, so the next
		// sample reattempts.
		t.log.Error("tracker: failed to create delay event", "error", err)
		return
	}

	t.active = &ev
	metrics.EventsCreated.WithLabelValues(string(classification)).Inc()
	t.log.Info("tracker: delay event created",
		"event_id", ev.ID, "classification", classification,
		"at_stop", ev.AtStop, "near_intersection", ev.NearIntersection)
	t.reg.cfg.Publisher.Publish(broker.Message{Kind: broker.KindDelayStarted, Event: ev})
}

func (t *Tracker) resolveSpatial(ctx context.Context, pos gtfsrt.VehiclePosition) (*spatialContext, error) {
	ctx, cancel := context.WithTimeout(ctx, t.reg.cfg.LookupTimeout)
	defer cancel()

	var sp spatialContext
	var err error
	if pos.Line != "" {
		sp.atTerminal, err = t.reg.cfg.RefStore.LineHasTerminalAt(ctx, pos.Line, pos.Lat, pos.Lon)
		if err != nil {
			return nil, err
		}
	}
	sp.atStop, err = t.reg.cfg.RefStore.NearStop(ctx, pos.Lat, pos.Lon)
	if err != nil {
		return nil, err
	}
	sp.nearIntersection, err = t.reg.cfg.RefStore.NearIntersection(ctx, pos.Lat, pos.Lon)
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// resolveActive finalises the active event, if any. A failed resolve is
// left for orphan deletion on the next start; holding on to the handle
// would pin a moving vehicle to a stale event.
func (t *Tracker) resolveActive(ctx context.Context, now time.Time) {
	if t.active == nil {
		return
	}
	ev := *t.active
	t.active = nil

	duration := int(now.Sub(ev.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	multiCycle := ev.NearIntersection &&
		time.Duration(duration)*time.Second > t.reg.cfg.Thresholds.SignalCycle

	if err := t.reg.cfg.Events.Resolve(ctx, ev.ID, now, duration, multiCycle); err != nil {
		t.log.Error("tracker: failed to resolve delay event", "event_id", ev.ID, "error", err)
		return
	}

	ev.ResolvedAt = &now
	ev.DurationSeconds = &duration
	ev.MultiCycle = multiCycle
	metrics.EventsResolved.WithLabelValues(string(ev.Classification)).Inc()
	t.log.Info("tracker: delay event resolved",
		"event_id", ev.ID, "duration_seconds", duration, "multi_cycle", multiCycle)
	t.reg.cfg.Publisher.Publish(broker.Message{Kind: broker.KindDelayResolved, Event: ev})
}

// forceResolve closes out the active event on termination, stamping the
// current wall clock as the resolution time.
func (t *Tracker) forceResolve(ctx context.Context) {
	t.resolveActive(ctx, t.reg.cfg.Clock.Now())
}

// Done is closed when the tracker goroutine has exited.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}
