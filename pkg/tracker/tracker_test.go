package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/broker"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
)

type fakeRefStore struct {
	mu               sync.Mutex
	atStop           bool
	nearIntersection bool
	terminalLines    map[string]bool
	failLookups      int
	lookups          int
}

func (f *fakeRefStore) NearStop(_ context.Context, _, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.failLookups > 0 {
		f.failLookups--
		return false, errors.New("lookup failed")
	}
	return f.atStop, nil
}

func (f *fakeRefStore) NearIntersection(_ context.Context, _, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nearIntersection, nil
}

func (f *fakeRefStore) LineHasTerminalAt(_ context.Context, line string, _, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminalLines[line], nil
}

type resolvedCall struct {
	id         uuid.UUID
	resolvedAt time.Time
	duration   int
	multiCycle bool
}

type fakeEventStore struct {
	mu        sync.Mutex
	created   []delaystore.Event
	resolved  []resolvedCall
	createErr error
	orphans   int64
}

func (f *fakeEventStore) Create(_ context.Context, attrs delaystore.CreateAttrs) (delaystore.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return delaystore.Event{}, f.createErr
	}
	ev := delaystore.Event{
		ID:               uuid.New(),
		VehicleID:        attrs.VehicleID,
		Line:             attrs.Line,
		TripID:           attrs.TripID,
		Lat:              attrs.Lat,
		Lon:              attrs.Lon,
		StartedAt:        attrs.StartedAt,
		Classification:   attrs.Classification,
		AtStop:           attrs.AtStop,
		NearIntersection: attrs.NearIntersection,
	}
	f.created = append(f.created, ev)
	return ev, nil
}

func (f *fakeEventStore) Resolve(_ context.Context, id uuid.UUID, resolvedAt time.Time, durationSeconds int, multiCycle bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, resolvedCall{
		id:         id,
		resolvedAt: resolvedAt,
		duration:   durationSeconds,
		multiCycle: multiCycle,
	})
	return nil
}

func (f *fakeEventStore) DeleteOrphansUnresolved(_ context.Context) (int64, error) {
	return f.orphans, nil
}

func (f *fakeEventStore) createdEvents() []delaystore.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delaystore.Event(nil), f.created...)
}

func (f *fakeEventStore) resolvedCalls() []resolvedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resolvedCall(nil), f.resolved...)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []broker.Message
}

func (f *fakePublisher) Publish(m broker.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakePublisher) published() []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Message(nil), f.messages...)
}

func newTestRegistry(t *testing.T, ref *fakeRefStore, events *fakeEventStore, pub *fakePublisher, clock clockwork.Clock) *Registry {
	t.Helper()
	reg, err := NewRegistry(Config{
		Logger:    logger.NewTest(),
		Clock:     clock,
		RefStore:  ref,
		Events:    events,
		Publisher: pub,
	})
	require.NoError(t, err)
	return reg
}

var feedStart = time.Date(2025, 1, 7, 8, 0, 0, 0, time.UTC)

// at returns a stationary sample for tram 17 at the given feed offset.
func at(offset time.Duration, lat, lon float64) gtfsrt.VehiclePosition {
	return gtfsrt.VehiclePosition{
		VehicleID:     "V/17/5",
		Line:          "17",
		Brigade:       "5",
		TripID:        "RA/17/2025-01-07/05/DP",
		Lat:           lat,
		Lon:           lon,
		FeedTimestamp: feedStart.Add(offset),
	}
}

// drive feeds samples through the state machine synchronously.
func drive(t *testing.T, tr *Tracker, samples ...gtfsrt.VehiclePosition) {
	t.Helper()
	for _, s := range samples {
		tr.handle(context.Background(), s)
	}
}

func TestTrams_Tracker_DelayAwayFromStops(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	// Moving for one interval, then motionless between stops for 80s,
	// then away again. ~0.002 deg longitude is well over 3 km/h at 10s.
	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
		at(20*time.Second, 52.2300, 21.0120),
		at(30*time.Second, 52.2300, 21.0120),
		at(40*time.Second, 52.2300, 21.0120),
	)
	// 30s since the last moving sample. Still within the grace period.
	require.Empty(t, events.createdEvents())

	drive(t, tr, at(50*time.Second, 52.2300, 21.0120))
	created := events.createdEvents()
	require.Len(t, created, 1)
	require.Equal(t, delaystore.ClassificationDelay, created[0].Classification)
	require.Equal(t, "17", created[0].Line)
	require.False(t, created[0].AtStop)
	// Immobility is backdated to the older sample of the first stopped
	// pair.
	require.Equal(t, feedStart.Add(10*time.Second), created[0].StartedAt)

	// Still stopped: no second event for the same immobility.
	drive(t, tr, at(60*time.Second, 52.2300, 21.0120))
	require.Len(t, events.createdEvents(), 1)

	// Departure resolves the event with the full stopped duration.
	drive(t, tr, at(90*time.Second, 52.2300, 21.0140))
	resolved := events.resolvedCalls()
	require.Len(t, resolved, 1)
	require.Equal(t, created[0].ID, resolved[0].id)
	require.Equal(t, 80, resolved[0].duration)
	require.False(t, resolved[0].multiCycle)
	require.Equal(t, feedStart.Add(90*time.Second), resolved[0].resolvedAt)

	msgs := pub.published()
	require.Len(t, msgs, 2)
	require.Equal(t, broker.KindDelayStarted, msgs[0].Kind)
	require.Equal(t, broker.KindDelayResolved, msgs[1].Kind)
	require.NotNil(t, msgs[1].Event.DurationSeconds)
	require.Equal(t, 80, *msgs[1].Event.DurationSeconds)
}

func TestTrams_Tracker_BriefStopNeverPersisted(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	// Stopped for 30s between stops, then away. Exactly at the grace
	// boundary: 30s is not over it.
	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
		at(20*time.Second, 52.2300, 21.0120),
		at(30*time.Second, 52.2300, 21.0120),
		at(40*time.Second, 52.2300, 21.0120),
		at(50*time.Second, 52.2300, 21.0140),
	)

	require.Empty(t, events.createdEvents())
	require.Empty(t, events.resolvedCalls())
	require.Empty(t, pub.published())
}

func TestTrams_Tracker_BlockageAtStop(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{atStop: true}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	// Dwelling at a stop. 180s is a normal dwell; only crossing it makes
	// a blockage.
	samples := []gtfsrt.VehiclePosition{
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
	}
	for off := 20 * time.Second; off <= 190*time.Second; off += 10 * time.Second {
		samples = append(samples, at(off, 52.2300, 21.0120))
	}
	drive(t, tr, samples...)
	// Longest observed duration so far: 190-10 = 180s. Not over the dwell.
	require.Empty(t, events.createdEvents())

	drive(t, tr, at(200*time.Second, 52.2300, 21.0120))
	created := events.createdEvents()
	require.Len(t, created, 1)
	require.Equal(t, delaystore.ClassificationBlockage, created[0].Classification)
	require.True(t, created[0].AtStop)

	drive(t, tr, at(220*time.Second, 52.2300, 21.0140))
	resolved := events.resolvedCalls()
	require.Len(t, resolved, 1)
	require.Equal(t, 210, resolved[0].duration)
}

func TestTrams_Tracker_IntersectionMultiCycle(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{nearIntersection: true}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	samples := []gtfsrt.VehiclePosition{
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
	}
	for off := 20 * time.Second; off <= 140*time.Second; off += 10 * time.Second {
		samples = append(samples, at(off, 52.2300, 21.0120))
	}
	samples = append(samples, at(150*time.Second, 52.2300, 21.0140))
	drive(t, tr, samples...)

	created := events.createdEvents()
	require.Len(t, created, 1)
	require.Equal(t, delaystore.ClassificationDelay, created[0].Classification)
	require.True(t, created[0].NearIntersection)

	// 140s of immobility is longer than one 120s signal cycle.
	resolved := events.resolvedCalls()
	require.Len(t, resolved, 1)
	require.Equal(t, 140, resolved[0].duration)
	require.True(t, resolved[0].multiCycle)
}

func TestTrams_Tracker_ShortIntersectionWaitIsSingleCycle(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{nearIntersection: true}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
		at(50*time.Second, 52.2300, 21.0120),
		at(90*time.Second, 52.2300, 21.0140),
	)

	resolved := events.resolvedCalls()
	require.Len(t, resolved, 1)
	require.Equal(t, 80, resolved[0].duration)
	require.False(t, resolved[0].multiCycle, "80s at a light fits one cycle")
}

func TestTrams_Tracker_TerminalLayoverSuppressed(t *testing.T) {
	t.Parallel()

	t.Run("tram at its own terminal never opens an event", func(t *testing.T) {
		t.Parallel()
		ref := &fakeRefStore{atStop: true, terminalLines: map[string]bool{"17": true}}
		events := &fakeEventStore{}
		pub := &fakePublisher{}
		reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
		tr := newTracker(reg, "V/17/5")

		samples := []gtfsrt.VehiclePosition{
			at(0, 52.2300, 21.0100),
			at(10*time.Second, 52.2300, 21.0120),
		}
		for off := 20 * time.Second; off <= 600*time.Second; off += 10 * time.Second {
			samples = append(samples, at(off, 52.2300, 21.0120))
		}
		drive(t, tr, samples...)

		require.Empty(t, events.createdEvents())
		require.Empty(t, pub.published())
	})

	t.Run("another line at the same spot is still tracked", func(t *testing.T) {
		t.Parallel()
		// The terminal belongs to line 25, the stuck tram is line 17.
		ref := &fakeRefStore{atStop: true, terminalLines: map[string]bool{"25": true}}
		events := &fakeEventStore{}
		pub := &fakePublisher{}
		reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
		tr := newTracker(reg, "V/17/5")

		samples := []gtfsrt.VehiclePosition{
			at(0, 52.2300, 21.0100),
			at(10*time.Second, 52.2300, 21.0120),
		}
		for off := 20 * time.Second; off <= 300*time.Second; off += 10 * time.Second {
			samples = append(samples, at(off, 52.2300, 21.0120))
		}
		drive(t, tr, samples...)

		created := events.createdEvents()
		require.Len(t, created, 1)
		require.Equal(t, delaystore.ClassificationBlockage, created[0].Classification)
	})
}

func TestTrams_Tracker_SpatialLookupFailureSkipsCycle(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{failLookups: 1}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
		// Lookup fails here. Classification is skipped, not guessed.
		at(50*time.Second, 52.2300, 21.0120),
	)
	require.Empty(t, events.createdEvents())

	// Next sample retries the lookup and the event is created with the
	// original started_at.
	drive(t, tr, at(60*time.Second, 52.2300, 21.0120))
	created := events.createdEvents()
	require.Len(t, created, 1)
	require.Equal(t, feedStart.Add(10*time.Second), created[0].StartedAt)
}

func TestTrams_Tracker_CreateFailureRetriesNextSample(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{createErr: errors.New("db down")}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
		at(50*time.Second, 52.2300, 21.0120),
	)
	require.Empty(t, events.createdEvents())
	require.Empty(t, pub.published())

	events.mu.Lock()
	events.createErr = nil
	events.mu.Unlock()

	drive(t, tr, at(60*time.Second, 52.2300, 21.0120))
	require.Len(t, events.createdEvents(), 1)
}

func TestTrams_Tracker_StaleFrameIgnored(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.2300, 21.0120),
	)
	require.Len(t, tr.samples, 2)

	// Repeats and rewinds of the feed timestamp are dropped.
	drive(t, tr, at(10*time.Second, 52.2300, 21.0120))
	drive(t, tr, at(5*time.Second, 52.2300, 21.0999))
	require.Len(t, tr.samples, 2)
	require.Equal(t, StateMoving, tr.state)
}

func TestTrams_Tracker_GPSDriftStaysStopped(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	tr := newTracker(reg, "V/17/5")

	// ~3m of jitter per 10s sample is ~1 km/h, below the stopped
	// threshold. The immobility must survive the drift.
	drive(t, tr,
		at(0, 52.2300, 21.0100),
		at(10*time.Second, 52.23000, 21.01200),
		at(20*time.Second, 52.23002, 21.01201),
		at(30*time.Second, 52.23000, 21.01199),
		at(40*time.Second, 52.23001, 21.01200),
		at(50*time.Second, 52.23000, 21.01200),
	)

	created := events.createdEvents()
	require.Len(t, created, 1)
	require.Equal(t, feedStart.Add(10*time.Second), created[0].StartedAt)
}
