package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
)

func TestTrams_Tracker_Registry_DispatchCreatesOneTrackerPerVehicle(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClockAt(feedStart))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Close()

	p1 := at(0, 52.23, 21.01)
	p2 := at(0, 52.24, 21.02)
	p2.VehicleID = "V/4/12"

	reg.Dispatch(p1)
	reg.Dispatch(p2)
	reg.Dispatch(at(10*time.Second, 52.23, 21.01))

	require.Equal(t, 2, reg.Count())
	require.Same(t, reg.GetOrCreate("V/17/5"), reg.GetOrCreate("V/17/5"))
}

func TestTrams_Tracker_Registry_CloseForceResolvesActiveEvents(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(feedStart.Add(2 * time.Minute))
	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	// Vehicle goes immobile long enough to open a delay event.
	reg.Dispatch(at(0, 52.2300, 21.0100))
	reg.Dispatch(at(10*time.Second, 52.2300, 21.0120))
	reg.Dispatch(at(50*time.Second, 52.2300, 21.0120))

	require.Eventually(t, func() bool {
		return len(events.createdEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	reg.Close()

	// The shutdown stamps the wall clock, not the feed timeline.
	resolved := events.resolvedCalls()
	require.Len(t, resolved, 1)
	require.Equal(t, clock.Now(), resolved[0].resolvedAt)
	require.Equal(t, 110, resolved[0].duration)
	require.Equal(t, 0, reg.Count())
}

func TestTrams_Tracker_Registry_IdleTrackersReapedAndResolved(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(feedStart)
	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg, err := NewRegistry(Config{
		Logger:      logger.NewTest(),
		Clock:       clock,
		RefStore:    ref,
		Events:      events,
		Publisher:   pub,
		IdleTimeout: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Close()

	reg.Dispatch(at(0, 52.2300, 21.0100))
	reg.Dispatch(at(10*time.Second, 52.2300, 21.0120))
	reg.Dispatch(at(50*time.Second, 52.2300, 21.0120))

	require.Eventually(t, func() bool {
		return len(events.createdEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	// The vehicle drops off the feed. Past the idle timeout the sweeper
	// terminates the tracker and its open event is closed out.
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return reg.Count() == 0 && len(events.resolvedCalls()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTrams_Tracker_Registry_DeleteOrphans(t *testing.T) {
	t.Parallel()

	ref := &fakeRefStore{}
	events := &fakeEventStore{orphans: 3}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())

	require.NoError(t, reg.DeleteOrphans(context.Background()))
}

func TestTrams_Tracker_Registry_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(Config{})
	require.Error(t, err)

	ref := &fakeRefStore{}
	events := &fakeEventStore{}
	pub := &fakePublisher{}
	reg := newTestRegistry(t, ref, events, pub, clockwork.NewFakeClock())
	require.Equal(t, 3.0, reg.cfg.Thresholds.StoppedSpeedKmh)
	require.Equal(t, 30*time.Second, reg.cfg.Thresholds.BriefStop)
	require.Equal(t, 180*time.Second, reg.cfg.Thresholds.NormalDwell)
	require.Equal(t, 120*time.Second, reg.cfg.Thresholds.SignalCycle)
	require.Equal(t, 5*time.Minute, reg.cfg.IdleTimeout)
}
