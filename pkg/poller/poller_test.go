package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
)

type fakeFeed struct {
	mu      sync.Mutex
	results []gtfsrt.FetchResult
	errs    []error
	calls   int
}

func (f *fakeFeed) Fetch(_ context.Context) (gtfsrt.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return gtfsrt.FetchResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return gtfsrt.FetchResult{}, nil
}

func (f *fakeFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []gtfsrt.VehiclePosition
}

func (f *fakeDispatcher) Dispatch(pos gtfsrt.VehiclePosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, pos)
}

func (f *fakeDispatcher) positions() []gtfsrt.VehiclePosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gtfsrt.VehiclePosition(nil), f.dispatched...)
}

func TestTrams_Poller_CoalescesRepeatedFrames(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 7, 8, 0, 0, 0, time.UTC)
	feed := &fakeFeed{results: []gtfsrt.FetchResult{{
		Vehicles: []gtfsrt.VehiclePosition{
			{VehicleID: "V/17/5", Lat: 52.23, Lon: 21.01, FeedTimestamp: base},
			{VehicleID: "V/17/5", Lat: 52.24, Lon: 21.02, FeedTimestamp: base.Add(10 * time.Second)},
			{VehicleID: "V/4/12", Lat: 52.25, Lon: 21.03, FeedTimestamp: base},
		},
		TotalEntities: 3,
	}}}
	disp := &fakeDispatcher{}

	p, err := New(Config{
		Logger:     logger.NewTest(),
		Clock:      clockwork.NewFakeClockAt(base),
		Feed:       feed,
		Dispatcher: disp,
	})
	require.NoError(t, err)

	p.pollOnce(context.Background())

	got := disp.positions()
	require.Len(t, got, 2, "one position per vehicle")
	byID := make(map[string]gtfsrt.VehiclePosition, len(got))
	for _, pos := range got {
		byID[pos.VehicleID] = pos
	}
	// The newer of the two frames for V/17/5 wins.
	require.Equal(t, base.Add(10*time.Second), byID["V/17/5"].FeedTimestamp)
	require.Equal(t, 52.24, byID["V/17/5"].Lat)

	stats := p.Stats()
	require.Equal(t, int64(1), stats.TotalPolls)
	require.Equal(t, int64(0), stats.Errors)
	require.Equal(t, 3, stats.LastVehicleCount)
	require.Equal(t, 2, stats.LastTramCount)
	require.Equal(t, base, stats.LastPoll)
}

func TestTrams_Poller_FetchFailureCountsButKeepsSchedule(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{errs: []error{errors.New("feed unreachable")}}
	disp := &fakeDispatcher{}

	p, err := New(Config{
		Logger:     logger.NewTest(),
		Clock:      clockwork.NewFakeClock(),
		Feed:       feed,
		Dispatcher: disp,
	})
	require.NoError(t, err)

	p.pollOnce(context.Background())
	require.Empty(t, disp.positions())
	require.Equal(t, int64(1), p.Stats().Errors)
	require.Equal(t, int64(1), p.Stats().TotalPolls)

	// The next cycle succeeds as if nothing happened.
	p.pollOnce(context.Background())
	require.Equal(t, int64(1), p.Stats().Errors)
	require.Equal(t, int64(2), p.Stats().TotalPolls)
}

func TestTrams_Poller_StartPollsImmediatelyThenOnTicks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	feed := &fakeFeed{}
	disp := &fakeDispatcher{}

	p, err := New(Config{
		Logger:     logger.NewTest(),
		Clock:      clock,
		Feed:       feed,
		Dispatcher: disp,
		Interval:   10 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return feed.callCount() == 1
	}, time.Second, 5*time.Millisecond, "first poll fires without waiting for a tick")

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return feed.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestTrams_Poller_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: logger.NewTest()})
	require.Error(t, err)

	p, err := New(Config{
		Logger:     logger.NewTest(),
		Feed:       &fakeFeed{},
		Dispatcher: &fakeDispatcher{},
	})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, p.cfg.Interval)
}
