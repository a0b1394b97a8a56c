package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
)

type fakeEventSource struct {
	mu      sync.Mutex
	dates   []time.Time
	perDate map[time.Time]int64
	total   int64

	deletedDates []time.Time
	deletedAll   bool
}

func (f *fakeEventSource) DatesBefore(_ context.Context, cutoff time.Time) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, d := range f.dates {
		if d.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeEventSource) DeleteByDate(_ context.Context, date time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDates = append(f.deletedDates, date)
	return f.perDate[date], nil
}

func (f *fakeEventSource) DeleteAll(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAll = true
	return f.total, nil
}

type fakeAggChecker struct {
	aggregated map[time.Time]bool
}

func (f *fakeAggChecker) HasDailyLineStats(_ context.Context, date time.Time) (bool, error) {
	return f.aggregated[date], nil
}

func day(s string) time.Time {
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestCleaner(t *testing.T, events *fakeEventSource, agg *fakeAggChecker) *Cleaner {
	t.Helper()
	c, err := New(Config{
		Logger: logger.NewTest(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)),
		Events: events,
		Agg:    agg,
	})
	require.NoError(t, err)
	return c
}

func TestTrams_Cleanup_DryRunReportsWithoutDeleting(t *testing.T) {
	t.Parallel()

	events := &fakeEventSource{
		dates:   []time.Time{day("2025-01-05"), day("2025-01-06"), day("2025-01-10")},
		perDate: map[time.Time]int64{day("2025-01-05"): 100},
	}
	agg := &fakeAggChecker{aggregated: map[time.Time]bool{
		day("2025-01-05"): true,
		day("2025-01-06"): false,
	}}

	c := newTestCleaner(t, events, agg)
	report, err := c.Run(context.Background(), Options{OlderThanDays: 7})
	require.NoError(t, err)

	// The 15th minus 7 days: only dates strictly before the 8th qualify.
	require.Equal(t, day("2025-01-08"), report.Cutoff)
	require.Equal(t, []time.Time{day("2025-01-05")}, report.Deletable)
	require.Equal(t, []time.Time{day("2025-01-06")}, report.Skipped)
	require.False(t, report.Executed)
	require.Zero(t, report.Deleted)
	require.Empty(t, events.deletedDates)
}

func TestTrams_Cleanup_ExecuteDeletesAggregatedDatesOnly(t *testing.T) {
	t.Parallel()

	events := &fakeEventSource{
		dates: []time.Time{day("2025-01-05"), day("2025-01-06")},
		perDate: map[time.Time]int64{
			day("2025-01-05"): 100,
			day("2025-01-06"): 50,
		},
	}
	agg := &fakeAggChecker{aggregated: map[time.Time]bool{
		day("2025-01-05"): true,
	}}

	c := newTestCleaner(t, events, agg)
	report, err := c.Run(context.Background(), Options{OlderThanDays: 7, Execute: true})
	require.NoError(t, err)

	require.True(t, report.Executed)
	require.Equal(t, int64(100), report.Deleted)
	require.Equal(t, []time.Time{day("2025-01-05")}, events.deletedDates,
		"the unaggregated date survives even in execute mode")
}

func TestTrams_Cleanup_ResetAllGuards(t *testing.T) {
	t.Parallel()

	t.Run("requires confirmation", func(t *testing.T) {
		t.Parallel()
		events := &fakeEventSource{total: 1000}
		c := newTestCleaner(t, events, &fakeAggChecker{})

		_, err := c.Run(context.Background(), Options{ResetAll: true, Execute: true})
		require.ErrorContains(t, err, "confirmation")
		require.False(t, events.deletedAll)
	})

	t.Run("requires execute mode", func(t *testing.T) {
		t.Parallel()
		events := &fakeEventSource{total: 1000}
		c := newTestCleaner(t, events, &fakeAggChecker{})

		_, err := c.Run(context.Background(), Options{ResetAll: true, Confirmed: true})
		require.ErrorContains(t, err, "execute")
		require.False(t, events.deletedAll)
	})

	t.Run("wipes when both guards pass", func(t *testing.T) {
		t.Parallel()
		events := &fakeEventSource{total: 1000}
		c := newTestCleaner(t, events, &fakeAggChecker{})

		report, err := c.Run(context.Background(), Options{ResetAll: true, Execute: true, Confirmed: true})
		require.NoError(t, err)
		require.True(t, events.deletedAll)
		require.Equal(t, int64(1000), report.Deleted)
		require.True(t, report.Executed)
	})
}
