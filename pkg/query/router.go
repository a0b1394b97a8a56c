// Package query serves the dashboard figures by merging the aggregate
// tables with the raw tail the aggregator has not covered yet.
package query

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/aggregator"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/geo"
)

// AggReader is the aggregate-table read surface, normally *Store.
type AggReader interface {
	HotSpotRows(ctx context.Context, date time.Time) ([]HotSpot, error)
	LineRows(ctx context.Context, date time.Time) ([]LineImpact, error)
	LineHourRows(ctx context.Context, date time.Time, line string) ([]LineHour, error)
	HeatmapRows(ctx context.Context) ([]HeatmapCell, error)
	IntersectionHourRows(ctx context.Context, date time.Time, latRound, lonRound float64) ([]IntersectionHour, []HotSpot, error)
	CoveredHour(ctx context.Context, hourStart time.Time) (bool, error)
	DateCost(ctx context.Context, date time.Time) (float64, error)
}

// RawReader is the raw-event read surface, normally delaystore.Store.
type RawReader interface {
	Scan(ctx context.Context, from, to time.Time, f delaystore.Filter) ([]delaystore.Event, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Agg    AggReader
	Raw    RawReader

	Cost aggregator.CostConfig

	// NameLookup resolves nearest-stop names for buckets the aggregate
	// rows have no cached name for. Optional.
	NameLookup func(ctx context.Context, lat, lon float64) string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Agg == nil {
		return errors.New("aggregate reader is required")
	}
	if c.Raw == nil {
		return errors.New("raw reader is required")
	}
	if c.Cost == (aggregator.CostConfig{}) {
		c.Cost = aggregator.DefaultCostConfig()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Router merges aggregate rows with the raw tail since the last
// aggregation boundary.
type Router struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{log: cfg.Logger, cfg: cfg}, nil
}

// Boundary returns the wall-clock floor of the raw tail for a given
// instant. Past minute 5 the scheduled run has covered through the
// previous hour, so the tail starts at the current hour; before minute 5
// it also spans the previous hour. The floor is tightened at query time
// when the previous hour turns out to be aggregated already.
func Boundary(now time.Time) time.Time {
	now = now.UTC()
	hourStart := now.Truncate(time.Hour)
	if now.Minute() >= aggregator.RunMinute {
		return hourStart
	}
	return hourStart.Add(-time.Hour)
}

// tail returns the resolved raw events between the boundary and now, or
// nil when the queried date is not today (closed dates are fully covered
// by aggregates). Startup catch-up can aggregate the previous hour ahead
// of its minute-5 run; a covered previous hour is excluded so its events
// are not counted both from the aggregates and from the tail.
func (r *Router) tail(ctx context.Context, date time.Time, f delaystore.Filter) ([]delaystore.Event, error) {
	now := r.cfg.Clock.Now().UTC()
	if !sameDate(date, now) {
		return nil, nil
	}

	start := Boundary(now)
	if hourStart := now.Truncate(time.Hour); start.Before(hourStart) {
		covered, err := r.cfg.Agg.CoveredHour(ctx, start)
		if err != nil {
			return nil, err
		}
		if covered {
			start = hourStart
		}
	}

	resolved := true
	f.Resolved = &resolved
	return r.cfg.Raw.Scan(ctx, start, now, f)
}

// HotSpots returns the date's intersection buckets, tail-merged and
// sorted by total seconds descending.
func (r *Router) HotSpots(ctx context.Context, date time.Time) ([]HotSpot, error) {
	spots, err := r.cfg.Agg.HotSpotRows(ctx, date)
	if err != nil {
		return nil, err
	}

	near := true
	tail, err := r.tail(ctx, date, delaystore.Filter{NearIntersection: &near})
	if err != nil {
		return nil, err
	}

	type key struct{ lat, lon float64 }
	index := make(map[key]int, len(spots))
	for i, s := range spots {
		index[key{s.LatRound, s.LonRound}] = i
	}

	for _, ev := range tail {
		k := key{
			geo.RoundCoord(ev.Lat, aggregator.BucketPrecision),
			geo.RoundCoord(ev.Lon, aggregator.BucketPrecision),
		}
		i, ok := index[k]
		if !ok {
			spots = append(spots, HotSpot{LatRound: k.lat, LonRound: k.lon, Lines: []string{}})
			i = len(spots) - 1
			index[k] = i
		}
		spots[i].DelayCount++
		spots[i].TotalSeconds += *ev.DurationSeconds
		spots[i].CostPLN += r.cfg.Cost.Cost(*ev.DurationSeconds, ev.StartedAt.UTC().Hour())
		if ev.MultiCycle {
			spots[i].MultiCycleCount++
		}
		if ev.Line != "" {
			spots[i].Lines = unionLine(spots[i].Lines, ev.Line)
		}
	}

	if r.cfg.NameLookup != nil {
		for i := range spots {
			if spots[i].NearestStopName == "" {
				spots[i].NearestStopName = r.cfg.NameLookup(ctx, spots[i].LatRound, spots[i].LonRound)
			}
		}
	}

	sort.Slice(spots, func(i, j int) bool { return spots[i].TotalSeconds > spots[j].TotalSeconds })
	return spots, nil
}

// ImpactedLines returns per-line totals for the date, tail-merged, with
// averages recomputed after the merge.
func (r *Router) ImpactedLines(ctx context.Context, date time.Time) ([]LineImpact, error) {
	lines, err := r.cfg.Agg.LineRows(ctx, date)
	if err != nil {
		return nil, err
	}

	tail, err := r.tail(ctx, date, delaystore.Filter{})
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(lines))
	for i, l := range lines {
		index[l.Line] = i
	}
	for _, ev := range tail {
		i, ok := index[ev.Line]
		if !ok {
			lines = append(lines, LineImpact{Line: ev.Line})
			i = len(lines) - 1
			index[ev.Line] = i
		}
		switch ev.Classification {
		case delaystore.ClassificationBlockage:
			lines[i].BlockageCount++
		default:
			lines[i].DelayCount++
		}
		if ev.NearIntersection {
			lines[i].IntersectionCount++
		}
		lines[i].TotalSeconds += *ev.DurationSeconds
	}

	for i := range lines {
		if n := lines[i].DelayCount + lines[i].BlockageCount; n > 0 {
			lines[i].AvgSeconds = float64(lines[i].TotalSeconds) / float64(n)
		}
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].TotalSeconds > lines[j].TotalSeconds })
	return lines, nil
}

// LineHourBreakdown returns the line's per-hour buckets for the date.
// For hours the aggregator has not covered, the raw tail figure stands
// in; for covered hours the since-boundary delta is added on top. Which
// case applies is decided by row existence per (date, hour).
func (r *Router) LineHourBreakdown(ctx context.Context, date time.Time, line string) ([]LineHour, error) {
	rows, err := r.cfg.Agg.LineHourRows(ctx, date, line)
	if err != nil {
		return nil, err
	}

	tail, err := r.tail(ctx, date, delaystore.Filter{Line: line})
	if err != nil {
		return nil, err
	}

	byHour := make(map[int]*LineHour, len(rows))
	for i := range rows {
		byHour[rows[i].Hour] = &rows[i]
	}

	tailByHour := make(map[int]*LineHour)
	for _, ev := range tail {
		h := ev.StartedAt.UTC().Hour()
		cell, ok := tailByHour[h]
		if !ok {
			cell = &LineHour{Hour: h}
			tailByHour[h] = cell
		}
		switch ev.Classification {
		case delaystore.ClassificationBlockage:
			cell.BlockageCount++
		default:
			cell.DelayCount++
		}
		if ev.NearIntersection {
			cell.IntersectionDelays++
		}
		cell.TotalSeconds += *ev.DurationSeconds
	}

	for h, cell := range tailByHour {
		agg, ok := byHour[h]
		if !ok {
			// No aggregate row for this (date, hour): the tail figure
			// stands in for the whole bucket.
			c := *cell
			byHour[h] = &c
			continue
		}
		// The aggregator has already covered this hour; the tail events
		// started after the boundary and are added as a delta.
		agg.DelayCount += cell.DelayCount
		agg.BlockageCount += cell.BlockageCount
		agg.TotalSeconds += cell.TotalSeconds
		agg.IntersectionDelays += cell.IntersectionDelays
	}

	out := make([]LineHour, 0, len(byHour))
	for _, cell := range byHour {
		out = append(out, *cell)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

// Summary returns the date-wide totals across all lines, tail-merged.
func (r *Router) Summary(ctx context.Context, date time.Time) (Summary, error) {
	lines, err := r.ImpactedLines(ctx, date)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Date: date.UTC().Format("2006-01-02")}
	for _, l := range lines {
		s.DelayCount += l.DelayCount
		s.BlockageCount += l.BlockageCount
		s.TotalSeconds += l.TotalSeconds
		if l.DelayCount+l.BlockageCount > 0 {
			s.LinesAffected++
		}
	}

	cost, err := r.cfg.Agg.DateCost(ctx, date)
	if err != nil {
		return Summary{}, err
	}
	s.CostPLN = cost

	near := true
	tail, err := r.tail(ctx, date, delaystore.Filter{NearIntersection: &near})
	if err != nil {
		return Summary{}, err
	}
	for _, ev := range tail {
		s.CostPLN += r.cfg.Cost.Cost(*ev.DurationSeconds, ev.StartedAt.UTC().Hour())
	}
	return s, nil
}

// Heatmap returns the all-time day-of-week x hour grid straight from the
// cumulative counters. No tail merge; the grid is not a windowed view.
func (r *Router) Heatmap(ctx context.Context) ([]HeatmapCell, error) {
	return r.cfg.Agg.HeatmapRows(ctx)
}

// IntersectionDetail returns the drill-down for one bucket and date.
func (r *Router) IntersectionDetail(ctx context.Context, date time.Time, latRound, lonRound float64) (IntersectionDetail, error) {
	hours, totals, err := r.cfg.Agg.IntersectionHourRows(ctx, date, latRound, lonRound)
	if err != nil {
		return IntersectionDetail{}, err
	}

	detail := IntersectionDetail{
		HotSpot: HotSpot{LatRound: latRound, LonRound: lonRound, Lines: []string{}},
		ByHour:  hours,
	}
	if len(totals) > 0 {
		detail.HotSpot = totals[0]
	}

	near := true
	tail, err := r.tail(ctx, date, delaystore.Filter{NearIntersection: &near})
	if err != nil {
		return IntersectionDetail{}, err
	}

	byHour := make(map[int]*IntersectionHour, len(detail.ByHour))
	for _, row := range detail.ByHour {
		cell := row
		byHour[row.Hour] = &cell
	}
	for _, ev := range tail {
		if geo.RoundCoord(ev.Lat, aggregator.BucketPrecision) != latRound ||
			geo.RoundCoord(ev.Lon, aggregator.BucketPrecision) != lonRound {
			continue
		}
		detail.DelayCount++
		detail.TotalSeconds += *ev.DurationSeconds
		detail.CostPLN += r.cfg.Cost.Cost(*ev.DurationSeconds, ev.StartedAt.UTC().Hour())
		if ev.MultiCycle {
			detail.MultiCycleCount++
		}
		if ev.Line != "" {
			detail.Lines = unionLine(detail.Lines, ev.Line)
		}

		h := ev.StartedAt.UTC().Hour()
		cell, ok := byHour[h]
		if !ok {
			cell = &IntersectionHour{Hour: h}
			byHour[h] = cell
		}
		cell.DelayCount++
		cell.TotalSeconds += *ev.DurationSeconds
		if ev.MultiCycle {
			cell.MultiCycleCount++
		}
	}
	detail.ByHour = make([]IntersectionHour, 0, len(byHour))
	for _, cell := range byHour {
		detail.ByHour = append(detail.ByHour, *cell)
	}

	if detail.NearestStopName == "" && r.cfg.NameLookup != nil {
		detail.NearestStopName = r.cfg.NameLookup(ctx, latRound, lonRound)
	}

	sort.Slice(detail.ByHour, func(i, j int) bool { return detail.ByHour[i].Hour < detail.ByHour[j].Hour })
	return detail, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func unionLine(lines []string, line string) []string {
	for _, l := range lines {
		if l == line {
			return lines
		}
	}
	lines = append(lines, line)
	sort.Strings(lines)
	return lines
}
