package aggregator

import (
	"sort"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/geo"
)

// BucketPrecision is the coordinate rounding used for aggregation keys,
// in decimal places (~11m).
const BucketPrecision = 4

// BucketStat is one aggregated intersection bucket for a single hour.
type BucketStat struct {
	LatRound        float64
	LonRound        float64
	DelayCount      int
	MultiCycleCount int
	TotalSeconds    int
	CostPLN         float64
	Lines           []string
}

// BuildHourRollup folds one closed hour's resolved events into
// per-bucket intersection stats. Events away from intersections
// contribute to the line stats only, which the store rebuilds from raw
// rows; they are skipped here.
func BuildHourRollup(events []delaystore.Event, hour int, cost CostConfig) []BucketStat {
	type acc struct {
		stat  BucketStat
		lines map[string]struct{}
	}
	type key struct{ lat, lon float64 }

	buckets := make(map[key]*acc)
	for _, ev := range events {
		if !ev.NearIntersection || ev.DurationSeconds == nil {
			continue
		}
		k := key{
			lat: geo.RoundCoord(ev.Lat, BucketPrecision),
			lon: geo.RoundCoord(ev.Lon, BucketPrecision),
		}
		a, ok := buckets[k]
		if !ok {
			a = &acc{
				stat:  BucketStat{LatRound: k.lat, LonRound: k.lon},
				lines: make(map[string]struct{}),
			}
			buckets[k] = a
		}
		a.stat.DelayCount++
		a.stat.TotalSeconds += *ev.DurationSeconds
		if ev.MultiCycle {
			a.stat.MultiCycleCount++
		}
		if ev.Line != "" {
			a.lines[ev.Line] = struct{}{}
		}
	}

	out := make([]BucketStat, 0, len(buckets))
	for _, a := range buckets {
		a.stat.CostPLN = cost.Cost(a.stat.TotalSeconds, hour)
		a.stat.Lines = make([]string, 0, len(a.lines))
		for l := range a.lines {
			a.stat.Lines = append(a.stat.Lines, l)
		}
		sort.Strings(a.stat.Lines)
		out = append(out, a.stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LatRound != out[j].LatRound {
			return out[i].LatRound < out[j].LatRound
		}
		return out[i].LonRound < out[j].LonRound
	})
	return out
}
