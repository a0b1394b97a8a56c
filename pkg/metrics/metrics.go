// Package metrics holds the Prometheus collectors shared across the
// daemon's components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trams_build_info",
		Help: "Build metadata, value is always 1.",
	}, []string{"version", "commit", "date"})

	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trams_polls_total",
		Help: "Feed polls attempted.",
	})

	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trams_poll_errors_total",
		Help: "Feed polls that failed to fetch or decode.",
	})

	PollVehicles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trams_poll_vehicles",
		Help: "Entities in the last successful poll, before the tram filter.",
	})

	PollTrams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trams_poll_trams",
		Help: "Tram vehicles in the last successful poll.",
	})

	TrackersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trams_trackers_live",
		Help: "Vehicle trackers currently running.",
	})

	TrackerUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trams_tracker_updates_dropped_total",
		Help: "Position updates dropped on full tracker buffers.",
	})

	EventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trams_events_created_total",
		Help: "Delay events persisted, by classification.",
	}, []string{"classification"})

	EventsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trams_events_resolved_total",
		Help: "Delay events resolved, by classification.",
	}, []string{"classification"})

	AggregationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trams_aggregation_runs_total",
		Help: "Hourly aggregation runs, by outcome.",
	}, []string{"outcome"})

	QueryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trams_query_cache_hits_total",
		Help: "Dashboard query responses served from the TTL cache.",
	})

	QueryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trams_query_cache_misses_total",
		Help: "Dashboard query responses computed fresh.",
	})
)

// SetBuildInfo stamps the build info gauge once at startup.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
