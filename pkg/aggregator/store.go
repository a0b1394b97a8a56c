package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreConfig configures the Postgres aggregate store.
type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store writes the aggregate tables. One ApplyHour call is one
// transaction; partial failure leaves every table untouched, which is
// what makes the 5-minute retry safe.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// ApplyHour replaces the hourly intersection rows for (date, hour),
// recomputes the affected date's daily roll-ups, and advances the
// heatmap counters by the delta against the rows being replaced.
// Re-running the same hour on unchanged raw data is a no-op delta.
func (s *Store) ApplyHour(ctx context.Context, hourStart time.Time, buckets []BucketStat) error {
	hourStart = hourStart.UTC()
	date := time.Date(hourStart.Year(), hourStart.Month(), hourStart.Day(), 0, 0, 0, 0, time.UTC)
	hour := hourStart.Hour()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin aggregation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Totals of the rows about to be replaced, for the heatmap delta.
	var oldDelays, oldMultiCycle, oldSeconds int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delay_count), 0), COALESCE(SUM(multi_cycle_count), 0), COALESCE(SUM(total_seconds), 0)
		 FROM hourly_intersection_stats WHERE date = $1 AND hour = $2`,
		date, hour).Scan(&oldDelays, &oldMultiCycle, &oldSeconds)
	if err != nil {
		return fmt.Errorf("failed to read previous hourly totals: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM hourly_intersection_stats WHERE date = $1 AND hour = $2`,
		date, hour); err != nil {
		return fmt.Errorf("failed to clear hourly rows: %w", err)
	}

	var newDelays, newMultiCycle, newSeconds int
	for _, b := range buckets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO hourly_intersection_stats
			   (date, hour, lat_round, lon_round, delay_count, multi_cycle_count, total_seconds, cost_pln, lines)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			date, hour, b.LatRound, b.LonRound,
			b.DelayCount, b.MultiCycleCount, b.TotalSeconds, b.CostPLN, b.Lines); err != nil {
			return fmt.Errorf("failed to insert hourly row: %w", err)
		}
		newDelays += b.DelayCount
		newMultiCycle += b.MultiCycleCount
		newSeconds += b.TotalSeconds
	}

	if err := s.rebuildDailyIntersections(ctx, tx, date); err != nil {
		return err
	}
	if err := s.rebuildDailyLines(ctx, tx, date); err != nil {
		return err
	}

	// ISO day of week, Monday = 1.
	dow := int(hourStart.Weekday())
	if dow == 0 {
		dow = 7
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO hourly_patterns (day_of_week, hour, delay_count, multi_cycle_count, total_seconds)
		 VALUES ($1, $2, GREATEST($3, 0), GREATEST($4, 0), GREATEST($5, 0))
		 ON CONFLICT (day_of_week, hour) DO UPDATE SET
		   delay_count       = hourly_patterns.delay_count + GREATEST($3, 0),
		   multi_cycle_count = hourly_patterns.multi_cycle_count + GREATEST($4, 0),
		   total_seconds     = hourly_patterns.total_seconds + GREATEST($5, 0)`,
		dow, hour, newDelays-oldDelays, newMultiCycle-oldMultiCycle, newSeconds-oldSeconds); err != nil {
		return fmt.Errorf("failed to update hourly patterns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit aggregation tx: %w", err)
	}

	s.log.Info("aggregator: hour applied",
		"hour", hourStart.Format(time.RFC3339), "buckets", len(buckets),
		"delays", newDelays, "total_seconds", newSeconds)
	return nil
}

// rebuildDailyIntersections refolds the date's daily intersection rows
// from its hourly rows. The hourly table is the source of truth, so a
// delete-and-rebuild keeps re-runs idempotent. Existing nearest-stop
// names are preserved; new buckets get theirs backfilled outside the tx.
func (s *Store) rebuildDailyIntersections(ctx context.Context, tx pgx.Tx, date time.Time) error {
	if _, err := tx.Exec(ctx, `
		CREATE TEMPORARY TABLE _daily_names ON COMMIT DROP AS
		SELECT lat_round, lon_round, nearest_stop_name
		FROM daily_intersection_stats WHERE date = $1 AND nearest_stop_name <> ''`,
		date); err != nil {
		return fmt.Errorf("failed to stash daily names: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM daily_intersection_stats WHERE date = $1`, date); err != nil {
		return fmt.Errorf("failed to clear daily intersection rows: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_intersection_stats
		  (date, lat_round, lon_round, delay_count, multi_cycle_count, total_seconds, cost_pln, lines, nearest_stop_name)
		SELECT h.date, h.lat_round, h.lon_round,
		       SUM(h.delay_count), SUM(h.multi_cycle_count), SUM(h.total_seconds), SUM(h.cost_pln),
		       (SELECT COALESCE(array_agg(DISTINCT l ORDER BY l), '{}')
		        FROM hourly_intersection_stats h2, unnest(h2.lines) AS l
		        WHERE h2.date = h.date AND h2.lat_round = h.lat_round AND h2.lon_round = h.lon_round),
		       COALESCE((SELECT n.nearest_stop_name FROM _daily_names n
		                 WHERE n.lat_round = h.lat_round AND n.lon_round = h.lon_round), '')
		FROM hourly_intersection_stats h
		WHERE h.date = $1
		GROUP BY h.date, h.lat_round, h.lon_round`,
		date); err != nil {
		return fmt.Errorf("failed to rebuild daily intersection rows: %w", err)
	}
	return nil
}

// rebuildDailyLines refolds the date's per-line stats, including the
// per-hour breakdown, straight from the raw resolved events.
func (s *Store) rebuildDailyLines(ctx context.Context, tx pgx.Tx, date time.Time) error {
	next := date.AddDate(0, 0, 1)

	if _, err := tx.Exec(ctx,
		`DELETE FROM daily_line_hour_stats WHERE date = $1`, date); err != nil {
		return fmt.Errorf("failed to clear daily line hour rows: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM daily_line_stats WHERE date = $1`, date); err != nil {
		return fmt.Errorf("failed to clear daily line rows: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_line_stats (date, line, delay_count, blockage_count, total_seconds, intersection_count)
		SELECT $1, COALESCE(line, ''),
		       COUNT(*) FILTER (WHERE classification = 'delay'),
		       COUNT(*) FILTER (WHERE classification = 'blockage'),
		       COALESCE(SUM(duration_seconds), 0),
		       COUNT(*) FILTER (WHERE near_intersection)
		FROM delay_events
		WHERE started_at >= $1 AND started_at < $2 AND resolved_at IS NOT NULL
		GROUP BY COALESCE(line, '')`,
		date, next); err != nil {
		return fmt.Errorf("failed to rebuild daily line rows: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_line_hour_stats (date, line, hour, delay_count, blockage_count, total_seconds, intersection_delays)
		SELECT $1, COALESCE(line, ''), EXTRACT(HOUR FROM started_at AT TIME ZONE 'UTC')::smallint,
		       COUNT(*) FILTER (WHERE classification = 'delay'),
		       COUNT(*) FILTER (WHERE classification = 'blockage'),
		       COALESCE(SUM(duration_seconds), 0),
		       COUNT(*) FILTER (WHERE near_intersection)
		FROM delay_events
		WHERE started_at >= $1 AND started_at < $2 AND resolved_at IS NOT NULL
		GROUP BY COALESCE(line, ''), EXTRACT(HOUR FROM started_at AT TIME ZONE 'UTC')`,
		date, next); err != nil {
		return fmt.Errorf("failed to rebuild daily line hour rows: %w", err)
	}
	return nil
}

// CoveredHours returns the hour starts in [from, to) that already have a
// daily line-hour aggregate row, i.e. hours the aggregator has run for.
func (s *Store) CoveredHours(ctx context.Context, from, to time.Time) (map[time.Time]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT date, hour FROM daily_line_hour_stats
		 WHERE date >= $1::date AND date <= $2::date`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query covered hours: %w", err)
	}
	defer rows.Close()

	covered := make(map[time.Time]bool)
	for rows.Next() {
		var d time.Time
		var h int
		if err := rows.Scan(&d, &h); err != nil {
			return nil, fmt.Errorf("failed to scan covered hour: %w", err)
		}
		hs := time.Date(d.Year(), d.Month(), d.Day(), h, 0, 0, 0, time.UTC)
		if !hs.Before(from) && hs.Before(to) {
			covered[hs] = true
		}
	}
	return covered, rows.Err()
}

// BackfillNames fills empty nearest-stop names on the date's daily
// intersection rows. Best effort, outside the aggregation transaction.
func (s *Store) BackfillNames(ctx context.Context, date time.Time, lookup func(ctx context.Context, lat, lon float64) string) {
	rows, err := s.pool.Query(ctx,
		`SELECT lat_round, lon_round FROM daily_intersection_stats
		 WHERE date = $1 AND nearest_stop_name = ''`, date)
	if err != nil {
		s.log.Warn("aggregator: failed to list rows for name backfill", "error", err)
		return
	}
	type bucket struct{ lat, lon float64 }
	var missing []bucket
	for rows.Next() {
		var b bucket
		if err := rows.Scan(&b.lat, &b.lon); err != nil {
			rows.Close()
			s.log.Warn("aggregator: failed to scan name backfill row", "error", err)
			return
		}
		missing = append(missing, b)
	}
	rows.Close()

	for _, b := range missing {
		name := lookup(ctx, b.lat, b.lon)
		if name == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE daily_intersection_stats SET nearest_stop_name = $4
			 WHERE date = $1 AND lat_round = $2 AND lon_round = $3`,
			date, b.lat, b.lon, name); err != nil {
			s.log.Warn("aggregator: failed to backfill name", "error", err)
		}
	}
}
