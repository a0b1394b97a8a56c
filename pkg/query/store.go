package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

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

// Store reads the aggregate tables for the router.
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

func (s *Store) HotSpotRows(ctx context.Context, date time.Time) ([]HotSpot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.lat_round, h.lon_round,
		       SUM(h.delay_count), SUM(h.multi_cycle_count), SUM(h.total_seconds), SUM(h.cost_pln),
		       (SELECT COALESCE(array_agg(DISTINCT l ORDER BY l), '{}')
		        FROM hourly_intersection_stats h2, unnest(h2.lines) AS l
		        WHERE h2.date = h.date AND h2.lat_round = h.lat_round AND h2.lon_round = h.lon_round),
		       COALESCE((SELECT d.nearest_stop_name FROM daily_intersection_stats d
		                 WHERE d.date = h.date AND d.lat_round = h.lat_round AND d.lon_round = h.lon_round), '')
		FROM hourly_intersection_stats h
		WHERE h.date = $1::date
		GROUP BY h.date, h.lat_round, h.lon_round`,
		date.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query hot spots: %w", err)
	}
	defer rows.Close()

	spots := []HotSpot{}
	for rows.Next() {
		var h HotSpot
		if err := rows.Scan(&h.LatRound, &h.LonRound, &h.DelayCount, &h.MultiCycleCount,
			&h.TotalSeconds, &h.CostPLN, &h.Lines, &h.NearestStopName); err != nil {
			return nil, fmt.Errorf("failed to scan hot spot: %w", err)
		}
		if h.Lines == nil {
			h.Lines = []string{}
		}
		spots = append(spots, h)
	}
	return spots, rows.Err()
}

func (s *Store) LineRows(ctx context.Context, date time.Time) ([]LineImpact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT line, delay_count, blockage_count, total_seconds, intersection_count
		FROM daily_line_stats WHERE date = $1::date`,
		date.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query line stats: %w", err)
	}
	defer rows.Close()

	lines := []LineImpact{}
	for rows.Next() {
		var l LineImpact
		if err := rows.Scan(&l.Line, &l.DelayCount, &l.BlockageCount,
			&l.TotalSeconds, &l.IntersectionCount); err != nil {
			return nil, fmt.Errorf("failed to scan line stat: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) LineHourRows(ctx context.Context, date time.Time, line string) ([]LineHour, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hour, delay_count, blockage_count, total_seconds, intersection_delays
		FROM daily_line_hour_stats
		WHERE date = $1::date AND line = $2
		ORDER BY hour`,
		date.UTC(), line)
	if err != nil {
		return nil, fmt.Errorf("failed to query line hour stats: %w", err)
	}
	defer rows.Close()

	hours := []LineHour{}
	for rows.Next() {
		var h LineHour
		if err := rows.Scan(&h.Hour, &h.DelayCount, &h.BlockageCount,
			&h.TotalSeconds, &h.IntersectionDelays); err != nil {
			return nil, fmt.Errorf("failed to scan line hour stat: %w", err)
		}
		hours = append(hours, h)
	}
	return hours, rows.Err()
}

func (s *Store) HeatmapRows(ctx context.Context) ([]HeatmapCell, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day_of_week, hour, delay_count, multi_cycle_count, total_seconds
		FROM hourly_patterns
		ORDER BY day_of_week, hour`)
	if err != nil {
		return nil, fmt.Errorf("failed to query heatmap: %w", err)
	}
	defer rows.Close()

	cells := []HeatmapCell{}
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.DayOfWeek, &c.Hour, &c.DelayCount,
			&c.MultiCycleCount, &c.TotalSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan heatmap cell: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

func (s *Store) IntersectionHourRows(ctx context.Context, date time.Time, latRound, lonRound float64) ([]IntersectionHour, []HotSpot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hour, delay_count, multi_cycle_count, total_seconds
		FROM hourly_intersection_stats
		WHERE date = $1::date AND lat_round = $2 AND lon_round = $3
		ORDER BY hour`,
		date.UTC(), latRound, lonRound)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query intersection hours: %w", err)
	}
	defer rows.Close()

	hours := []IntersectionHour{}
	for rows.Next() {
		var h IntersectionHour
		if err := rows.Scan(&h.Hour, &h.DelayCount, &h.MultiCycleCount, &h.TotalSeconds); err != nil {
			return nil, nil, fmt.Errorf("failed to scan intersection hour: %w", err)
		}
		hours = append(hours, h)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	totals := []HotSpot{}
	row := s.pool.QueryRow(ctx, `
		SELECT lat_round, lon_round, delay_count, multi_cycle_count, total_seconds, cost_pln, lines, nearest_stop_name
		FROM daily_intersection_stats
		WHERE date = $1::date AND lat_round = $2 AND lon_round = $3`,
		date.UTC(), latRound, lonRound)
	var h HotSpot
	err = row.Scan(&h.LatRound, &h.LonRound, &h.DelayCount, &h.MultiCycleCount,
		&h.TotalSeconds, &h.CostPLN, &h.Lines, &h.NearestStopName)
	switch {
	case err == nil:
		if h.Lines == nil {
			h.Lines = []string{}
		}
		totals = append(totals, h)
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, nil, fmt.Errorf("failed to scan intersection totals: %w", err)
	}
	return hours, totals, nil
}

// CoveredHour reports whether the hour is already in the aggregate
// tables. Startup catch-up can cover an hour before its scheduled
// minute-5 run would.
func (s *Store) CoveredHour(ctx context.Context, hourStart time.Time) (bool, error) {
	hourStart = hourStart.UTC()
	date := time.Date(hourStart.Year(), hourStart.Month(), hourStart.Day(), 0, 0, 0, 0, time.UTC)
	var covered bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM hourly_intersection_stats WHERE date = $1 AND hour = $2
		)`,
		date, hourStart.Hour()).Scan(&covered)
	if err != nil {
		return false, fmt.Errorf("failed to query hour coverage: %w", err)
	}
	return covered, nil
}

func (s *Store) DateCost(ctx context.Context, date time.Time) (float64, error) {
	var cost float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_pln), 0) FROM hourly_intersection_stats WHERE date = $1::date`,
		date.UTC()).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to query date cost: %w", err)
	}
	return cost, nil
}
