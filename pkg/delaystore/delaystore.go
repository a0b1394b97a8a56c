// Package delaystore persists classified delay events and serves the range
// scans used by aggregation, queries and retention cleanup.
package delaystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Classification string

const (
	ClassificationDelay    Classification = "delay"
	ClassificationBlockage Classification = "blockage"
)

// Event is one persisted immobility period. ResolvedAt and DurationSeconds
// are nil while the event is active.
type Event struct {
	ID               uuid.UUID
	VehicleID        string
	Line             string
	TripID           string
	Lat              float64
	Lon              float64
	StartedAt        time.Time
	ResolvedAt       *time.Time
	DurationSeconds  *int
	Classification   Classification
	AtStop           bool
	NearIntersection bool
	MultiCycle       bool
	CreatedAt        time.Time
}

// CreateAttrs carries the creation-time snapshot of an event.
type CreateAttrs struct {
	VehicleID        string
	Line             string
	TripID           string
	Lat              float64
	Lon              float64
	StartedAt        time.Time
	Classification   Classification
	AtStop           bool
	NearIntersection bool
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

const eventColumns = `id, vehicle_id, COALESCE(line, ''), COALESCE(trip_id, ''), lat, lon,
	started_at, resolved_at, duration_seconds, classification, at_stop,
	near_intersection, multi_cycle, created_at`

// Create inserts a new unresolved event and returns it with its assigned id.
func (s *Store) Create(ctx context.Context, attrs CreateAttrs) (Event, error) {
	if attrs.Classification != ClassificationDelay && attrs.Classification != ClassificationBlockage {
		return Event{}, fmt.Errorf("classification %q is not persistable", attrs.Classification)
	}

	id := uuid.New()
	var created time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO delay_events
		   (id, vehicle_id, line, trip_id, lat, lon, started_at, classification, at_stop, near_intersection)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		id, attrs.VehicleID, attrs.Line, attrs.TripID, attrs.Lat, attrs.Lon,
		attrs.StartedAt, attrs.Classification, attrs.AtStop, attrs.NearIntersection,
	).Scan(&created)
	if err != nil {
		return Event{}, fmt.Errorf("failed to create delay event: %w", err)
	}

	return Event{
		ID:               id,
		VehicleID:        attrs.VehicleID,
		Line:             attrs.Line,
		TripID:           attrs.TripID,
		Lat:              attrs.Lat,
		Lon:              attrs.Lon,
		StartedAt:        attrs.StartedAt,
		Classification:   attrs.Classification,
		AtStop:           attrs.AtStop,
		NearIntersection: attrs.NearIntersection,
		CreatedAt:        created,
	}, nil
}

// Get returns the event with the given id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM delay_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delay event: %w", err)
	}
	return &ev, nil
}

// Resolve finalises an event. The caller computes duration and the
// multi-cycle flag from its own snapshot.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time, durationSeconds int, multiCycle bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delay_events
		 SET resolved_at = $2, duration_seconds = $3, multi_cycle = $4
		 WHERE id = $1 AND resolved_at IS NULL`,
		id, resolvedAt, durationSeconds, multiCycle)
	if err != nil {
		return fmt.Errorf("failed to resolve delay event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delay event %s not found or already resolved", id)
	}
	return nil
}

// FindUnresolvedByVehicle returns the vehicle's active event, or nil. At
// most one can exist; the tracker is the sole writer per vehicle.
func (s *Store) FindUnresolvedByVehicle(ctx context.Context, vehicleID string) (*Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM delay_events
		 WHERE vehicle_id = $1 AND resolved_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, vehicleID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unresolved event: %w", err)
	}
	return &ev, nil
}

// DeleteOrphansUnresolved removes unresolved events left behind by a prior
// run. They are deleted rather than resolved: no trustworthy resolved_at
// exists for them, and a synthesised one would inflate duration analytics.
func (s *Store) DeleteOrphansUnresolved(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delay_events WHERE resolved_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Filter narrows a Scan. Zero values mean "no constraint".
type Filter struct {
	Line             string
	NearIntersection *bool
	Resolved         *bool
}

// Scan returns events with started_at in [from, to), oldest first.
func (s *Store) Scan(ctx context.Context, from, to time.Time, f Filter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM delay_events
		WHERE started_at >= $1 AND started_at < $2`
	args := []any{from, to}

	if f.Line != "" {
		args = append(args, f.Line)
		query += fmt.Sprintf(" AND line = $%d", len(args))
	}
	if f.NearIntersection != nil {
		args = append(args, *f.NearIntersection)
		query += fmt.Sprintf(" AND near_intersection = $%d", len(args))
	}
	if f.Resolved != nil {
		if *f.Resolved {
			query += " AND resolved_at IS NOT NULL"
		} else {
			query += " AND resolved_at IS NULL"
		}
	}
	query += " ORDER BY started_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan delay events: %w", err)
	}
	defer rows.Close()

	// Return empty array instead of nil so JSON callers see [].
	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delay event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read delay events: %w", err)
	}
	return events, nil
}

// HoursWithEvents returns the distinct UTC hour starts in [from, to) that
// have at least one resolved event. Used by aggregation catch-up.
func (s *Store) HoursWithEvents(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT date_trunc('hour', started_at) AS h
		 FROM delay_events
		 WHERE started_at >= $1 AND started_at < $2 AND resolved_at IS NOT NULL
		 ORDER BY h`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query hours with events: %w", err)
	}
	defer rows.Close()

	var hours []time.Time
	for rows.Next() {
		var h time.Time
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hour: %w", err)
		}
		hours = append(hours, h.UTC())
	}
	return hours, rows.Err()
}

// DatesBefore returns the distinct event dates strictly older than cutoff,
// oldest first. Used by retention cleanup.
func (s *Store) DatesBefore(ctx context.Context, cutoff time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT (started_at AT TIME ZONE 'UTC')::date AS d
		 FROM delay_events
		 WHERE started_at < $1
		 ORDER BY d`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query event dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan event date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteByDate removes all events whose started_at falls on the given UTC
// date and returns the deleted row count.
func (s *Store) DeleteByDate(ctx context.Context, date time.Time) (int64, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM delay_events WHERE started_at >= $1 AND started_at < $2`,
		day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events for %s: %w", day.Format("2006-01-02"), err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAll truncates the raw event log. Only reachable through the
// cleanup reset path, which demands explicit confirmation.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delay_events`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete all events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID, &ev.VehicleID, &ev.Line, &ev.TripID, &ev.Lat, &ev.Lon,
		&ev.StartedAt, &ev.ResolvedAt, &ev.DurationSeconds, &ev.Classification,
		&ev.AtStop, &ev.NearIntersection, &ev.MultiCycle, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.StartedAt = ev.StartedAt.UTC()
	if ev.ResolvedAt != nil {
		t := ev.ResolvedAt.UTC()
		ev.ResolvedAt = &t
	}
	return ev, nil
}
