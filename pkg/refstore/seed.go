package refstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Stop mirrors one row of the stops table.
type Stop struct {
	ID         string
	Name       string
	Lat        float64
	Lon        float64
	IsTerminal bool
}

// Intersection mirrors one row of the intersections table.
type Intersection struct {
	Name string
	Lat  float64
	Lon  float64
}

// LineTerminal marks a stop as a terminal for one specific line.
type LineTerminal struct {
	Line   string
	StopID string
}

// UpsertStops writes stops with an upsert so reseeding never duplicates
// rows.
func (s *Store) UpsertStops(ctx context.Context, stops []Stop) error {
	batch := &pgx.Batch{}
	for _, st := range stops {
		batch.Queue(
			`INSERT INTO stops (id, name, lat, lon, is_terminal)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
			   name = EXCLUDED.name,
			   lat = EXCLUDED.lat,
			   lon = EXCLUDED.lon,
			   is_terminal = EXCLUDED.is_terminal`,
			st.ID, st.Name, st.Lat, st.Lon, st.IsTerminal)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert stops: %w", err)
	}
	s.log.Info("refstore: stops upserted", "count", len(stops))
	return nil
}

// UpsertIntersections writes intersections keyed by their coordinates.
func (s *Store) UpsertIntersections(ctx context.Context, intersections []Intersection) error {
	batch := &pgx.Batch{}
	for _, in := range intersections {
		batch.Queue(
			`INSERT INTO intersections (name, lat, lon)
			 VALUES (NULLIF($1, ''), $2, $3)
			 ON CONFLICT (lat, lon) DO UPDATE SET name = EXCLUDED.name`,
			in.Name, in.Lat, in.Lon)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert intersections: %w", err)
	}
	s.log.Info("refstore: intersections upserted", "count", len(intersections))
	return nil
}

// UpsertLineTerminals writes (line, stop) terminal pairs.
func (s *Store) UpsertLineTerminals(ctx context.Context, terminals []LineTerminal) error {
	batch := &pgx.Batch{}
	for _, t := range terminals {
		batch.Queue(
			`INSERT INTO line_terminals (line, stop_id)
			 VALUES ($1, $2)
			 ON CONFLICT (line, stop_id) DO NOTHING`,
			t.Line, t.StopID)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert line terminals: %w", err)
	}
	s.log.Info("refstore: line terminals upserted", "count", len(terminals))
	return nil
}
