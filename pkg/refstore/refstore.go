// Package refstore answers spatial questions against the static reference
// data: stops, tram-road intersections and per-line terminals.
//
// Queries prefilter candidates with an index-friendly bounding box and
// confirm with an exact great-circle distance, so GPS drift inside the
// configured radii never flips an answer.
package refstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/geo"
)

// Radii in meters. The terminal radius includes an approach zone so that a
// tram queuing into its layover spot is still suppressed.
const (
	StopRadiusM         = 50.0
	IntersectionRadiusM = 50.0
	TerminalRadiusM     = 75.0

	// nearestNameRadiusM bounds the candidate window for name lookups.
	nearestNameRadiusM = 150.0
)

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

// NearStop reports whether any stop lies within StopRadiusM of the point.
// Errors are surfaced so the caller can skip classification this cycle.
func (s *Store) NearStop(ctx context.Context, lat, lon float64) (bool, error) {
	pts, err := s.candidates(ctx,
		`SELECT lat, lon FROM stops WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`,
		lat, lon, StopRadiusM)
	if err != nil {
		return false, fmt.Errorf("failed to query stop candidates: %w", err)
	}
	return anyWithin(pts, lat, lon, StopRadiusM), nil
}

// NearIntersection reports whether any intersection lies within
// IntersectionRadiusM of the point.
func (s *Store) NearIntersection(ctx context.Context, lat, lon float64) (bool, error) {
	pts, err := s.candidates(ctx,
		`SELECT lat, lon FROM intersections WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`,
		lat, lon, IntersectionRadiusM)
	if err != nil {
		return false, fmt.Errorf("failed to query intersection candidates: %w", err)
	}
	return anyWithin(pts, lat, lon, IntersectionRadiusM), nil
}

// LineHasTerminalAt reports whether a stop within TerminalRadiusM of the
// point is a terminal for the given line. Terminal status is per line; the
// same stop may be a regular stop for another line.
func (s *Store) LineHasTerminalAt(ctx context.Context, line string, lat, lon float64) (bool, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(lat, lon, TerminalRadiusM)
	rows, err := s.pool.Query(ctx,
		`SELECT s.lat, s.lon
		 FROM stops s
		 JOIN line_terminals lt ON lt.stop_id = s.id
		 WHERE lt.line = $1
		   AND s.lat BETWEEN $2 AND $3
		   AND s.lon BETWEEN $4 AND $5`,
		line, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return false, fmt.Errorf("failed to query terminal candidates: %w", err)
	}
	defer rows.Close()

	var pts []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.lat, &p.lon); err != nil {
			return false, fmt.Errorf("failed to scan terminal candidate: %w", err)
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to read terminal candidates: %w", err)
	}
	return anyWithin(pts, lat, lon, TerminalRadiusM), nil
}

// NearestStopName returns the name of the closest stop within the candidate
// window, or "" when none is found. Name lookups fail open: backend errors
// are logged and reported as "no match".
func (s *Store) NearestStopName(ctx context.Context, lat, lon float64) string {
	pts, err := s.namedCandidates(ctx,
		`SELECT name, lat, lon FROM stops WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`,
		lat, lon)
	if err != nil {
		s.log.Warn("refstore: nearest stop lookup failed", "error", err)
		return ""
	}
	return closestName(pts, lat, lon)
}

// NearestIntersectionName returns the name of the closest intersection, or
// "" when none is found or the backend fails.
func (s *Store) NearestIntersectionName(ctx context.Context, lat, lon float64) string {
	pts, err := s.namedCandidates(ctx,
		`SELECT COALESCE(name, ''), lat, lon FROM intersections WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`,
		lat, lon)
	if err != nil {
		s.log.Warn("refstore: nearest intersection lookup failed", "error", err)
		return ""
	}
	return closestName(pts, lat, lon)
}

type point struct {
	lat, lon float64
}

type namedPoint struct {
	name     string
	lat, lon float64
}

func (s *Store) candidates(ctx context.Context, query string, lat, lon, radiusM float64) ([]point, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(lat, lon, radiusM)
	rows, err := s.pool.Query(ctx, query, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pts []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.lat, &p.lon); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func (s *Store) namedCandidates(ctx context.Context, query string, lat, lon float64) ([]namedPoint, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(lat, lon, nearestNameRadiusM)
	rows, err := s.pool.Query(ctx, query, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pts []namedPoint
	for rows.Next() {
		var p namedPoint
		if err := rows.Scan(&p.name, &p.lat, &p.lon); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// anyWithin confirms bounding-box candidates with an exact distance check.
func anyWithin(pts []point, lat, lon, radiusM float64) bool {
	for _, p := range pts {
		if geo.HaversineM(lat, lon, p.lat, p.lon) <= radiusM {
			return true
		}
	}
	return false
}

func closestName(pts []namedPoint, lat, lon float64) string {
	best := ""
	bestDist := nearestNameRadiusM
	for _, p := range pts {
		if d := geo.HaversineM(lat, lon, p.lat, p.lon); d <= bestDist {
			best = p.name
			bestDist = d
		}
	}
	return best
}
