// Package seed loads the static reference data: GTFS stops and trip
// patterns for stops and per-line terminals, plus the tram-road
// intersections CSV. Re-running is safe; every write is an upsert.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/refstore"
)

type gtfsStop struct {
	StopID   string  `csv:"stop_id"`
	StopName string  `csv:"stop_name"`
	StopLat  float64 `csv:"stop_lat"`
	StopLon  float64 `csv:"stop_lon"`
}

type gtfsTrip struct {
	RouteID string `csv:"route_id"`
	TripID  string `csv:"trip_id"`
}

type gtfsStopTime struct {
	TripID       string `csv:"trip_id"`
	StopID       string `csv:"stop_id"`
	StopSequence int    `csv:"stop_sequence"`
}

type intersectionRow struct {
	Name string  `csv:"name"`
	Lat  float64 `csv:"lat"`
	Lon  float64 `csv:"lon"`
}

type Config struct {
	Logger *slog.Logger
	Ref    *refstore.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Ref == nil {
		return errors.New("reference store is required")
	}
	return nil
}

type Seeder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Seeder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Seeder{log: cfg.Logger, cfg: cfg}, nil
}

// Options name the input files. Either part can be omitted.
type Options struct {
	// GTFSDir holds stops.txt, trips.txt and stop_times.txt.
	GTFSDir string

	// IntersectionsCSV holds name,lat,lon rows.
	IntersectionsCSV string
}

// Run seeds the reference tables from the given inputs.
func (s *Seeder) Run(ctx context.Context, opts Options) error {
	if opts.GTFSDir == "" && opts.IntersectionsCSV == "" {
		return errors.New("nothing to seed, pass a GTFS dir or an intersections file")
	}

	if opts.GTFSDir != "" {
		if err := s.seedGTFS(ctx, opts.GTFSDir); err != nil {
			return err
		}
	}
	if opts.IntersectionsCSV != "" {
		if err := s.seedIntersections(ctx, opts.IntersectionsCSV); err != nil {
			return err
		}
	}
	return nil
}

func (s *Seeder) seedGTFS(ctx context.Context, dir string) error {
	var stops []gtfsStop
	if err := readCSV(filepath.Join(dir, "stops.txt"), &stops); err != nil {
		return fmt.Errorf("failed to read stops: %w", err)
	}
	var trips []gtfsTrip
	if err := readCSV(filepath.Join(dir, "trips.txt"), &trips); err != nil {
		return fmt.Errorf("failed to read trips: %w", err)
	}
	var stopTimes []gtfsStopTime
	if err := readCSV(filepath.Join(dir, "stop_times.txt"), &stopTimes); err != nil {
		return fmt.Errorf("failed to read stop times: %w", err)
	}

	terminals := DeriveTerminals(trips, stopTimes)
	terminalStops := make(map[string]bool, len(terminals))
	for _, t := range terminals {
		terminalStops[t.StopID] = true
	}

	rows := make([]refstore.Stop, 0, len(stops))
	for _, st := range stops {
		rows = append(rows, refstore.Stop{
			ID:         st.StopID,
			Name:       st.StopName,
			Lat:        st.StopLat,
			Lon:        st.StopLon,
			IsTerminal: terminalStops[st.StopID],
		})
	}

	if err := s.cfg.Ref.UpsertStops(ctx, rows); err != nil {
		return err
	}
	if err := s.cfg.Ref.UpsertLineTerminals(ctx, terminals); err != nil {
		return err
	}
	s.log.Info("seed: gtfs data loaded", "stops", len(rows), "terminals", len(terminals))
	return nil
}

func (s *Seeder) seedIntersections(ctx context.Context, path string) error {
	var rows []intersectionRow
	if err := readCSV(path, &rows); err != nil {
		return fmt.Errorf("failed to read intersections: %w", err)
	}

	intersections := make([]refstore.Intersection, 0, len(rows))
	for _, r := range rows {
		intersections = append(intersections, refstore.Intersection{
			Name: r.Name,
			Lat:  r.Lat,
			Lon:  r.Lon,
		})
	}
	if err := s.cfg.Ref.UpsertIntersections(ctx, intersections); err != nil {
		return err
	}
	s.log.Info("seed: intersections loaded", "count", len(intersections))
	return nil
}

// DeriveTerminals computes the (line, stop) terminal pairs: the first and
// last stop of each tram trip pattern. Non-tram routes are skipped.
func DeriveTerminals(trips []gtfsTrip, stopTimes []gtfsStopTime) []refstore.LineTerminal {
	lineByTrip := make(map[string]string, len(trips))
	for _, t := range trips {
		if gtfsrt.IsTramLine(t.RouteID) {
			lineByTrip[t.TripID] = t.RouteID
		}
	}

	type endpoints struct {
		first, last gtfsStopTime
		seen        bool
	}
	byTrip := make(map[string]*endpoints)
	for _, st := range stopTimes {
		if _, ok := lineByTrip[st.TripID]; !ok {
			continue
		}
		ep, ok := byTrip[st.TripID]
		if !ok {
			ep = &endpoints{}
			byTrip[st.TripID] = ep
		}
		if !ep.seen || st.StopSequence < ep.first.StopSequence {
			ep.first = st
		}
		if !ep.seen || st.StopSequence > ep.last.StopSequence {
			ep.last = st
		}
		ep.seen = true
	}

	set := make(map[refstore.LineTerminal]struct{})
	for tripID, ep := range byTrip {
		line := lineByTrip[tripID]
		set[refstore.LineTerminal{Line: line, StopID: ep.first.StopID}] = struct{}{}
		set[refstore.LineTerminal{Line: line, StopID: ep.last.StopID}] = struct{}{}
	}

	terminals := make([]refstore.LineTerminal, 0, len(set))
	for t := range set {
		terminals = append(terminals, t)
	}
	sort.Slice(terminals, func(i, j int) bool {
		if terminals[i].Line != terminals[j].Line {
			return terminals[i].Line < terminals[j].Line
		}
		return terminals[i].StopID < terminals[j].StopID
	})
	return terminals
}

// readCSV parses one BOM-tolerant CSV file into out.
func readCSV(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return unmarshalCSV(bom.NewReader(f), out)
}

func unmarshalCSV(r io.Reader, out any) error {
	return gocsv.Unmarshal(r, out)
}
