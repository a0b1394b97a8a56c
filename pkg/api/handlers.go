package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/metrics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// cached wraps a handler with the TTL response cache, keyed by path and
// query string.
func (s *Server) cached(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + "?" + r.URL.RawQuery
		if body, status, ok := s.cache.Get(key); ok {
			metrics.QueryCacheHits.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
		metrics.QueryCacheMisses.Inc()

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status == http.StatusOK {
			s.cache.Set(key, rec.status, rec.body)
		}
	}
}

type recorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// dateParam reads ?date=YYYY-MM-DD, defaulting to today (UTC).
func (s *Server) dateParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		now := s.cfg.Clock.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return d, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if s.cfg.ReadyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.ReadyCheck(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "backend not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Version)
}

func (s *Server) handlePollerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Poller.Stats())
}

func (s *Server) handleHotSpots(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spots, err := s.cfg.Queries.HotSpots(r.Context(), date)
	if err != nil {
		s.log.Error("api: hot spots query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, spots)
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines, err := s.cfg.Queries.ImpactedLines(r.Context(), date)
	if err != nil {
		s.log.Error("api: impacted lines query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleLineHours(w http.ResponseWriter, r *http.Request) {
	line := chi.URLParam(r, "line")
	if !gtfsrt.IsTramLine(line) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a tram line", line))
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := s.cfg.Queries.LineHourBreakdown(r.Context(), date, line)
	if err != nil {
		s.log.Error("api: line hours query failed", "line", line, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, hours)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.cfg.Queries.Summary(r.Context(), date)
	if err != nil {
		s.log.Error("api: summary query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	cells, err := s.cfg.Queries.Heatmap(r.Context())
	if err != nil {
		s.log.Error("api: heatmap query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

// handleIntersection serves /api/intersections/{bucket} where bucket is
// "lat,lon" at 4 decimal places.
func (s *Server) handleIntersection(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseBucket(chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.cfg.Queries.IntersectionDetail(r.Context(), date, lat, lon)
	if err != nil {
		s.log.Error("api: intersection query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func parseBucket(raw string) (lat, lon float64, err error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid bucket %q, want lat,lon", raw)
	}
	lat, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid bucket latitude %q", parts[0])
	}
	lon, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid bucket longitude %q", parts[1])
	}
	return lat, lon, nil
}
