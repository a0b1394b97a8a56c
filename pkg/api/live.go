package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/broker"
)

// liveEvent is the SSE payload for one delay lifecycle message.
type liveEvent struct {
	Kind             broker.Kind `json:"kind"`
	EventID          string      `json:"event_id"`
	VehicleID        string      `json:"vehicle_id"`
	Line             string      `json:"line,omitempty"`
	Lat              float64     `json:"lat"`
	Lon              float64     `json:"lon"`
	Classification   string      `json:"classification"`
	StartedAt        time.Time   `json:"started_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	DurationSeconds  *int        `json:"duration_seconds,omitempty"`
	AtStop           bool        `json:"at_stop"`
	NearIntersection bool        `json:"near_intersection"`
	MultiCycle       bool        `json:"multi_cycle"`
}

// handleLiveDelays streams delay starts and resolves as server-sent
// events from a broker subscription.
func (s *Server) handleLiveDelays(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	msgs, cancel := s.cfg.Broker.Subscribe()
	defer cancel()

	// Periodic comment keeps idle connections from being reaped by
	// intermediaries.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-msgs:
			if !open {
				return
			}
			payload, err := json.Marshal(liveEvent{
				Kind:             msg.Kind,
				EventID:          msg.Event.ID.String(),
				VehicleID:        msg.Event.VehicleID,
				Line:             msg.Event.Line,
				Lat:              msg.Event.Lat,
				Lon:              msg.Event.Lon,
				Classification:   string(msg.Event.Classification),
				StartedAt:        msg.Event.StartedAt,
				ResolvedAt:       msg.Event.ResolvedAt,
				DurationSeconds:  msg.Event.DurationSeconds,
				AtStop:           msg.Event.AtStop,
				NearIntersection: msg.Event.NearIntersection,
				MultiCycle:       msg.Event.MultiCycle,
			})
			if err != nil {
				s.log.Error("api: failed to encode live event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, payload)
			flusher.Flush()
		}
	}
}
