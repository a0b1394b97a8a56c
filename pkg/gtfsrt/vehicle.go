// Package gtfsrt fetches and decodes the Warsaw GTFS-Realtime vehicle
// positions feed, keeping only tram vehicles.
package gtfsrt

import (
	"strconv"
	"strings"
	"time"
)

// VehiclePosition is one decoded, tram-filtered entity from the feed.
type VehiclePosition struct {
	VehicleID     string
	Line          string
	Brigade       string
	TripID        string
	Lat           float64
	Lon           float64
	FeedTimestamp time.Time
}

// ParseVehicleID splits a Warsaw vehicle id of the form "V/<line>/<brigade>".
func ParseVehicleID(id string) (line, brigade string, ok bool) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 || parts[0] != "V" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// LineFromTripID recovers the line from a Warsaw trip id ("RA/<line>/...").
func LineFromTripID(tripID string) (string, bool) {
	parts := strings.Split(tripID, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// IsTramLine reports whether a line designator is a Warsaw tram line.
// Trams are the integer lines 1 through 79; buses and trains use higher
// numbers or letters.
func IsTramLine(line string) bool {
	n, err := strconv.Atoi(line)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 79
}
