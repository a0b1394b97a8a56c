package gtfsrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
)

func vehicleEntity(id, vehicleID, tripID string, lat, lon float32, ts uint64) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Trip:      &gtfs.TripDescriptor{TripId: proto.String(tripID)},
			Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String(vehicleID)},
			Position:  &gtfs.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lon)},
			Timestamp: proto.Uint64(ts),
		},
	}
}

func marshalFeed(t *testing.T, feed *gtfs.FeedMessage) []byte {
	t.Helper()
	payload, err := proto.Marshal(feed)
	require.NoError(t, err)
	return payload
}

func testFeed(entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(1736236800), // 2025-01-07 08:00:00 UTC
		},
		Entity: entities,
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Logger: logger.NewTest(), FeedURL: url})
	require.NoError(t, err)
	return c
}

func TestTrams_GTFSRT_Decode(t *testing.T) {
	t.Parallel()

	t.Run("keeps trams and drops buses", func(t *testing.T) {
		t.Parallel()
		payload := marshalFeed(t, testFeed(
			vehicleEntity("1", "V/17/5", "RA/17/2025-01-07/05/DP", 52.23, 21.01, 1736236810),
			vehicleEntity("2", "V/180/3", "RA/180/2025-01-07/03/DP", 52.24, 21.02, 1736236810),
		))

		res, err := newTestClient(t, "http://unused").Decode(payload)
		require.NoError(t, err)
		require.Equal(t, 2, res.TotalEntities)
		require.Equal(t, 0, res.Skipped)
		require.Len(t, res.Vehicles, 1)

		v := res.Vehicles[0]
		require.Equal(t, "V/17/5", v.VehicleID)
		require.Equal(t, "17", v.Line)
		require.Equal(t, "5", v.Brigade)
		require.Equal(t, "RA/17/2025-01-07/05/DP", v.TripID)
		require.InDelta(t, 52.23, v.Lat, 1e-4)
		require.InDelta(t, 21.01, v.Lon, 1e-4)
		require.Equal(t, time.Unix(1736236810, 0).UTC(), v.FeedTimestamp)
	})

	t.Run("skips entities without position or id", func(t *testing.T) {
		t.Parallel()
		noPos := vehicleEntity("1", "V/17/5", "RA/17/2025-01-07/05/DP", 0, 0, 1736236810)
		noPos.Vehicle.Position = nil
		noID := vehicleEntity("2", "", "RA/17/2025-01-07/05/DP", 52.23, 21.01, 1736236810)
		noID.Vehicle.Vehicle.Id = nil

		res, err := newTestClient(t, "http://unused").Decode(marshalFeed(t, testFeed(noPos, noID)))
		require.NoError(t, err)
		require.Equal(t, 2, res.Skipped)
		require.Empty(t, res.Vehicles)
	})

	t.Run("recovers the line from the trip id", func(t *testing.T) {
		t.Parallel()
		// Depot ids do not follow the V/<line>/<brigade> shape.
		e := vehicleEntity("1", "1000", "RA/22/2025-01-07/05/DP", 52.23, 21.01, 1736236810)

		res, err := newTestClient(t, "http://unused").Decode(marshalFeed(t, testFeed(e)))
		require.NoError(t, err)
		require.Len(t, res.Vehicles, 1)
		require.Equal(t, "22", res.Vehicles[0].Line)
		require.Empty(t, res.Vehicles[0].Brigade)
	})

	t.Run("falls back to the header timestamp", func(t *testing.T) {
		t.Parallel()
		e := vehicleEntity("1", "V/17/5", "RA/17/2025-01-07/05/DP", 52.23, 21.01, 0)
		e.Vehicle.Timestamp = nil

		res, err := newTestClient(t, "http://unused").Decode(marshalFeed(t, testFeed(e)))
		require.NoError(t, err)
		require.Len(t, res.Vehicles, 1)
		require.Equal(t, time.Unix(1736236800, 0).UTC(), res.Vehicles[0].FeedTimestamp)
	})

	t.Run("rejects differential feeds", func(t *testing.T) {
		t.Parallel()
		feed := testFeed()
		feed.Header.Incrementality = gtfs.FeedHeader_DIFFERENTIAL.Enum()

		_, err := newTestClient(t, "http://unused").Decode(marshalFeed(t, feed))
		require.ErrorContains(t, err, "incrementality")
	})

	t.Run("rejects garbage payloads", func(t *testing.T) {
		t.Parallel()
		_, err := newTestClient(t, "http://unused").Decode([]byte("not a protobuf"))
		require.Error(t, err)
	})
}

func TestTrams_GTFSRT_Fetch(t *testing.T) {
	t.Parallel()

	t.Run("downloads and decodes the feed", func(t *testing.T) {
		t.Parallel()
		payload := marshalFeed(t, testFeed(
			vehicleEntity("1", "V/17/5", "RA/17/2025-01-07/05/DP", 52.23, 21.01, 1736236810),
		))
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		res, err := newTestClient(t, srv.URL).Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Vehicles, 1)
	})

	t.Run("surfaces non-200 responses", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Fetch(context.Background())
		require.ErrorContains(t, err, "status 502")
	})
}
