package gtfsrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

const DefaultFetchTimeout = 15 * time.Second

type ClientConfig struct {
	Logger  *slog.Logger
	FeedURL string

	// HTTPClient is optional; a client with DefaultFetchTimeout is used
	// when nil.
	HTTPClient *http.Client
}

func (c *ClientConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.FeedURL == "" {
		return errors.New("feed url is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return nil
}

// Client fetches the vehicle positions feed and decodes it into tram
// positions.
type Client struct {
	log  *slog.Logger
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: cfg.HTTPClient,
	}, nil
}

// Fetch downloads and decodes the feed, returning tram vehicle positions
// only. Entities without a position or a parseable id are skipped and
// counted in the returned FetchResult.
func (c *Client) Fetch(ctx context.Context) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.FeedURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to build feed request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read feed body: %w", err)
	}

	return c.Decode(body)
}

// FetchResult carries the decoded tram positions plus per-fetch counters.
type FetchResult struct {
	Vehicles []VehiclePosition

	// TotalEntities is the entity count before the tram filter.
	TotalEntities int
	Skipped       int
}

// Decode parses a raw protobuf feed payload. Only FULL_DATASET feeds are
// accepted; Warsaw does not publish differential updates.
func (c *Client) Decode(payload []byte) (FetchResult, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(payload, feed); err != nil {
		return FetchResult{}, fmt.Errorf("failed to decode feed protobuf: %w", err)
	}

	if inc := feed.GetHeader().GetIncrementality(); inc != gtfs.FeedHeader_FULL_DATASET {
		return FetchResult{}, fmt.Errorf("unsupported feed incrementality %s", inc)
	}

	res := FetchResult{TotalEntities: len(feed.GetEntity())}
	for _, entity := range feed.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}

		pos := vehicle.GetPosition()
		id := vehicle.GetVehicle().GetId()
		if pos == nil || id == "" {
			res.Skipped++
			continue
		}

		tripID := vehicle.GetTrip().GetTripId()
		line, brigade, ok := ParseVehicleID(id)
		if !ok {
			// Some entities carry the line only in the trip id.
			if line, ok = LineFromTripID(tripID); !ok {
				res.Skipped++
				continue
			}
		}
		if !IsTramLine(line) {
			continue
		}

		ts := time.Unix(int64(vehicle.GetTimestamp()), 0).UTC()
		if vehicle.GetTimestamp() == 0 {
			ts = time.Unix(int64(feed.GetHeader().GetTimestamp()), 0).UTC()
		}

		res.Vehicles = append(res.Vehicles, VehiclePosition{
			VehicleID:     id,
			Line:          line,
			Brigade:       brigade,
			TripID:        tripID,
			Lat:           float64(pos.GetLatitude()),
			Lon:           float64(pos.GetLongitude()),
			FeedTimestamp: ts,
		})
	}
	return res, nil
}
