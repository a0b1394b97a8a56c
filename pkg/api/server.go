// Package api exposes the dashboard query surface over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/broker"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/poller"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/query"
)

// PollerStats is the poller's stats surface.
type PollerStats interface {
	Stats() poller.Stats
}

// Subscriber is the broker surface the live feed needs.
type Subscriber interface {
	Subscribe() (<-chan broker.Message, func())
}

// VersionInfo is stamped from LDFLAGS in main.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	ListenAddr string
	Queries    *query.Router
	Poller     PollerStats
	Broker     Subscriber
	Version    VersionInfo

	// ReadyCheck reports backend health for /readyz. Optional.
	ReadyCheck func(ctx context.Context) error

	// CacheTTL is the dashboard response cache TTL. Defaults to 60s.
	CacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.Queries == nil {
		return errors.New("query router is required")
	}
	if c.Poller == nil {
		return errors.New("poller is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log   *slog.Logger
	cfg   Config
	cache *Cache

	shuttingDown atomic.Bool
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: NewCache(cfg.Clock, cfg.CacheTTL),
	}, nil
}

// Cache returns the response cache, for wiring into the aggregator's
// success callback.
func (s *Server) Cache() *Cache {
	return s.cache
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/api/version", s.handleVersion)
	r.Get("/api/poller/stats", s.handlePollerStats)
	r.Get("/api/delays/live", s.handleLiveDelays)

	r.Get("/api/hotspots", s.cached(s.handleHotSpots))
	r.Get("/api/lines", s.cached(s.handleLines))
	r.Get("/api/lines/{line}/hours", s.cached(s.handleLineHours))
	r.Get("/api/summary", s.cached(s.handleSummary))
	r.Get("/api/heatmap", s.cached(s.handleHeatmap))
	r.Get("/api/intersections/{bucket}", s.cached(s.handleIntersection))

	return r
}

// Start serves until the context is cancelled, then drains with a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Fail readiness first so load balancers stop routing, then drain.
	s.shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api: shut down")
	return nil
}
