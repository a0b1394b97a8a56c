package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/aggregator"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/api"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/broker"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/gtfsrt"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/metrics"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/pg"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/poller"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/query"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/refstore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/tracker"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr   = "0.0.0.0:3020"
	defaultMetricsAddr  = "0.0.0.0:0"
	defaultFeedURL      = "https://mkuran.pl/gtfs/warsaw/vehicles.pb"
	defaultPollInterval = 10 * time.Second
	defaultCacheTTL     = 60 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "run database migrations on startup")

	databaseURLFlag := flag.String("database-url", "", "Postgres connection URL (or set DATABASE_URL env var)")
	feedURLFlag := flag.String("feed-url", defaultFeedURL, "GTFS-Realtime vehicle positions URL (or set FEED_URL env var)")
	pollIntervalFlag := flag.Duration("poll-interval", defaultPollInterval, "feed poll interval")
	idleTimeoutFlag := flag.Duration("tracker-idle-timeout", 5*time.Minute, "terminate trackers idle for this long")
	cacheTTLFlag := flag.Duration("cache-ttl", defaultCacheTTL, "dashboard response cache TTL")
	retentionDaysFlag := flag.Int("retention-days", 7, "raw event retention window in days")

	// Detection threshold overrides. Defaults are the Warsaw constants.
	stoppedSpeedFlag := flag.Float64("stopped-speed-kmh", 3.0, "speed below which a vehicle counts as stopped")
	briefStopFlag := flag.Duration("brief-stop", 30*time.Second, "grace period away from stops before a delay is persisted")
	normalDwellFlag := flag.Duration("normal-dwell", 180*time.Second, "grace period at a stop before a blockage is persisted")
	signalCycleFlag := flag.Duration("signal-cycle", 120*time.Second, "signal cycle length for the multi-cycle flag")

	// Cost constants (PLN per hour).
	votFlag := flag.Float64("cost-vot", 22, "value of passenger time")
	wageFlag := flag.Float64("cost-driver-wage", 80, "driver wage")
	energyFlag := flag.Float64("cost-energy", 5, "traction energy")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	if envDatabaseURL := os.Getenv("DATABASE_URL"); envDatabaseURL != "" {
		*databaseURLFlag = envDatabaseURL
	}
	if envFeedURL := os.Getenv("FEED_URL"); envFeedURL != "" {
		*feedURLFlag = envFeedURL
	}

	log := logger.New(*verboseFlag)

	log.Info("tramsd starting",
		"version", version,
		"commit", commit,
		"feed_url", *feedURLFlag,
		"poll_interval", *pollIntervalFlag,
	)

	if *databaseURLFlag == "" {
		return fmt.Errorf("database-url is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry initialized")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("tramsd: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.SetBuildInfo(version, commit, date)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	if *migrationsEnableFlag {
		if err := pg.RunMigrations(ctx, log, *databaseURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pg.New(ctx, pg.Config{Logger: log, URL: *databaseURLFlag})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()

	refStore, err := refstore.New(refstore.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create reference store: %w", err)
	}
	eventStore, err := delaystore.New(delaystore.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create delay store: %w", err)
	}
	delayBroker, err := broker.New(broker.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	registry, err := tracker.NewRegistry(tracker.Config{
		Logger:    log,
		Clock:     clock,
		RefStore:  refStore,
		Events:    eventStore,
		Publisher: delayBroker,
		Thresholds: tracker.Thresholds{
			StoppedSpeedKmh: *stoppedSpeedFlag,
			BriefStop:       *briefStopFlag,
			NormalDwell:     *normalDwellFlag,
			SignalCycle:     *signalCycleFlag,
		},
		IdleTimeout: *idleTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracker registry: %w", err)
	}

	// Orphans from a previous run are deleted exactly once, before any
	// update is delivered.
	if err := registry.DeleteOrphans(ctx); err != nil {
		return fmt.Errorf("failed to delete orphan events: %w", err)
	}

	feed, err := gtfsrt.NewClient(gtfsrt.ClientConfig{Logger: log, FeedURL: *feedURLFlag})
	if err != nil {
		return fmt.Errorf("failed to create feed client: %w", err)
	}
	feedPoller, err := poller.New(poller.Config{
		Logger:     log,
		Clock:      clock,
		Feed:       feed,
		Dispatcher: registry,
		Interval:   *pollIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}

	costConfig := aggregator.CostConfig{
		VOTPerHour:        *votFlag,
		DriverWagePerHour: *wageFlag,
		EnergyPerHour:     *energyFlag,
	}

	aggStore, err := aggregator.NewStore(aggregator.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create aggregate store: %w", err)
	}

	queryStore, err := query.NewStore(query.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create query store: %w", err)
	}
	queries, err := query.New(query.Config{
		Logger:     log,
		Clock:      clock,
		Agg:        queryStore,
		Raw:        eventStore,
		Cost:       costConfig,
		NameLookup: refStore.NearestStopName,
	})
	if err != nil {
		return fmt.Errorf("failed to create query router: %w", err)
	}

	server, err := api.NewServer(api.Config{
		Logger:     log,
		Clock:      clock,
		ListenAddr: *listenAddrFlag,
		Queries:    queries,
		Poller:     feedPoller,
		Broker:     delayBroker,
		Version:    api.VersionInfo{Version: version, Commit: commit, Date: date},
		ReadyCheck: pool.Ping,
		CacheTTL:   *cacheTTLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	agg, err := aggregator.New(aggregator.Config{
		Logger:        log,
		Clock:         clock,
		Events:        eventStore,
		Store:         aggStore,
		Cost:          costConfig,
		NameLookup:    refStore.NearestStopName,
		RetentionDays: *retentionDaysFlag,
		OnSuccess:     server.Cache().InvalidateAll,
	})
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}

	registry.Start(ctx)
	defer registry.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feedPoller.Start(gctx)
		return nil
	})
	g.Go(func() error {
		agg.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		select {
		case err := <-metricsServerErrCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("tramsd: component error causing shutdown", "error", err)
		return err
	}
	log.Info("tramsd: shut down cleanly")
	return nil
}
