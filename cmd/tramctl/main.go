package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/aggregator"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/cleanup"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/logger"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/pg"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/refstore"
	"github.com/patrykwozinski/waw-trams-sub000/pkg/seed"
)

var (
	verbose     bool
	databaseURL string
)

func main() {
	root := &cobra.Command{
		Use:           "tramctl",
		Short:         "Operational tooling for the tram delay service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			_ = godotenv.Load()
			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection URL (or set DATABASE_URL env var)")

	root.AddCommand(cleanupCmd())
	root.AddCommand(aggregateDailyCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cleanupCmd() *cobra.Command {
	var (
		execute   bool
		olderThan int
		resetAll  bool
		confirmed bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete fully-aggregated raw events past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.New(verbose)
			pool, err := pg.New(cmd.Context(), pg.Config{Logger: log, URL: databaseURL})
			if err != nil {
				return err
			}
			defer pool.Close()

			eventStore, err := delaystore.New(delaystore.Config{Logger: log, Pool: pool})
			if err != nil {
				return err
			}
			cleaner, err := cleanup.New(cleanup.Config{
				Logger: log,
				Events: eventStore,
				Agg:    &cleanup.StatsChecker{Pool: pool},
			})
			if err != nil {
				return err
			}

			report, err := cleaner.Run(cmd.Context(), cleanup.Options{
				OlderThanDays: olderThan,
				Execute:       execute,
				ResetAll:      resetAll,
				Confirmed:     confirmed,
			})
			if err != nil {
				return err
			}

			if !report.Executed {
				fmt.Printf("dry run, cutoff %s\n", report.Cutoff.Format("2006-01-02"))
			}
			for _, d := range report.Deletable {
				fmt.Printf("deletable: %s\n", d.Format("2006-01-02"))
			}
			for _, d := range report.Skipped {
				fmt.Printf("skipped (not aggregated): %s\n", d.Format("2006-01-02"))
			}
			if report.Executed {
				fmt.Printf("deleted %d events\n", report.Deleted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "actually delete instead of reporting")
	cmd.Flags().IntVar(&olderThan, "older-than", 7, "retention window in days")
	cmd.Flags().BoolVar(&resetAll, "reset-all", false, "wipe the whole raw event log")
	cmd.Flags().BoolVar(&confirmed, "i-know-what-i-am-doing", false, "confirm a reset-all")
	return cmd
}

func aggregateDailyCmd() *cobra.Command {
	var (
		dateStr  string
		backfill int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "aggregate-daily",
		Short: "Run the hourly aggregation for a whole date, or backfill several",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dateStr != "" && backfill > 0 {
				return fmt.Errorf("pass either --date or --backfill, not both")
			}

			log := logger.New(verbose)
			pool, err := pg.New(cmd.Context(), pg.Config{Logger: log, URL: databaseURL})
			if err != nil {
				return err
			}
			defer pool.Close()

			eventStore, err := delaystore.New(delaystore.Config{Logger: log, Pool: pool})
			if err != nil {
				return err
			}
			aggStore, err := aggregator.NewStore(aggregator.StoreConfig{Logger: log, Pool: pool})
			if err != nil {
				return err
			}
			refStore, err := refstore.New(refstore.Config{Logger: log, Pool: pool})
			if err != nil {
				return err
			}
			agg, err := aggregator.New(aggregator.Config{
				Logger:     log,
				Events:     eventStore,
				Store:      aggStore,
				NameLookup: refStore.NearestStopName,
			})
			if err != nil {
				return err
			}

			var dates []time.Time
			switch {
			case dateStr != "":
				d, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
				if err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD", dateStr)
				}
				dates = []time.Time{d}
			case backfill > 0:
				now := time.Now().UTC()
				today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
				for i := backfill; i >= 1; i-- {
					dates = append(dates, today.AddDate(0, 0, -i))
				}
			default:
				return fmt.Errorf("pass --date or --backfill")
			}

			for _, d := range dates {
				hours, err := eventStore.HoursWithEvents(cmd.Context(), d, d.AddDate(0, 0, 1))
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Printf("%s: %d hours with events\n", d.Format("2006-01-02"), len(hours))
					continue
				}
				for _, h := range hours {
					if err := agg.RunHour(cmd.Context(), h); err != nil {
						return fmt.Errorf("failed to aggregate %s: %w", h.Format(time.RFC3339), err)
					}
				}
				fmt.Printf("%s: aggregated %d hours\n", d.Format("2006-01-02"), len(hours))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "date to aggregate (YYYY-MM-DD)")
	cmd.Flags().IntVar(&backfill, "backfill", 0, "aggregate the last N full days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the hours that would run")
	return cmd
}

func seedCmd() *cobra.Command {
	var (
		gtfsDir          string
		intersectionsCSV string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load reference data: GTFS stops/terminals and the intersections CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.New(verbose)
			pool, err := pg.New(cmd.Context(), pg.Config{Logger: log, URL: databaseURL})
			if err != nil {
				return err
			}
			defer pool.Close()

			refStore, err := refstore.New(refstore.Config{Logger: log, Pool: pool})
			if err != nil {
				return err
			}
			seeder, err := seed.New(seed.Config{Logger: log, Ref: refStore})
			if err != nil {
				return err
			}
			return seeder.Run(cmd.Context(), seed.Options{
				GTFSDir:          gtfsDir,
				IntersectionsCSV: intersectionsCSV,
			})
		},
	}
	cmd.Flags().StringVar(&gtfsDir, "gtfs-dir", "", "directory with stops.txt, trips.txt, stop_times.txt")
	cmd.Flags().StringVar(&intersectionsCSV, "intersections", "", "CSV of tram-road intersections (name,lat,lon)")
	return cmd
}

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.New(verbose)
			if databaseURL == "" {
				return fmt.Errorf("database-url is required")
			}
			if status {
				return pg.MigrationStatus(cmd.Context(), log, databaseURL)
			}
			return pg.RunMigrations(cmd.Context(), log, databaseURL)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of applying")
	return cmd
}
