package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsChecker answers AggChecker against the daily_line_stats table.
type StatsChecker struct {
	Pool *pgxpool.Pool
}

func (c *StatsChecker) HasDailyLineStats(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := c.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM daily_line_stats WHERE date = $1::date)`,
		date.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check daily line stats: %w", err)
	}
	return exists, nil
}
