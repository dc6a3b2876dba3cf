package aggregation

import (
	"context"
	"log/slog"
	"time"
)

// Retention bounds how long aggregated rows survive per granularity. Rows
// older than time.Now().Add(-duration) are eligible for deletion; a
// non-positive duration disables pruning for that granularity.
type Retention map[Granularity]time.Duration

// StatsPruner deletes aggregated rows older than a cutoff, scoped to one
// granularity so each retention window can be enforced independently.
type StatsPruner interface {
	DeleteOlderThan(ctx context.Context, granularity Granularity, cutoff time.Time) (int64, error)
}

// Prune runs one pass of retention.Retention over pruner, logging how many
// rows were removed per granularity. It is meant to be called periodically
// by cmd/aggregator, independent of the per-granularity cron schedules that
// drive RunBucket.
func Prune(ctx context.Context, pruner StatsPruner, retention Retention) {
	for granularity, window := range retention {
		if window <= 0 {
			continue
		}
		cutoff := time.Now().UTC().Add(-window)
		n, err := pruner.DeleteOlderThan(ctx, granularity, cutoff)
		if err != nil {
			slog.Error("aggregation: retention prune failed", "granularity", granularity, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("aggregation: pruned aggregated rows", "granularity", granularity, "count", n, "cutoff", cutoff)
		}
	}
}
