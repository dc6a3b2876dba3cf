// Command aggregator owns the aggregated-stats Postgres schema (running
// migrations at startup) and runs the scheduled roll-up jobs (C9) plus
// retention pruning against it.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatkit/chatkit/internal/aggregation"
	"github.com/chatkit/chatkit/internal/config"
	"github.com/chatkit/chatkit/internal/health"
	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/migrations"
	"go.uber.org/zap"
)

const (
	exitOK            = 0
	exitConfigFailure = 2
	exitStoreUnreach  = 3
	exitMigration     = 4
)

// retentionSweepInterval is how often the pruning pass runs; independent of
// the per-granularity cron schedules that drive aggregation itself.
const retentionSweepInterval = time.Hour

func main() {
	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, "chatkit-aggregator"); err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatsDatabaseURL == "" {
		logging.Error(ctx, "STATS_DATABASE_URL is required for aggregator")
		os.Exit(exitConfigFailure)
	}

	db, err := sql.Open("postgres", cfg.StatsDatabaseURL)
	if err != nil {
		logging.Error(ctx, "failed to open stats database", zap.Error(err))
		os.Exit(exitStoreUnreach)
	}
	defer func() { _ = db.Close() }()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		logging.Error(ctx, "stats database unreachable at startup", zap.Error(err))
		os.Exit(exitStoreUnreach)
	}

	if err := migrations.Run(db); err != nil {
		logging.Error(ctx, "schema migration failed", zap.Error(err))
		os.Exit(exitMigration)
	}

	stats := aggregation.NewPostgresStats(db)
	engine := aggregation.NewEngine(stats, stats)

	schedules := aggregation.Schedules{
		aggregation.Hourly:  cfg.AggregationScheduleHourly,
		aggregation.Daily:   cfg.AggregationScheduleDaily,
		aggregation.Weekly:  cfg.AggregationScheduleWeekly,
		aggregation.Monthly: cfg.AggregationScheduleMonthly,
		aggregation.Yearly:  cfg.AggregationScheduleYearly,
	}

	scheduler, err := aggregation.NewScheduler(ctx, engine, schedules)
	if err != nil {
		logging.Error(ctx, "failed to build aggregation scheduler", zap.Error(err))
		os.Exit(exitConfigFailure)
	}
	scheduler.Start()
	defer scheduler.Stop()

	retention := aggregation.Retention{
		aggregation.Hourly:  cfg.AggregationRetentionHour,
		aggregation.Daily:   cfg.AggregationRetentionDay,
		aggregation.Weekly:  cfg.AggregationRetentionWeek,
		aggregation.Monthly: cfg.AggregationRetentionMonth,
		aggregation.Yearly:  cfg.AggregationRetentionYear,
	}

	go func() {
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				aggregation.Prune(ctx, stats, retention)
			}
		}
	}()

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	healthHandler := health.NewHandler(nil, db)
	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logging.Info(ctx, "aggregator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "health server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info(ctx, "aggregator exited cleanly")
	os.Exit(exitOK)
}
