// Command statsconsumer drains the presence event stream (C3) in batches and
// writes it through to the aggregated-stats Postgres store (C8). It assumes
// the schema already exists; cmd/aggregator owns running migrations.
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

	"github.com/chatkit/chatkit/internal/config"
	"github.com/chatkit/chatkit/internal/eventstream"
	"github.com/chatkit/chatkit/internal/health"
	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/statsconsumer"
	"github.com/chatkit/chatkit/internal/store"
	"go.uber.org/zap"
)

const (
	exitOK            = 0
	exitConfigFailure = 2
	exitStoreUnreach  = 3
	exitStreamFailure = 5
)

func main() {
	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, "chatkit-statsconsumer"); err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatsDatabaseURL == "" {
		logging.Error(ctx, "STATS_DATABASE_URL is required for statsconsumer")
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

	st, err := store.New(store.Config{
		Addr:         cfg.StoreAddr,
		Password:     cfg.StorePassword,
		PoolSize:     cfg.StorePoolSize,
		DialTimeout:  time.Duration(cfg.StoreTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.StoreTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.StoreTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logging.Error(ctx, "store unreachable at startup", zap.Error(err))
		os.Exit(exitStoreUnreach)
	}
	defer func() { _ = st.Close() }()

	group := eventstream.NewConsumerGroup(st.Client(), cfg.StreamName, cfg.StreamConsumerGroup, cfg.StreamConsumerName)
	writer := statsconsumer.NewPostgresWriter(db)
	consumer := statsconsumer.NewConsumer(group, writer, statsconsumer.Config{
		BatchSize:     int64(cfg.StreamBatchSize),
		FlushInterval: time.Duration(cfg.StreamFlushIntervalMs) * time.Millisecond,
		BlockTimeout:  time.Duration(cfg.StreamPollBlockMs) * time.Millisecond,
	})

	consumerErrs := make(chan error, 1)
	go func() {
		logging.Info(ctx, "statsconsumer starting",
			zap.String("stream", cfg.StreamName),
			zap.String("group", cfg.StreamConsumerGroup),
			zap.String("consumer", cfg.StreamConsumerName),
		)
		consumerErrs <- consumer.Run(ctx)
	}()

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	healthHandler := health.NewHandler(st, db)
	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "health server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Info(ctx, "shutdown signal received")
	case err := <-consumerErrs:
		if err != nil && err != context.Canceled {
			logging.Error(ctx, "consumer failed", zap.Error(err))
			os.Exit(exitStreamFailure)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info(ctx, "statsconsumer exited cleanly")
	os.Exit(exitOK)
}
