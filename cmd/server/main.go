// Command server runs the chat streaming transport: the WebSocket endpoint,
// its connection-time auth, liveness/readiness probes, and metrics. It does
// not expose a REST CRUD surface and does not own user/room/message
// persistence — those are external collaborators per the system's scope, and
// this binary only consumes them through the repository package's
// interfaces.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatkit/chatkit/internal/auth"
	"github.com/chatkit/chatkit/internal/broadcast"
	"github.com/chatkit/chatkit/internal/bus"
	"github.com/chatkit/chatkit/internal/config"
	"github.com/chatkit/chatkit/internal/eventstream"
	"github.com/chatkit/chatkit/internal/health"
	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/middleware"
	"github.com/chatkit/chatkit/internal/presence"
	"github.com/chatkit/chatkit/internal/ratelimit"
	"github.com/chatkit/chatkit/internal/repository"
	"github.com/chatkit/chatkit/internal/sequence"
	"github.com/chatkit/chatkit/internal/session"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/chatkit/chatkit/internal/tracing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Exit codes per the operational contract: 0 normal shutdown, 2 config
// failure, 3 store unreachable at startup, 5 unrecoverable stream error.
// Schema migrations (exit 4) are owned by cmd/aggregator, which is the only
// binary that runs them.
const (
	exitOK            = 0
	exitConfigFailure = 2
	exitStoreUnreach  = 3
	exitStreamFailure = 5
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine outside local development.
		_ = err
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logging isn't initialized yet; this is the one place we write to
		// stderr directly.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, "chatkit-server"); err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(exitConfigFailure)
	}

	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatkit-server", cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracer", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
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

	busSvc, err := bus.NewService(cfg.StoreAddr, cfg.StorePassword)
	if err != nil {
		logging.Error(ctx, "bus unreachable at startup", zap.Error(err))
		os.Exit(exitStoreUnreach)
	}
	defer func() { _ = busSvc.Close() }()

	producer := eventstream.NewProducer(st.Client(), cfg.StreamName)

	tracker := presence.NewRedisTracker(st, producer, time.Duration(cfg.PresenceKeyTTLSeconds)*time.Second)
	seq := sequence.NewAllocator(st)
	rates := ratelimit.NewMessageRate(
		st,
		int64(cfg.RateLimitMessagesPerMinute), time.Minute,
		int64(cfg.RateLimitMaxConcurrentConns), time.Minute,
	)

	rl, err := ratelimit.NewRateLimiter(cfg, st.Client())
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(exitConfigFailure)
	}

	hub := broadcast.NewHub()
	selfID := uuid.New()
	relay := broadcast.NewRelay(busSvc, hub, selfID)

	var validator auth.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled, do not run this in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			logging.Error(ctx, "failed to build auth validator", zap.Error(err))
			os.Exit(exitConfigFailure)
		}
		validator = v
	}
	authSvc := auth.NewService(validator, st)

	// Durable user/room/message persistence lives outside this system; in a
	// real deployment it is supplied by whatever service owns the relational
	// schema. repository.Fake stands in for that collaborator here so the
	// transport can run standalone; it is empty, so every room join fails
	// membership until seeded by an operator or replaced with a real
	// repository.RoomRepository/MessageRepository implementation.
	repo := repository.NewFake()

	deps := session.Deps{
		Presence: tracker,
		Rooms:    repo,
		Messages: repo,
		Auth:     authSvc,
		Sequence: seq,
		Rates:    rates,
		Hub:      hub,
		Relay:    relay,
		Heartbeat: session.HeartbeatConfig{
			Interval:            time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
			Timeout:             time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
			StatsSampleInterval: time.Duration(cfg.HeartbeatStatsSampleInterval) * time.Second,
		},
	}

	healthHandler := health.NewHandler(st, nil)

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))

	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)

	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	router.GET("/ws", func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			return
		}

		token := c.Query("token")
		if token == "" {
			token = c.GetHeader("Sec-WebSocket-Protocol")
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
			return
		}

		sess := session.New(conn, deps, c.ClientIP(), c.Request.UserAgent())
		go func() {
			if err := sess.Run(context.Background(), token); err != nil {
				logging.Info(context.Background(), "session ended", zap.Error(err))
			}
		}()
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serverErrs := make(chan error, 1)
	go func() {
		logging.Info(ctx, "server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Info(ctx, "shutdown signal received")
	case err := <-serverErrs:
		logging.Error(ctx, "server failed", zap.Error(err))
		os.Exit(exitStreamFailure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}

	logging.Info(ctx, "server exited cleanly")
	os.Exit(exitOK)
}
