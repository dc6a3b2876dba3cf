// Package health exposes liveness and readiness probes for the chat service.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/store"
	"go.uber.org/zap"
)

// StatsDBChecker checks the health of the aggregated-stats SQL store.
type StatsDBChecker interface {
	Check(ctx context.Context) string
}

// DefaultStatsDBChecker pings a *sql.DB.
type DefaultStatsDBChecker struct {
	DB *sql.DB
}

// Check verifies connectivity to the stats store.
func (c *DefaultStatsDBChecker) Check(ctx context.Context) string {
	if c.DB == nil {
		return "healthy"
	}
	if err := c.DB.PingContext(ctx); err != nil {
		logging.Error(ctx, "stats store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	store          *store.Store
	statsEnabled   bool
	statsDBChecker StatsDBChecker
}

// NewHandler creates a new health check handler. db may be nil when the
// stats pipeline is not deployed alongside this instance.
func NewHandler(st *store.Store, db *sql.DB) *Handler {
	statsEnabled := os.Getenv("STATS_HEALTH_CHECK_ENABLED")
	enabled := statsEnabled != "false"

	return &Handler{
		store:          st,
		statsEnabled:   enabled,
		statsDBChecker: &DefaultStatsDBChecker{DB: db},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /healthz/live — returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /healthz/ready — 200 only if every critical dependency is healthy, else 503.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	if h.statsEnabled {
		statsStatus := h.statsDBChecker.Check(ctx)
		checks["stats_db"] = statsStatus
		if statsStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStore verifies store connectivity using PING.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
