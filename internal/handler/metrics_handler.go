package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	"github.com/noah-isme/sma-warehouse-api/internal/service"
)

const readinessTimeout = 2 * time.Second

type healthChecker interface {
	Health(ctx context.Context) models.HealthStatus
}

type pinger interface {
	Ping(ctx context.Context) error
}

// MetricsHandler exposes observability and probe endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	engine  healthChecker
	cache   pinger
}

// NewMetricsHandler constructs a metrics handler. cache may be nil when
// caching is disabled.
func NewMetricsHandler(metrics *service.MetricsService, engine healthChecker, cache pinger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, engine: engine, cache: cache}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health is the liveness probe.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// @Summary Readiness probe
// @Description Pings the primary and the cache and reports replica routing state. The replica never fails readiness.
// @Tags Health
// @Produce json
// @Success 200 {object} models.HealthStatus
// @Failure 503 {object} models.HealthStatus
// @Router /ready [get]
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := models.HealthStatus{Primary: "down", Replica: "disabled", Cache: "disabled"}
	if h.engine != nil {
		status = h.engine.Health(ctx)
		status.Cache = "disabled"
	}
	if h.cache != nil {
		status.Cache = "up"
		if err := h.cache.Ping(ctx); err != nil {
			status.Cache = "down"
		}
	}

	code := http.StatusOK
	// a dead cache degrades to direct execution and does not fail readiness
	if status.Primary != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
