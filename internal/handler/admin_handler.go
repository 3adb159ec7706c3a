package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	"github.com/noah-isme/sma-warehouse-api/internal/service"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
	"github.com/noah-isme/sma-warehouse-api/pkg/response"
)

type cacheAdmin interface {
	Invalidate(ctx context.Context, prefix string) (int64, error)
	InvalidateView(ctx context.Context, view string) (int64, error)
}

type warehouseAdmin interface {
	Warm(ctx context.Context, names []string) (map[string]int, error)
	InvalidateQuery(ctx context.Context, name string) (int64, error)
}

type viewAdmin interface {
	Refresh(ctx context.Context, name string) (*models.RefreshResult, error)
	Views() []models.AggregateView
}

type jobAdmin interface {
	Status() []models.JobStatus
	Trigger(name models.JobName) (models.JobRun, error)
}

type metricsSnapshotter interface {
	Snapshot() models.MetricsSnapshot
}

// AdminHandler serves the operator endpoints: invalidation, warm-up, manual
// refresh and job control.
type AdminHandler struct {
	cache       cacheAdmin
	engine      warehouseAdmin
	views       viewAdmin
	jobs        jobAdmin
	metrics     metricsSnapshotter
	warmQueries []string
	logger      *zap.Logger
}

// AdminDeps groups the collaborators of AdminHandler.
type AdminDeps struct {
	Cache       cacheAdmin
	Engine      warehouseAdmin
	Views       viewAdmin
	Jobs        jobAdmin
	Metrics     metricsSnapshotter
	WarmQueries []string
	Logger      *zap.Logger
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		cache:       deps.Cache,
		engine:      deps.Engine,
		views:       deps.Views,
		jobs:        deps.Jobs,
		metrics:     deps.Metrics,
		warmQueries: deps.WarmQueries,
		logger:      logger,
	}
}

type invalidateRequest struct {
	Prefix string `json:"prefix"`
	View   string `json:"view"`
	Query  string `json:"query"`
}

type invalidateResponse struct {
	Target  string `json:"target"`
	Deleted int64  `json:"deleted"`
}

type warmRequest struct {
	Queries []string `json:"queries"`
}

type warmResponse struct {
	Warmed   map[string]int `json:"warmed"`
	Failures []string       `json:"failures,omitempty"`
}

// Invalidate godoc
// @Summary Invalidate cached results
// @Description Exactly one of prefix, view or query must be given.
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body invalidateRequest true "Invalidation target"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/cache/invalidate [post]
func (h *AdminHandler) Invalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	set := 0
	for _, v := range []string{req.Prefix, req.View, req.Query} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "exactly one of prefix, view or query is required"))
		return
	}

	ctx := c.Request.Context()
	var (
		target  string
		deleted int64
		err     error
	)
	switch {
	case req.Prefix != "":
		if !strings.HasPrefix(req.Prefix, service.CacheKeyNamespace+":") {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "prefix must start with "+service.CacheKeyNamespace+":"))
			return
		}
		target = req.Prefix
		deleted, err = h.cache.Invalidate(ctx, req.Prefix)
	case req.View != "":
		if !h.hasView(req.View) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "view "+req.View+" not found"))
			return
		}
		target = service.ViewPrefix(req.View)
		deleted, err = h.cache.InvalidateView(ctx, req.View)
	default:
		target = req.Query
		deleted, err = h.engine.InvalidateQuery(ctx, req.Query)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("manual cache invalidation", zap.String("target", target), zap.Int64("deleted", deleted))
	response.OK(c, invalidateResponse{Target: target, Deleted: deleted})
}

// Warm godoc
// @Summary Warm the result cache
// @Description Executes the listed queries (the configured warm set when empty) and overwrites their cache entries.
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body warmRequest false "Queries to warm"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/cache/warm [post]
func (h *AdminHandler) Warm(c *gin.Context) {
	var req warmRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
			return
		}
	}
	names := req.Queries
	if len(names) == 0 {
		names = h.warmQueries
	}

	counts, err := h.engine.Warm(c.Request.Context(), names)
	if counts == nil && err != nil {
		response.Error(c, err)
		return
	}
	out := warmResponse{Warmed: counts}
	for _, failure := range service.FailedWarmups(err) {
		out.Failures = append(out.Failures, failure.Error())
	}
	response.OK(c, out)
}

// RefreshView godoc
// @Summary Refresh an aggregate view now
// @Tags Admin
// @Produce json
// @Param name path string true "View name"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/views/{name}/refresh [post]
func (h *AdminHandler) RefreshView(c *gin.Context) {
	result, err := h.views.Refresh(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Views godoc
// @Summary List aggregate views and their freshness
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/views [get]
func (h *AdminHandler) Views(c *gin.Context) {
	response.OK(c, h.views.Views())
}

// Jobs godoc
// @Summary List scheduled jobs with recent runs
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/jobs [get]
func (h *AdminHandler) Jobs(c *gin.Context) {
	response.OK(c, h.jobs.Status())
}

// RunJob godoc
// @Summary Trigger a job run
// @Tags Admin
// @Produce json
// @Param name path string true "Job name"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/jobs/{name}/run [post]
func (h *AdminHandler) RunJob(c *gin.Context) {
	run, err := h.jobs.Trigger(models.JobName(c.Param("name")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, run)
}

// Metrics godoc
// @Summary Aggregated warehouse counters
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/metrics [get]
func (h *AdminHandler) Metrics(c *gin.Context) {
	if h.metrics == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}

func (h *AdminHandler) hasView(name string) bool {
	for _, view := range h.views.Views() {
		if view.Name == name {
			return true
		}
	}
	return false
}
