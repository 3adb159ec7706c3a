package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-warehouse-api/internal/middleware"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
	"github.com/noah-isme/sma-warehouse-api/pkg/response"
)

// query string keys that control execution rather than bind parameters
var reservedQueryKeys = map[string]struct{}{
	"limit":       {},
	"offset":      {},
	"use_replica": {},
}

type queryEngine interface {
	Execute(ctx context.Context, req models.QueryRequest) (*models.ResultSet, error)
	Queries() []models.QueryInfo
}

// QueryHandler exposes the query catalog over HTTP.
type QueryHandler struct {
	engine queryEngine
}

// NewQueryHandler constructs the handler.
func NewQueryHandler(engine queryEngine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

type executeRequest struct {
	Params     map[string]interface{} `json:"params"`
	Limit      *int                   `json:"limit"`
	Offset     int                    `json:"offset"`
	UseReplica *bool                  `json:"use_replica"`
}

// List godoc
// @Summary List catalog queries
// @Tags Queries
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /queries [get]
func (h *QueryHandler) List(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.engine.Queries(), nil, middleware.ExtractMeta(c))
}

// ExecuteGet godoc
// @Summary Execute a catalog query
// @Description Parameters are read from the query string; limit, offset and use_replica are reserved.
// @Tags Queries
// @Produce json
// @Param name path string true "Query name"
// @Param limit query int false "Page size, clamped to the query maximum"
// @Param offset query int false "Rows to skip"
// @Param use_replica query bool false "Allow routing to the read replica"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 504 {object} response.Envelope
// @Router /queries/{name} [get]
func (h *QueryHandler) ExecuteGet(c *gin.Context) {
	req := models.QueryRequest{Name: c.Param("name"), Params: make(map[string]interface{})}
	for key, values := range c.Request.URL.Query() {
		if _, reserved := reservedQueryKeys[key]; reserved || len(values) == 0 {
			continue
		}
		req.Params[key] = values[0]
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be an integer"))
			return
		}
		req.Limit = &limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "offset must be an integer"))
			return
		}
		req.Offset = offset
	}
	if raw := c.Query("use_replica"); raw != "" {
		useReplica, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "use_replica must be a boolean"))
			return
		}
		req.UseReplica = &useReplica
	}

	h.execute(c, req)
}

// ExecutePost godoc
// @Summary Execute a catalog query with a JSON body
// @Tags Queries
// @Accept json
// @Produce json
// @Param name path string true "Query name"
// @Param payload body executeRequest false "Parameters and paging"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 504 {object} response.Envelope
// @Router /queries/{name} [post]
func (h *QueryHandler) ExecutePost(c *gin.Context) {
	var body executeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
			return
		}
	}
	h.execute(c, models.QueryRequest{
		Name:       c.Param("name"),
		Params:     body.Params,
		Limit:      body.Limit,
		Offset:     body.Offset,
		UseReplica: body.UseReplica,
	})
}

func (h *QueryHandler) execute(c *gin.Context, req models.QueryRequest) {
	result, err := h.engine.Execute(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetResultMeta(c, result)
	pagination := &models.Pagination{
		Limit:    result.Limit,
		Offset:   result.Offset,
		RowCount: result.RowCount,
		HasMore:  result.RowCount == result.Limit,
	}
	response.JSON(c, http.StatusOK, result.Rows, pagination, middleware.ExtractMeta(c))
}
