package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-warehouse-api/internal/middleware"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

type testEnvelope struct {
	Data       json.RawMessage        `json:"data"`
	Error      *appErrors.Error       `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

type fakeQueryEngine struct {
	result  *models.ResultSet
	err     error
	lastReq models.QueryRequest
	infos   []models.QueryInfo
}

func (f *fakeQueryEngine) Execute(_ context.Context, req models.QueryRequest) (*models.ResultSet, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeQueryEngine) Queries() []models.QueryInfo {
	return f.infos
}

func buildQueryRouter(engine *fakeQueryEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.WithResponseMeta())
	h := NewQueryHandler(engine)
	router.GET("/queries", h.List)
	router.GET("/queries/:name", h.ExecuteGet)
	router.POST("/queries/:name", h.ExecutePost)
	return router
}

func TestExecuteGetSplitsReservedKeys(t *testing.T) {
	refreshed := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	engine := &fakeQueryEngine{result: &models.ResultSet{
		Query:       "class_performance",
		Rows:        []models.Row{{"class_id": "c-1"}, {"class_id": "c-2"}},
		RowCount:    2,
		Limit:       2,
		Source:      models.SourceReplica,
		RefreshedAt: &refreshed,
	}}
	router := buildQueryRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/queries/class_performance?term_id=t-1&limit=2&offset=4&use_replica=false", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "class_performance", engine.lastReq.Name)
	assert.Equal(t, map[string]interface{}{"term_id": "t-1"}, engine.lastReq.Params)
	require.NotNil(t, engine.lastReq.Limit)
	assert.Equal(t, 2, *engine.lastReq.Limit)
	assert.Equal(t, 4, engine.lastReq.Offset)
	require.NotNil(t, engine.lastReq.UseReplica)
	assert.False(t, *engine.lastReq.UseReplica)

	assert.Equal(t, "MISS", rec.Header().Get(middleware.HeaderCache))
	assert.Equal(t, models.SourceReplica, rec.Header().Get(middleware.HeaderQuerySource))

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Pagination)
	assert.True(t, env.Pagination.HasMore)
	assert.Equal(t, 2, env.Pagination.RowCount)
	assert.Equal(t, false, env.Meta["from_cache"])
	assert.Equal(t, "class_performance", env.Meta["query"])
	assert.Contains(t, env.Meta, "processing_time_ms")

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	assert.Len(t, rows, 2)
}

func TestExecuteGetRejectsBadPaging(t *testing.T) {
	router := buildQueryRouter(&fakeQueryEngine{})
	for _, target := range []string{
		"/queries/top_performers?limit=ten",
		"/queries/top_performers?offset=1.5",
		"/queries/top_performers?use_replica=maybe",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, appErrors.ErrValidation.Code, decodeEnvelope(t, rec).Error.Code)
	}
}

func TestExecutePostBindsBody(t *testing.T) {
	engine := &fakeQueryEngine{result: &models.ResultSet{Query: "teacher_workload", Rows: []models.Row{}, Limit: 100, FromCache: true, Source: models.SourceReplica}}
	router := buildQueryRouter(engine)

	body := `{"params":{"term_id":"t-9","min_slots":4},"limit":100,"offset":0}`
	req := httptest.NewRequest(http.MethodPost, "/queries/teacher_workload", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t-9", engine.lastReq.Params["term_id"])
	assert.Equal(t, float64(4), engine.lastReq.Params["min_slots"])
	assert.Nil(t, engine.lastReq.UseReplica)
	assert.Equal(t, "HIT", rec.Header().Get(middleware.HeaderCache))
	assert.Equal(t, models.SourceReplica, rec.Header().Get(middleware.HeaderQuerySource))
	assert.False(t, decodeEnvelope(t, rec).Pagination.HasMore)
}

func TestExecutePostRejectsMalformedBody(t *testing.T) {
	router := buildQueryRouter(&fakeQueryEngine{})
	req := httptest.NewRequest(http.MethodPost, "/queries/teacher_workload", bytes.NewBufferString(`{"params":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteMapsEngineErrors(t *testing.T) {
	cases := map[*appErrors.Error]int{
		appErrors.ErrNotFound:    http.StatusNotFound,
		appErrors.ErrTimeout:     http.StatusGatewayTimeout,
		appErrors.ErrValidation:  http.StatusBadRequest,
		appErrors.ErrUnavailable: http.StatusServiceUnavailable,
	}
	for appErr, status := range cases {
		router := buildQueryRouter(&fakeQueryEngine{err: appErr})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queries/x", nil))
		assert.Equal(t, status, rec.Code, appErr.Code)
		assert.Equal(t, appErr.Code, decodeEnvelope(t, rec).Error.Code)
	}
}

func TestListReturnsCatalog(t *testing.T) {
	engine := &fakeQueryEngine{infos: []models.QueryInfo{{Name: "subject_rankings", Initialized: false}}}
	router := buildQueryRouter(engine)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queries", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var infos []models.QueryInfo
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "subject_rankings", infos[0].Name)
}
