package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

const (
	termID    = "0b7e8a5e-1c2d-4e3f-8a9b-0c1d2e3f4a5b"
	studentID = "6f9619ff-8b86-d011-b42d-00c04fc964ff"
)

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestExecuteClampsPagination(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()

	cases := []struct {
		limit    *int
		expected int
	}{
		{nil, 50},
		{intPtr(0), 1},
		{intPtr(-20), 1},
		{intPtr(250), 250},
		{intPtr(50000), 1000},
	}
	for _, tc := range cases {
		result, err := f.engine.Execute(ctx, models.QueryRequest{
			Name:   "class_performance",
			Params: map[string]interface{}{"term_id": termID},
			Limit:  tc.limit,
			Offset: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.expected, result.Limit)
		assert.Equal(t, tc.expected, f.primary.lastLimit)
		assert.Equal(t, 10, f.primary.lastOffset)
	}

	_, err := f.engine.Execute(ctx, models.QueryRequest{
		Name:   "class_performance",
		Params: map[string]interface{}{"term_id": termID},
		Offset: -1,
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, models.QueryRequest{Name: "nope"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "student_progress"})
	assert.ErrorIs(t, err, appErrors.ErrValidation, "missing required")

	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "student_progress", Params: map[string]interface{}{"student_id": "not-a-uuid"}})
	assert.ErrorIs(t, err, appErrors.ErrValidation, "type mismatch")

	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "student_progress", Params: map[string]interface{}{"student_id": studentID, "grade": 1}})
	assert.ErrorIs(t, err, appErrors.ErrValidation, "unknown param")

	assert.Zero(t, f.primary.callCount())
}

func TestExecuteColdStartReturnsUninitialized(t *testing.T) {
	f := newEngineFixture(t, true)

	result, err := f.engine.Execute(context.Background(), models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	assert.True(t, result.Uninitialized)
	assert.True(t, result.Stale)
	assert.NotNil(t, result.Rows)
	assert.Empty(t, result.Rows)
	assert.Zero(t, result.RowCount)
	assert.Zero(t, f.primary.callCount())
	assert.Zero(t, f.replica.callCount())
	assert.Empty(t, f.cache.keys())

	runs := f.sink.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.SourceNone, runs[0].Source)
}

func TestExecuteLiveQueryIgnoresViewState(t *testing.T) {
	f := newEngineFixture(t, false)

	result, err := f.engine.Execute(context.Background(), models.QueryRequest{Name: "engagement_metrics", Params: map[string]interface{}{"date_from": "2026-09-01"}})
	require.NoError(t, err)
	assert.False(t, result.Uninitialized)
	assert.False(t, result.Stale)
	assert.Equal(t, models.SourcePrimary, result.Source)
	assert.Equal(t, "2026-09-01", f.primary.lastParams["date_from"])
	assert.Nil(t, f.primary.lastParams["date_to"])
}

func TestExecutePrefersReplica(t *testing.T) {
	f := newEngineFixture(t, true)
	f.markAllRefreshed(time.Now())

	result, err := f.engine.Execute(context.Background(), models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceReplica, result.Source)
	assert.Zero(t, f.primary.callCount())

	result, err = f.engine.Execute(context.Background(), models.QueryRequest{Name: "top_performers", Limit: intPtr(3), UseReplica: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, models.SourcePrimary, result.Source)
}

func TestExecutePrimaryOnlyQuerySkipsReplica(t *testing.T) {
	f := newEngineFixture(t, true)
	f.markAllRefreshed(time.Now())

	result, err := f.engine.Execute(context.Background(), models.QueryRequest{
		Name:   "teacher_workload",
		Params: map[string]interface{}{"term_id": termID, "min_slots": "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourcePrimary, result.Source)
	assert.Zero(t, f.replica.callCount())
	assert.Equal(t, int64(4), f.primary.lastParams["min_slots"])
}

func TestExecuteFallsBackToPrimaryWithOneWarning(t *testing.T) {
	f := newEngineFixture(t, true)
	f.markAllRefreshed(time.Now())
	f.replica.set(nil, appErrors.Clone(appErrors.ErrUnavailable, "replica database unavailable"))
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	assert.Equal(t, models.SourcePrimary, result.Source)
	assert.Equal(t, int64(1), result.Rows[0]["n"])
	assert.Equal(t, 1, f.logs.FilterMessage("replica unavailable, falling back to primary").Len())
	assert.False(t, f.engine.ReplicaHealthy())

	// during the cooldown the replica is not contacted again
	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers", Limit: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 1, f.replica.callCount())
	assert.Equal(t, 1, f.logs.FilterMessage("replica unavailable, falling back to primary").Len())

	runs := f.sink.all()
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Fallback)
	assert.False(t, runs[1].Fallback)

	// once the retry window passes the replica is tried again
	f.replica.set([]models.Row{{"n": int64(2)}}, nil)
	f.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	result, err = f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers", Limit: intPtr(6)})
	require.NoError(t, err)
	assert.Equal(t, models.SourceReplica, result.Source)
}

func TestExecuteReplicaTimeoutIsNotRetriedOnPrimary(t *testing.T) {
	f := newEngineFixture(t, true)
	f.markAllRefreshed(time.Now())
	f.replica.set(nil, appErrors.Clone(appErrors.ErrTimeout, ""))

	_, err := f.engine.Execute(context.Background(), models.QueryRequest{Name: "top_performers"})
	assert.ErrorIs(t, err, appErrors.ErrTimeout)
	assert.Zero(t, f.primary.callCount())
	assert.True(t, f.engine.ReplicaHealthy())
}

func TestExecuteTimeoutIsNotCached(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	f.primary.set(nil, appErrors.Clone(appErrors.ErrTimeout, ""))
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	assert.ErrorIs(t, err, appErrors.ErrTimeout)
	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	assert.ErrorIs(t, err, appErrors.ErrTimeout)
	assert.Equal(t, 2, f.primary.callCount())
	assert.Empty(t, f.cache.keys())

	runs := f.sink.all()
	require.Len(t, runs, 2)
	assert.NotEmpty(t, runs[0].Error)
}

func TestExecuteCacheFreshAfterInvalidate(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()
	req := models.QueryRequest{Name: "top_performers"}

	first, err := f.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	f.primary.set([]models.Row{{"n": int64(5)}}, nil)
	second, err := f.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, models.SourcePrimary, second.Source)
	assert.Equal(t, json.Number("1"), second.Rows[0]["n"])

	_, err = f.engine.cache.InvalidateView(ctx, catalog.ViewStudentGradeSummary)
	require.NoError(t, err)

	third, err := f.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int64(5), third.Rows[0]["n"])
	assert.Equal(t, 2, f.primary.callCount())
}

func TestWarmServesFromCacheQuickly(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()

	counts, err := f.engine.Warm(ctx, []string{"top_performers", "bottom_performers", "engagement_metrics"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"top_performers": 1, "bottom_performers": 1, "engagement_metrics": 1}, counts)
	calls := f.primary.callCount()

	started := time.Now()
	result, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Less(t, elapsed, 5*time.Millisecond)
	assert.Equal(t, calls, f.primary.callCount())
}

func TestWarmOverwritesExistingEntries(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	f.primary.set([]models.Row{{"n": int64(9)}}, nil)

	_, err = f.engine.Warm(ctx, []string{"top_performers"})
	require.NoError(t, err)

	result, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, json.Number("9"), result.Rows[0]["n"])
}

func TestWarmRejectsUnknownQueriesBeforeWork(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())

	_, err := f.engine.Warm(context.Background(), []string{"top_performers", "missing"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Zero(t, f.primary.callCount())
}

func TestWarmSkipsUninitializedViews(t *testing.T) {
	f := newEngineFixture(t, false)

	counts, err := f.engine.Warm(context.Background(), []string{"top_performers"})
	require.NoError(t, err)
	assert.Equal(t, 0, counts["top_performers"])
	assert.Empty(t, f.cache.keys())
}

func TestExecuteFlagsStaleAndSlowQueries(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now().Add(-72 * time.Hour))
	f.engine.cfg.SlowQueryThreshold = 10 * time.Millisecond
	f.primary.delay = 30 * time.Millisecond

	result, err := f.engine.Execute(context.Background(), models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	assert.True(t, result.Stale)
	require.NotNil(t, result.RefreshedAt)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, 1, f.logs.FilterMessage("slow query").Len())
}

func TestExecuteEmitsExecutionRecord(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, models.QueryRequest{Name: "top_performers"})
	require.NoError(t, err)

	runs := f.sink.all()
	require.Len(t, runs, 2)
	assert.Equal(t, "top_performers", runs[0].QueryName)
	assert.Equal(t, catalog.ViewStudentGradeSummary, runs[0].Target)
	assert.Equal(t, models.SourcePrimary, runs[0].Source)
	assert.False(t, runs[0].FromCache)
	assert.True(t, runs[1].FromCache)
	assert.Equal(t, models.SourceCache, runs[1].Source)
	assert.NotEqual(t, runs[0].ID, runs[1].ID)

	entries := f.logs.FilterMessage("query_execution").All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, "top_performers", fields["query_name"])
	assert.Equal(t, true, fields["from_cache"])
	assert.Equal(t, models.SourceCache, fields["source"])
}

func TestHealthReportsPoolState(t *testing.T) {
	f := newEngineFixture(t, true)
	status := f.engine.Health(context.Background())
	assert.Equal(t, "up", status.Primary)
	assert.Equal(t, "up", status.Replica)

	f.primary.set(nil, assert.AnError)
	f.engine.markReplicaDown("top_performers", assert.AnError)
	status = f.engine.Health(context.Background())
	assert.Equal(t, "down", status.Primary)
	assert.Equal(t, "cooling_down", status.Replica)
}

func TestQueriesReportFreshness(t *testing.T) {
	f := newEngineFixture(t, false)
	refreshed := time.Now().Add(-time.Hour).UTC()
	f.views.MarkRefreshed(catalog.ViewClassProgress, refreshed, 3)

	byName := make(map[string]models.QueryInfo)
	for _, info := range f.engine.Queries() {
		byName[info.Name] = info
	}
	require.Len(t, byName, 7)
	assert.True(t, byName["class_performance"].Initialized)
	assert.Equal(t, refreshed, *byName["class_performance"].LastRefreshedAt)
	assert.False(t, byName["subject_rankings"].Initialized)
	assert.True(t, byName["engagement_metrics"].Initialized)
	assert.True(t, byName["teacher_workload"].PrimaryOnly)
}

func TestInvalidateQueryByName(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, models.QueryRequest{Name: "engagement_metrics"})
	require.NoError(t, err)
	require.Len(t, f.cache.keys(), 1)

	n, err := f.engine.InvalidateQuery(ctx, "engagement_metrics")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, f.cache.keys())

	_, err = f.engine.InvalidateQuery(ctx, "nope")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestExecuteIgnoresResultComputedBeforeRefresh(t *testing.T) {
	f := newEngineFixture(t, false)
	f.views.MarkRefreshed(catalog.ViewStudentGradeSummary, time.Now().Add(-time.Hour), 10)
	f.primary.set([]models.Row{{"gen": "old"}}, nil)
	f.primary.delay = 100 * time.Millisecond
	ctx := context.Background()
	req := models.QueryRequest{Name: "top_performers"}

	inFlight := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(ctx, req)
		inFlight <- err
	}()
	require.Eventually(t, func() bool { return f.primary.callCount() == 1 }, time.Second, time.Millisecond)

	// the view is rebuilt and invalidated while the old read is still running
	f.views.MarkRefreshed(catalog.ViewStudentGradeSummary, time.Now(), 10)
	_, err := f.engine.cache.InvalidateView(ctx, catalog.ViewStudentGradeSummary)
	require.NoError(t, err)
	f.primary.set([]models.Row{{"gen": "new"}}, nil)
	require.NoError(t, <-inFlight)
	require.Len(t, f.cache.keys(), 1, "late write of the pre-refresh rows")

	f.primary.delay = 0
	result, err := f.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, "new", result.Rows[0]["gen"])

	cached, err := f.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, "new", cached.Rows[0]["gen"])
	assert.Equal(t, 2, f.primary.callCount())
}

func TestWarmCountsOnlyStoredEntries(t *testing.T) {
	f := newEngineFixture(t, false)
	f.markAllRefreshed(time.Now())
	f.cache.setErr = assert.AnError

	counts, err := f.engine.Warm(context.Background(), []string{"top_performers", "bottom_performers"})
	require.Error(t, err)
	assert.Equal(t, map[string]int{"top_performers": 0, "bottom_performers": 0}, counts)
	assert.Len(t, FailedWarmups(err), 2)
	assert.Empty(t, f.cache.keys())
}
