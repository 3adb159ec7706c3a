package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// swapStore mimics the side-table protocol: rows are built into a private
// table and published with a single pointer swap.
type swapStore struct {
	mu       sync.Mutex
	tables   map[string]*atomic.Pointer[[]int]
	failures map[string]error
	failAt   int
	version  int
	gate     chan struct{}
	states   []models.ViewState
	calls    map[string]int
	timeout  time.Duration
}

func newSwapStore() *swapStore {
	return &swapStore{tables: make(map[string]*atomic.Pointer[[]int]), failures: make(map[string]error), calls: make(map[string]int)}
}

func (s *swapStore) table(name string) *atomic.Pointer[[]int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[name]
	if !ok {
		table = &atomic.Pointer[[]int]{}
		empty := []int{}
		table.Store(&empty)
		s.tables[name] = table
	}
	return table
}

func (s *swapStore) Refresh(ctx context.Context, view models.AggregateView, timeout time.Duration) (models.ViewState, error) {
	s.mu.Lock()
	s.calls[view.Name]++
	s.timeout = timeout
	s.version++
	version := s.version
	failure := s.failures[view.Name]
	failAt := s.failAt
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	next := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		if failure != nil && i == failAt {
			return models.ViewState{}, failure
		}
		next = append(next, version)
	}
	s.table(view.Name).Store(&next)
	return models.ViewState{ViewName: view.Name, Version: view.Version, LastRefreshedAt: time.Now().UTC(), RowsWritten: int64(len(next))}, nil
}

func (s *swapStore) LoadStates(context.Context) ([]models.ViewState, error) {
	return s.states, nil
}

func (s *swapStore) callsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

type recordingInvalidator struct {
	mu    sync.Mutex
	views []string
}

func (r *recordingInvalidator) InvalidateView(_ context.Context, view string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
	return 1, nil
}

func newRefreshFixture(t *testing.T) (*ViewRefreshService, *catalog.ViewRegistry, *swapStore, *recordingInvalidator) {
	t.Helper()
	views := catalog.NewViewRegistry(nil)
	for _, view := range catalog.DefaultViews() {
		require.NoError(t, views.Define(view))
	}
	store := newSwapStore()
	inv := &recordingInvalidator{}
	return NewViewRefreshService(views, store, inv, nil, zap.NewNop(), time.Minute), views, store, inv
}

func TestRefreshMarksViewAndInvalidates(t *testing.T) {
	svc, views, store, inv := newRefreshFixture(t)

	result, err := svc.Refresh(context.Background(), catalog.ViewClassProgress)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.RowsWritten)
	assert.Equal(t, time.Minute, store.timeout)

	view, _ := views.Get(catalog.ViewClassProgress)
	require.True(t, view.Initialized())
	assert.Equal(t, int64(100), view.RowCount)
	assert.Equal(t, []string{catalog.ViewClassProgress}, inv.views)
}

func TestRefreshUnknownView(t *testing.T) {
	svc, _, _, _ := newRefreshFixture(t)
	_, err := svc.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestRefreshReadersSeeOldOrNewOnly(t *testing.T) {
	svc, _, store, _ := newRefreshFixture(t)
	ctx := context.Background()
	table := store.table(catalog.ViewStudentGradeSummary)

	_, err := svc.Refresh(ctx, catalog.ViewStudentGradeSummary)
	require.NoError(t, err)

	stop := make(chan struct{})
	var torn atomic.Int32
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rows := *table.Load()
				for _, v := range rows {
					if v != rows[0] {
						torn.Add(1)
					}
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := svc.Refresh(ctx, catalog.ViewStudentGradeSummary)
		require.NoError(t, err)
	}

	// a refresh failing halfway leaves the published rows untouched
	before := *table.Load()
	store.mu.Lock()
	store.failures[catalog.ViewStudentGradeSummary] = fmt.Errorf("disk full")
	store.failAt = 50
	store.mu.Unlock()
	_, err = svc.Refresh(ctx, catalog.ViewStudentGradeSummary)
	assert.ErrorIs(t, err, appErrors.ErrRefreshFailed)

	close(stop)
	readers.Wait()
	assert.Zero(t, torn.Load())
	assert.Equal(t, before, *table.Load())
}

func TestRefreshSameViewConflicts(t *testing.T) {
	svc, _, store, _ := newRefreshFixture(t)
	gate := make(chan struct{})
	store.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), catalog.ViewTeacherWorkload)
		done <- err
	}()
	require.Eventually(t, func() bool { return store.callsFor(catalog.ViewTeacherWorkload) == 1 }, time.Second, 5*time.Millisecond)

	_, err := svc.Refresh(context.Background(), catalog.ViewTeacherWorkload)
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	close(gate)
	require.NoError(t, <-done)
}

func TestRefreshAllReportsFailedViews(t *testing.T) {
	svc, views, store, inv := newRefreshFixture(t)
	store.failures[catalog.ViewClassProgress] = fmt.Errorf("relation enrollments does not exist")

	results, err := svc.RefreshAll(context.Background(), nil)
	require.Error(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []string{catalog.ViewClassProgress}, FailedViews(err))
	assert.ErrorIs(t, err, appErrors.ErrRefreshFailed)

	progress, _ := views.Get(catalog.ViewClassProgress)
	assert.False(t, progress.Initialized())
	assert.Len(t, inv.views, 3)
	assert.NotContains(t, inv.views, catalog.ViewClassProgress)
}

func TestLoadStateSeedsRegistry(t *testing.T) {
	svc, views, store, _ := newRefreshFixture(t)
	refreshed := time.Now().Add(-time.Hour).UTC()
	store.states = []models.ViewState{{ViewName: catalog.ViewSubjectPerformanceRanking, Version: 1, LastRefreshedAt: refreshed, RowsWritten: 9}}

	require.NoError(t, svc.LoadState(context.Background()))
	view, _ := views.Get(catalog.ViewSubjectPerformanceRanking)
	require.True(t, view.Initialized())
	assert.Equal(t, refreshed, *view.LastRefreshedAt)
	assert.Len(t, svc.Views(), 4)
}
