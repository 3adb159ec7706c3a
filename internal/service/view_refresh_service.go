package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// ViewStore rebuilds aggregate views and loads their persisted state.
type ViewStore interface {
	Refresh(ctx context.Context, view models.AggregateView, timeout time.Duration) (models.ViewState, error)
	LoadStates(ctx context.Context) ([]models.ViewState, error)
}

// ViewInvalidator drops cached results read from a view.
type ViewInvalidator interface {
	InvalidateView(ctx context.Context, view string) (int64, error)
}

// ViewRefreshService coordinates aggregate view rebuilds and invalidates the
// cached results of every view it refreshes.
type ViewRefreshService struct {
	views       *catalog.ViewRegistry
	store       ViewStore
	cache       ViewInvalidator
	metrics     *MetricsService
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewViewRefreshService constructs the service. timeout bounds each refresh statement.
func NewViewRefreshService(views *catalog.ViewRegistry, store ViewStore, cache ViewInvalidator, metrics *MetricsService, logger *zap.Logger, timeout time.Duration) *ViewRefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewRefreshService{
		views:       views,
		store:       store,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		timeout:     timeout,
		concurrency: 2,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *ViewRefreshService) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// Refresh rebuilds one view. A refresh already in flight for the same view
// yields a conflict error.
func (s *ViewRefreshService) Refresh(ctx context.Context, name string) (*models.RefreshResult, error) {
	view, ok := s.views.Get(name)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("view %q not found", name))
	}

	lock := s.lockFor(name)
	if !lock.TryLock() {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("view %q is already refreshing", name))
	}
	defer lock.Unlock()

	started := time.Now()
	s.logger.Info("view refresh started", zap.String("view", name), zap.Int("version", view.Version))
	state, err := s.store.Refresh(ctx, view, s.timeout)
	duration := time.Since(started)
	s.metrics.ObserveRefresh(name, duration, state.RowsWritten, err)
	if err != nil {
		s.logger.Error("view refresh failed", zap.String("view", name), zap.Duration("duration", duration), zap.Error(err))
		return nil, appErrors.WrapAs(appErrors.ErrRefreshFailed, err, fmt.Sprintf("refresh of view %q failed", name))
	}

	s.views.MarkRefreshed(name, state.LastRefreshedAt, state.RowsWritten)
	if s.cache != nil {
		if _, err := s.cache.InvalidateView(ctx, name); err != nil {
			// entries still expire by TTL
			s.logger.Error("cache invalidation after refresh failed", zap.String("view", name), zap.Error(err))
		}
	}
	s.logger.Info("view refreshed",
		zap.String("view", name),
		zap.Int64("rows_written", state.RowsWritten),
		zap.Duration("duration", duration),
	)
	return &models.RefreshResult{
		View:        name,
		RowsWritten: state.RowsWritten,
		Duration:    duration,
		RefreshedAt: state.LastRefreshedAt,
	}, nil
}

// RefreshAll rebuilds the named views (every view when names is empty)
// concurrently. It returns the successful results alongside a joined error
// naming each view that failed.
func (s *ViewRefreshService) RefreshAll(ctx context.Context, names []string) ([]models.RefreshResult, error) {
	if len(names) == 0 {
		names = s.views.Names()
	}

	var (
		mu      sync.Mutex
		results = make([]models.RefreshResult, 0, len(names))
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			result, err := s.Refresh(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &ViewRefreshError{View: name, Err: err})
				return nil
			}
			results = append(results, *result)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// LoadState seeds the registry from the persisted refresh state.
func (s *ViewRefreshService) LoadState(ctx context.Context) error {
	states, err := s.store.LoadStates(ctx)
	if err != nil {
		return err
	}
	s.views.ApplyStates(states)
	for _, view := range s.views.List() {
		if !view.Initialized() {
			s.logger.Warn("view not yet materialised", zap.String("view", view.Name))
		}
	}
	return nil
}

// Views lists the registered views with their freshness.
func (s *ViewRefreshService) Views() []models.AggregateView {
	return s.views.List()
}

// ViewRefreshError names the view a refresh failure belongs to.
type ViewRefreshError struct {
	View string
	Err  error
}

func (e *ViewRefreshError) Error() string {
	return fmt.Sprintf("view %s: %v", e.View, e.Err)
}

func (e *ViewRefreshError) Unwrap() error {
	return e.Err
}

// FailedViews extracts the view names from an error returned by RefreshAll.
func FailedViews(err error) []string {
	if err == nil {
		return nil
	}
	var names []string
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var refreshErr *ViewRefreshError
		if errors.As(err, &refreshErr) {
			names = append(names, refreshErr.View)
		}
	}
	walk(err)
	return names
}
