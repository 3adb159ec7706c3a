package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// QueryRunner executes a bound statement against one connection pool.
type QueryRunner interface {
	Name() string
	Query(ctx context.Context, statement string, params map[string]interface{}, limit, offset int, timeout time.Duration) ([]models.Row, error)
	Ping(ctx context.Context) error
}

// RunSink receives the execution run emitted by every execution.
type RunSink interface {
	Record(run models.ExecutionRun)
}

// EngineConfig tunes the query engine.
type EngineConfig struct {
	StatementTimeout     time.Duration
	CacheTTL             time.Duration
	SlowQueryThreshold   time.Duration
	ReplicaRetryInterval time.Duration
	ViewStaleAfter       time.Duration
	WarmConcurrency      int
}

// QueryEngine validates, routes and caches catalog queries. It is safe for
// concurrent use.
type QueryEngine struct {
	queries *catalog.QueryCatalog
	views   *catalog.ViewRegistry
	primary QueryRunner
	replica QueryRunner
	cache   *CacheService
	runs    RunSink
	metrics *MetricsService
	logger  *zap.Logger
	cfg     EngineConfig
	now     func() time.Time

	// unix nanos until which the replica is skipped; zero means healthy
	replicaDownUntil atomic.Int64
}

// NewQueryEngine wires the engine. replica, cache, runs and metrics may be nil.
func NewQueryEngine(queries *catalog.QueryCatalog, views *catalog.ViewRegistry, primary, replica QueryRunner, cache *CacheService, runs RunSink, metrics *MetricsService, logger *zap.Logger, cfg EngineConfig) *QueryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
	if cfg.ReplicaRetryInterval <= 0 {
		cfg.ReplicaRetryInterval = 30 * time.Second
	}
	if cfg.ViewStaleAfter <= 0 {
		cfg.ViewStaleAfter = 48 * time.Hour
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}
	if cache == nil {
		cache = NewCacheService(nil, metrics, cfg.CacheTTL, logger, false)
	}
	engine := &QueryEngine{
		queries: queries,
		views:   views,
		primary: primary,
		replica: replica,
		cache:   cache,
		runs:    runs,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	metrics.SetReplicaHealthy(replica != nil)
	return engine
}

// Catalog returns the query catalog the engine serves.
func (e *QueryEngine) Catalog() *catalog.QueryCatalog {
	return e.queries
}

// Queries lists the catalog with the refresh state of each query's view.
// Live queries always report as initialised.
func (e *QueryEngine) Queries() []models.QueryInfo {
	defs := e.queries.List()
	infos := make([]models.QueryInfo, 0, len(defs))
	for _, def := range defs {
		info := models.QueryInfo{
			Name:         def.Name,
			Description:  def.Description,
			Params:       def.Params,
			Target:       def.Target,
			DefaultLimit: def.DefaultLimit,
			MaxLimit:     def.MaxLimit,
			PrimaryOnly:  def.PrimaryOnly,
			Initialized:  true,
		}
		if def.Target.Kind == models.TargetView {
			view, _ := e.views.Get(def.Target.View)
			info.Initialized = view.Initialized()
			info.LastRefreshedAt = view.LastRefreshedAt
		}
		infos = append(infos, info)
	}
	return infos
}

// InvalidateQuery drops every cached result of the named query.
func (e *QueryEngine) InvalidateQuery(ctx context.Context, name string) (int64, error) {
	def, ok := e.queries.Get(name)
	if !ok {
		return 0, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("query %q not found", name))
	}
	return e.cache.InvalidateQuery(ctx, def)
}

// Execute runs the named query and returns a typed result set.
func (e *QueryEngine) Execute(ctx context.Context, req models.QueryRequest) (*models.ResultSet, error) {
	result, _, err := e.execute(ctx, req, false)
	return result, err
}

// execute runs one request. overwrite skips the cache lookup and replaces the
// stored entry, which is how warm-up refreshes results; stored reports whether
// that write landed.
func (e *QueryEngine) execute(ctx context.Context, req models.QueryRequest, overwrite bool) (result *models.ResultSet, stored bool, err error) {
	started := e.now()

	def, ok := e.queries.Get(req.Name)
	if !ok {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("query %q not found", req.Name))
	}
	params, err := CoerceParams(def, req.Params)
	if err != nil {
		return nil, false, err
	}
	limit, offset, err := e.window(def, req)
	if err != nil {
		return nil, false, err
	}

	result = &models.ResultSet{Query: def.Name, Limit: limit, Offset: offset, Rows: []models.Row{}}

	var refreshedAt *time.Time
	if def.Target.Kind == models.TargetView {
		view, _ := e.views.Get(def.Target.View)
		if !view.Initialized() {
			result.Uninitialized = true
			result.Stale = true
			result.Source = models.SourceNone
			e.record(def, result, started, false, nil)
			return result, false, nil
		}
		refreshedAt = view.LastRefreshedAt
		result.RefreshedAt = refreshedAt
		result.Stale = e.now().Sub(*refreshedAt) > e.cfg.ViewStaleAfter
	}

	key, err := CacheKey(def, params, limit, offset)
	if err != nil {
		return nil, false, appErrors.WrapAs(appErrors.ErrInternal, err, "")
	}

	useReplica := req.UseReplica == nil || *req.UseReplica
	// written by a shared computation that may outlive this caller
	var fallback atomic.Bool
	compute := func(ctx context.Context) (*models.CachedResult, bool, error) {
		rows, source, fellBack, err := e.run(ctx, def, params, limit, offset, useReplica)
		fallback.Store(fellBack)
		if err != nil {
			return nil, false, err
		}
		return &models.CachedResult{Rows: rows, RowCount: len(rows), Source: source, RefreshedAt: refreshedAt}, true, nil
	}

	var (
		cached *models.CachedResult
		hit    bool
	)
	if overwrite {
		cached, _, err = compute(ctx)
		if err == nil && e.cache.Enabled() {
			cached.CachedAt = e.now().UTC()
			stored = e.cache.Set(ctx, key, cached, e.cfg.CacheTTL) == nil
		}
	} else {
		cached, hit, err = e.cache.GetOrComputeAt(ctx, key, refreshedAt, e.cfg.CacheTTL, compute)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, appErrors.ErrTimeout) {
			err = appErrors.WrapAs(appErrors.ErrTimeout, err, "")
		}
	}
	if err != nil {
		result.Source = models.SourcePrimary
		e.record(def, result, started, fallback.Load(), err)
		return nil, false, err
	}

	result.Rows = cached.Rows
	if result.Rows == nil {
		result.Rows = []models.Row{}
	}
	result.RowCount = len(result.Rows)
	result.FromCache = hit
	result.Source = cached.Source

	e.record(def, result, started, fallback.Load(), nil)
	return result, stored, nil
}

func (e *QueryEngine) window(def models.QueryDefinition, req models.QueryRequest) (int, int, error) {
	if req.Offset < 0 {
		return 0, 0, appErrors.Clone(appErrors.ErrValidation, "offset must not be negative")
	}
	limit := def.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > def.MaxLimit {
		limit = def.MaxLimit
	}
	return limit, req.Offset, nil
}

// run executes against the replica when allowed and falls back to the primary
// when the replica cannot be reached.
func (e *QueryEngine) run(ctx context.Context, def models.QueryDefinition, params map[string]interface{}, limit, offset int, useReplica bool) ([]models.Row, string, bool, error) {
	fallback := false
	if useReplica && !def.PrimaryOnly && e.ReplicaHealthy() {
		rows, err := e.replica.Query(ctx, def.Statement, params, limit, offset, e.cfg.StatementTimeout)
		if err == nil {
			return rows, models.SourceReplica, false, nil
		}
		if !errors.Is(err, appErrors.ErrUnavailable) {
			return nil, models.SourceReplica, false, err
		}
		e.markReplicaDown(def.Name, err)
		fallback = true
	}

	if e.primary == nil {
		return nil, models.SourcePrimary, fallback, appErrors.Clone(appErrors.ErrUnavailable, "primary pool not configured")
	}
	rows, err := e.primary.Query(ctx, def.Statement, params, limit, offset, e.cfg.StatementTimeout)
	return rows, models.SourcePrimary, fallback, err
}

// ReplicaHealthy reports whether queries may currently be routed to the replica.
func (e *QueryEngine) ReplicaHealthy() bool {
	if e.replica == nil {
		return false
	}
	until := e.replicaDownUntil.Load()
	if until == 0 {
		return true
	}
	if e.now().UnixNano() < until {
		return false
	}
	if e.replicaDownUntil.CompareAndSwap(until, 0) {
		e.logger.Info("replica retry window elapsed, routing reads to replica again")
		e.metrics.SetReplicaHealthy(true)
	}
	return true
}

func (e *QueryEngine) markReplicaDown(query string, cause error) {
	e.replicaDownUntil.Store(e.now().Add(e.cfg.ReplicaRetryInterval).UnixNano())
	e.metrics.SetReplicaHealthy(false)
	e.metrics.RecordReplicaFallback()
	err := appErrors.WrapAs(appErrors.ErrReplicaUnavailable, cause, "")
	e.logger.Warn("replica unavailable, falling back to primary",
		zap.String("query_name", query),
		zap.Duration("retry_in", e.cfg.ReplicaRetryInterval),
		zap.Error(err),
	)
}

func (e *QueryEngine) record(def models.QueryDefinition, result *models.ResultSet, started time.Time, fallback bool, execErr error) {
	duration := e.now().Sub(started)
	run := models.ExecutionRun{
		ID:         uuid.NewString(),
		QueryName:  def.Name,
		Target:     def.Target.Name(),
		Source:     result.Source,
		DurationMS: duration.Milliseconds(),
		RowCount:   result.RowCount,
		FromCache:  result.FromCache,
		Fallback:   fallback,
		CreatedAt:  started.UTC(),
	}
	if result.FromCache {
		run.Source = models.SourceCache
	}
	if execErr != nil {
		run.Error = execErr.Error()
	}

	fields := []zap.Field{
		zap.String("query_name", run.QueryName),
		zap.Int64("duration_ms", run.DurationMS),
		zap.Int("row_count", run.RowCount),
		zap.String("source", run.Source),
		zap.Bool("from_cache", run.FromCache),
	}
	if fallback {
		fields = append(fields, zap.Bool("fallback", true))
	}
	if result.Uninitialized {
		fields = append(fields, zap.Bool("uninitialized", true))
	}
	switch {
	case execErr != nil:
		e.logger.Error("query_execution", append(fields, zap.Error(execErr))...)
	case duration > e.cfg.SlowQueryThreshold:
		e.logger.Warn("slow query", append(fields, zap.Duration("threshold", e.cfg.SlowQueryThreshold))...)
	default:
		e.logger.Info("query_execution", fields...)
	}

	e.metrics.ObserveQuery(run.QueryName, run.Source, duration, execErr)
	if e.runs != nil {
		e.runs.Record(run)
	}
}

// Warm executes each named query with its warm parameter sets and overwrites
// the cached entries. It returns the number of entries written per query.
func (e *QueryEngine) Warm(ctx context.Context, names []string) (map[string]int, error) {
	defs := make([]models.QueryDefinition, 0, len(names))
	var unknown []string
	for _, name := range names {
		def, ok := e.queries.Get(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		defs = append(defs, def)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown queries: %v", unknown))
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int, len(defs))
		errs   []error
	)
	for _, def := range defs {
		counts[def.Name] = 0
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WarmConcurrency)
	for _, def := range defs {
		sets := def.WarmParams
		if len(sets) == 0 {
			sets = []map[string]interface{}{{}}
		}
		for _, params := range sets {
			def, params := def, params
			g.Go(func() error {
				result, stored, err := e.execute(gctx, models.QueryRequest{Name: def.Name, Params: params}, true)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					errs = append(errs, fmt.Errorf("warm %s: %w", def.Name, err))
				case stored:
					counts[def.Name]++
				case !result.Uninitialized && e.cache.Enabled():
					errs = append(errs, fmt.Errorf("warm %s: cache write failed", def.Name))
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	e.logger.Info("cache warmed", zap.Any("entries", counts), zap.Int("failures", len(errs)))
	return counts, errors.Join(errs...)
}

// Health pings the primary and reports replica routing state.
func (e *QueryEngine) Health(ctx context.Context) models.HealthStatus {
	status := models.HealthStatus{Primary: "up", Replica: "disabled"}
	if e.primary == nil {
		status.Primary = "down"
	} else if err := e.primary.Ping(ctx); err != nil {
		status.Primary = "down"
		e.logger.Warn("primary ping failed", zap.Error(err))
	}
	if e.replica != nil {
		status.Replica = "up"
		if !e.ReplicaHealthy() {
			status.Replica = "cooling_down"
		}
	}
	return status
}
