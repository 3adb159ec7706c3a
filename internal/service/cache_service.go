package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// CacheKeyNamespace prefixes every warehouse cache key.
const CacheKeyNamespace = "warehouse"

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
}

// ComputeFunc produces a fresh result on a cache miss. cacheable=false keeps
// the result out of the cache.
type ComputeFunc func(ctx context.Context) (result *models.CachedResult, cacheable bool, err error)

// CacheService orchestrates cache operations and related metrics.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
	group      singleflight.Group
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// TTL returns the default entry lifetime.
func (s *CacheService) TTL() time.Duration {
	return s.defaultTTL
}

// Get attempts to retrieve a cached entry. It returns true when the cache was hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordCacheOperation(false, duration)
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	s.metrics.RecordCacheOperation(true, duration)
	return true, nil
}

// Set stores the value in cache.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// GetOrCompute serves key from the cache or computes and stores it. Concurrent
// misses on the same key share one computation. Cache backend failures fall
// through to compute.
func (s *CacheService) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.CachedResult, bool, error) {
	return s.GetOrComputeAt(ctx, key, nil, ttl, compute)
}

// GetOrComputeAt is GetOrCompute for results read from a view refreshed at
// refreshedAt. A stored entry computed against any other refresh counts as a
// miss and is replaced.
//
// The shared computation runs detached from the caller that started it, so a
// caller giving up only abandons its own wait.
func (s *CacheService) GetOrComputeAt(ctx context.Context, key string, refreshedAt *time.Time, ttl time.Duration, compute ComputeFunc) (*models.CachedResult, bool, error) {
	if !s.Enabled() {
		result, _, err := compute(ctx)
		return result, false, err
	}

	if cached, ok := s.lookup(ctx, key, refreshedAt); ok {
		return cached, true, nil
	}

	type outcome struct {
		result *models.CachedResult
		hit    bool
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(flightKey(key, refreshedAt), func() (interface{}, error) {
		// a concurrent flight may have filled the key while this caller missed
		if cached, ok := s.lookup(flightCtx, key, refreshedAt); ok {
			return outcome{result: cached, hit: true}, nil
		}
		result, cacheable, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		if cacheable && result != nil {
			result.CachedAt = time.Now().UTC()
			_ = s.Set(flightCtx, key, result, ttl)
		}
		return outcome{result: result}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		out := res.Val.(outcome)
		return out.result, out.hit, nil
	}
}

func (s *CacheService) lookup(ctx context.Context, key string, refreshedAt *time.Time) (*models.CachedResult, bool) {
	var cached models.CachedResult
	if hit, _ := s.Get(ctx, key, &cached); !hit {
		return nil, false
	}
	if !sameInstant(cached.RefreshedAt, refreshedAt) {
		s.logger.Debug("cache entry computed against another view refresh", zap.String("key", key))
		return nil, false
	}
	return &cached, true
}

func flightKey(key string, refreshedAt *time.Time) string {
	if refreshedAt == nil {
		return key
	}
	return key + "@" + strconv.FormatInt(refreshedAt.UnixNano(), 10)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Invalidate removes cached values whose key begins with prefix.
func (s *CacheService) Invalidate(ctx context.Context, prefix string) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	deleted, err := s.repo.DeleteByPrefix(ctx, prefix)
	s.metrics.AddInvalidated(deleted)
	if err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("prefix", prefix), zap.Error(err))
		return deleted, err
	}
	s.logger.Info("cache invalidated", zap.String("prefix", prefix), zap.Int64("keys", deleted))
	return deleted, nil
}

// InvalidateView drops every cached result of queries reading the view.
func (s *CacheService) InvalidateView(ctx context.Context, view string) (int64, error) {
	return s.Invalidate(ctx, ViewPrefix(view))
}

// InvalidateQuery drops every cached result of one query.
func (s *CacheService) InvalidateQuery(ctx context.Context, def models.QueryDefinition) (int64, error) {
	return s.Invalidate(ctx, QueryPrefix(def))
}

// ViewPrefix is the key prefix shared by results read from view.
func ViewPrefix(view string) string {
	return fmt.Sprintf("%s:%s:", CacheKeyNamespace, view)
}

// QueryPrefix is the key prefix shared by results of def.
func QueryPrefix(def models.QueryDefinition) string {
	return fmt.Sprintf("%s:%s:%s:", CacheKeyNamespace, def.Target.Name(), def.Name)
}

type canonicalParam struct {
	Name  string      `json:"n"`
	Value interface{} `json:"v"`
}

type canonicalRequest struct {
	Query  string           `json:"q"`
	Params []canonicalParam `json:"p"`
	Limit  int              `json:"l"`
	Offset int              `json:"o"`
}

// CacheKey derives the deterministic key for a request. params must already be
// coerced to their declared types so equivalent requests hash identically.
func CacheKey(def models.QueryDefinition, params map[string]interface{}, limit, offset int) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	canonical := canonicalRequest{Query: def.Name, Params: make([]canonicalParam, 0, len(names)), Limit: limit, Offset: offset}
	for _, name := range names {
		canonical.Params = append(canonical.Params, canonicalParam{Name: name, Value: params[name]})
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode cache key for %s: %w", def.Name, err)
	}
	sum := sha256.Sum256(payload)
	return QueryPrefix(def) + hex.EncodeToString(sum[:]), nil
}
