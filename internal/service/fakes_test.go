package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

type memoryCacheRepo struct {
	mu     sync.Mutex
	store  map[string][]byte
	getErr error
	setErr error
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{store: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return m.getErr
	}
	payload, ok := m.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	return decoder.Decode(dest)
}

func (m *memoryCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.store[key] = payload
	return nil
}

func (m *memoryCacheRepo) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.store {
		if strings.HasPrefix(key, prefix) {
			delete(m.store, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryCacheRepo) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.store))
	for key := range m.store {
		keys = append(keys, key)
	}
	return keys
}

type fakeRunner struct {
	name  string
	delay time.Duration

	mu         sync.Mutex
	rows       []models.Row
	err        error
	calls      int
	lastLimit  int
	lastOffset int
	lastParams map[string]interface{}
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeRunner) Query(ctx context.Context, _ string, params map[string]interface{}, limit, offset int, _ time.Duration) ([]models.Row, error) {
	f.mu.Lock()
	f.calls++
	f.lastLimit, f.lastOffset, f.lastParams = limit, offset, params
	rows, err, delay := f.rows, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *fakeRunner) set(rows []models.Row, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureSink struct {
	mu   sync.Mutex
	runs []models.ExecutionRun
}

func (c *captureSink) Record(run models.ExecutionRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
}

func (c *captureSink) all() []models.ExecutionRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ExecutionRun(nil), c.runs...)
}

type engineFixture struct {
	engine  *QueryEngine
	views   *catalog.ViewRegistry
	primary *fakeRunner
	replica *fakeRunner
	cache   *memoryCacheRepo
	sink    *captureSink
	logs    *observer.ObservedLogs
}

func newEngineFixture(t *testing.T, withReplica bool) *engineFixture {
	t.Helper()
	views := catalog.NewViewRegistry(nil)
	queries := catalog.NewQueryCatalog(views, catalog.HardMaxLimit, nil)
	require.NoError(t, catalog.Bootstrap(views, queries, catalog.DefaultViews(), catalog.DefaultQueries()))

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Hour, logger, true)
	primary := &fakeRunner{name: models.SourcePrimary, rows: []models.Row{{"n": int64(1)}}}
	fixture := &engineFixture{views: views, primary: primary, cache: cacheRepo, sink: &captureSink{}, logs: logs}

	var replica QueryRunner
	if withReplica {
		fixture.replica = &fakeRunner{name: models.SourceReplica, rows: []models.Row{{"n": int64(2)}}}
		replica = fixture.replica
	}
	fixture.engine = NewQueryEngine(queries, views, primary, replica, cache, fixture.sink, nil, logger, EngineConfig{
		StatementTimeout:     time.Second,
		CacheTTL:             time.Hour,
		SlowQueryThreshold:   time.Second,
		ReplicaRetryInterval: time.Minute,
	})
	return fixture
}

func (f *engineFixture) markAllRefreshed(at time.Time) {
	for _, name := range f.views.Names() {
		f.views.MarkRefreshed(name, at, 10)
	}
}
