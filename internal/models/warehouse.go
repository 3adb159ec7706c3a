package models

import "time"

// AggregateView is a named, versioned aggregate materialised from source tables.
type AggregateView struct {
	Name             string     `json:"name" validate:"required,sqlident"`
	Version          int        `json:"version" validate:"gte=1"`
	Description      string     `json:"description,omitempty"`
	RefreshStatement string     `json:"-" validate:"required"`
	IndexColumns     []string   `json:"index_columns" validate:"required,min=1,dive,sqlident"`
	LastRefreshedAt  *time.Time `json:"last_refreshed_at"`
	RowCount         int64      `json:"row_count"`
}

// Initialized reports whether the view has completed at least one refresh.
func (v AggregateView) Initialized() bool {
	return v.LastRefreshedAt != nil
}

// ViewState is the persisted refresh bookkeeping for an aggregate view.
type ViewState struct {
	ViewName        string    `db:"view_name" json:"view_name"`
	Version         int       `db:"version" json:"version"`
	LastRefreshedAt time.Time `db:"last_refreshed_at" json:"last_refreshed_at"`
	RowsWritten     int64     `db:"rows_written" json:"rows_written"`
	DurationMS      int64     `db:"duration_ms" json:"duration_ms"`
}

// RefreshResult summarises one successful view refresh.
type RefreshResult struct {
	View        string        `json:"view"`
	RowsWritten int64         `json:"rows_written"`
	Duration    time.Duration `json:"duration"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// ParamType enumerates the value types a query parameter may declare.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamDate   ParamType = "date"
	ParamUUID   ParamType = "uuid"
)

// ParamSpec declares one parameter of a query definition.
type ParamSpec struct {
	Name     string    `json:"name" validate:"required,sqlident"`
	Type     ParamType `json:"type" validate:"required,oneof=string int float bool date uuid"`
	Required bool      `json:"required"`
}

// TargetKind distinguishes queries served by aggregate views from live-table aggregates.
type TargetKind string

const (
	TargetView TargetKind = "view"
	TargetLive TargetKind = "live"
)

// QueryTarget names what a query reads from.
type QueryTarget struct {
	Kind TargetKind `json:"kind" validate:"required,oneof=view live"`
	View string     `json:"view,omitempty"`
}

// Name returns the cache namespace segment for the target.
func (t QueryTarget) Name() string {
	if t.Kind == TargetView && t.View != "" {
		return t.View
	}
	return string(TargetLive)
}

// QueryDefinition is a named, parameterised analytical query.
type QueryDefinition struct {
	Name         string                   `json:"name" validate:"required,sqlident"`
	Description  string                   `json:"description,omitempty"`
	Params       []ParamSpec              `json:"params" validate:"dive"`
	Target       QueryTarget              `json:"target"`
	Statement    string                   `json:"-" validate:"required"`
	DefaultLimit int                      `json:"default_limit" validate:"gte=1,ltefield=MaxLimit"`
	MaxLimit     int                      `json:"max_limit" validate:"gte=1,lte=10000"`
	PrimaryOnly  bool                     `json:"primary_only"`
	WarmParams   []map[string]interface{} `json:"-"`
}

// Param returns the spec for the named parameter.
func (q QueryDefinition) Param(name string) (ParamSpec, bool) {
	for _, p := range q.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// Result sources.
const (
	SourceReplica = "replica"
	SourcePrimary = "primary"
	SourceCache   = "cache"
	// SourceNone marks results answered without touching a database.
	SourceNone = "none"
)

// QueryRequest is the caller-facing input to the execution engine.
type QueryRequest struct {
	Name       string                 `json:"name" validate:"required"`
	Params     map[string]interface{} `json:"params"`
	Limit      *int                   `json:"limit,omitempty"`
	Offset     int                    `json:"offset"`
	UseReplica *bool                  `json:"use_replica,omitempty"`
}

// ResultSet is the typed result returned to callers.
type ResultSet struct {
	Query         string     `json:"query"`
	Rows          []Row      `json:"rows"`
	RowCount      int        `json:"row_count"`
	Limit         int        `json:"limit"`
	Offset        int        `json:"offset"`
	FromCache     bool       `json:"from_cache"`
	Source        string     `json:"source"`
	Uninitialized bool       `json:"uninitialized"`
	Stale         bool       `json:"stale"`
	RefreshedAt   *time.Time `json:"refreshed_at,omitempty"`
}

// QueryInfo describes a catalog query together with the freshness of its target.
type QueryInfo struct {
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Params          []ParamSpec `json:"params"`
	Target          QueryTarget `json:"target"`
	DefaultLimit    int         `json:"default_limit"`
	MaxLimit        int         `json:"max_limit"`
	PrimaryOnly     bool        `json:"primary_only"`
	Initialized     bool        `json:"initialized"`
	LastRefreshedAt *time.Time  `json:"last_refreshed_at,omitempty"`
}

// CachedResult is the serialised form of a result stored in the cache.
type CachedResult struct {
	Rows        []Row      `json:"rows"`
	RowCount    int        `json:"row_count"`
	Source      string     `json:"source"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
	CachedAt    time.Time  `json:"cached_at"`
}

// ExecutionRun is the observability record emitted for every execution.
type ExecutionRun struct {
	ID         string    `db:"id" json:"id"`
	QueryName  string    `db:"query_name" json:"query_name"`
	Target     string    `db:"target" json:"target"`
	Source     string    `db:"source" json:"source"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	RowCount   int       `db:"row_count" json:"row_count"`
	FromCache  bool      `db:"from_cache" json:"from_cache"`
	Fallback   bool      `db:"fallback" json:"fallback"`
	Error      string    `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// QueryStatistics aggregates execution runs for one query over a window.
type QueryStatistics struct {
	QueryName     string    `db:"query_name" json:"query_name"`
	WindowStart   time.Time `db:"window_start" json:"window_start"`
	WindowEnd     time.Time `db:"window_end" json:"window_end"`
	Executions    int64     `db:"executions" json:"executions"`
	CacheHits     int64     `db:"cache_hits" json:"cache_hits"`
	Fallbacks     int64     `db:"fallbacks" json:"fallbacks"`
	Errors        int64     `db:"errors" json:"errors"`
	AvgDurationMS float64   `db:"avg_duration_ms" json:"avg_duration_ms"`
	MaxDurationMS int64     `db:"max_duration_ms" json:"max_duration_ms"`
}

// Pagination describes the window served for a query result.
type Pagination struct {
	Limit    int  `json:"limit"`
	Offset   int  `json:"offset"`
	RowCount int  `json:"row_count"`
	HasMore  bool `json:"has_more"`
}

// MetricsSnapshot is a point-in-time summary of the warehouse counters.
type MetricsSnapshot struct {
	CacheHitRatio          float64   `json:"cache_hit_ratio"`
	CacheHits              uint64    `json:"cache_hits"`
	CacheMisses            uint64    `json:"cache_misses"`
	RequestsTotal          uint64    `json:"requests_total"`
	QueriesTotal           uint64    `json:"queries_total"`
	AverageQueryDurationMs float64   `json:"avg_query_duration_ms"`
	ReplicaFallbacks       uint64    `json:"replica_fallbacks"`
	ViewRefreshes          uint64    `json:"view_refreshes"`
	ViewRefreshFailures    uint64    `json:"view_refresh_failures"`
	JobFailures            uint64    `json:"job_failures"`
	Goroutines             int       `json:"goroutines"`
	GeneratedAt            time.Time `json:"generated_at"`
}

// HealthStatus reports connectivity of the warehouse dependencies.
type HealthStatus struct {
	Primary string `json:"primary"`
	Replica string `json:"replica"`
	Cache   string `json:"cache,omitempty"`
}
