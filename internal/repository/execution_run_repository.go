package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

// ExecutionRunRepository persists execution runs and the statistics derived from them.
type ExecutionRunRepository struct {
	db *sqlx.DB
}

// NewExecutionRunRepository constructs the repository.
func NewExecutionRunRepository(db *sqlx.DB) *ExecutionRunRepository {
	return &ExecutionRunRepository{db: db}
}

// Insert stores one execution run.
func (r *ExecutionRunRepository) Insert(ctx context.Context, run *models.ExecutionRun) error {
	const query = `INSERT INTO warehouse_execution_runs (id, query_name, target, source, duration_ms, row_count, from_cache, fallback, error, created_at)
VALUES (:id, :query_name, :target, :source, :duration_ms, :row_count, :from_cache, :fallback, :error, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("insert execution run: %w", err)
	}
	return nil
}

// PruneBefore deletes runs created before cutoff.
func (r *ExecutionRunRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM warehouse_execution_runs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune execution runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune execution runs: %w", err)
	}
	return n, nil
}

// AggregateSince summarises runs per query in the window [since, until).
func (r *ExecutionRunRepository) AggregateSince(ctx context.Context, since, until time.Time) ([]models.QueryStatistics, error) {
	const query = `SELECT query_name,
    $1::timestamptz AS window_start,
    $2::timestamptz AS window_end,
    COUNT(*) AS executions,
    COUNT(*) FILTER (WHERE from_cache) AS cache_hits,
    COUNT(*) FILTER (WHERE fallback) AS fallbacks,
    COUNT(*) FILTER (WHERE error <> '') AS errors,
    COALESCE(AVG(duration_ms), 0)::float8 AS avg_duration_ms,
    COALESCE(MAX(duration_ms), 0) AS max_duration_ms
FROM warehouse_execution_runs
WHERE created_at >= $1 AND created_at < $2
GROUP BY query_name
ORDER BY query_name`
	var stats []models.QueryStatistics
	if err := r.db.SelectContext(ctx, &stats, query, since, until); err != nil {
		return nil, fmt.Errorf("aggregate execution runs: %w", err)
	}
	return stats, nil
}

// SaveStatistics upserts the aggregated statistics in one transaction.
func (r *ExecutionRunRepository) SaveStatistics(ctx context.Context, stats []models.QueryStatistics) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin statistics tx: %w", err)
	}
	const query = `INSERT INTO warehouse_query_statistics (query_name, window_start, window_end, executions, cache_hits, fallbacks, errors, avg_duration_ms, max_duration_ms)
VALUES (:query_name, :window_start, :window_end, :executions, :cache_hits, :fallbacks, :errors, :avg_duration_ms, :max_duration_ms)
ON CONFLICT (query_name, window_start)
DO UPDATE SET window_end = EXCLUDED.window_end, executions = EXCLUDED.executions, cache_hits = EXCLUDED.cache_hits,
              fallbacks = EXCLUDED.fallbacks, errors = EXCLUDED.errors,
              avg_duration_ms = EXCLUDED.avg_duration_ms, max_duration_ms = EXCLUDED.max_duration_ms`
	for i := range stats {
		if _, err := tx.NamedExecContext(ctx, query, &stats[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save statistics for %s: %w", stats[i].QueryName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit statistics: %w", err)
	}
	return nil
}
