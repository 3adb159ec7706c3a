package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

const (
	nextSuffix = "__next"
	prevSuffix = "__prev"
)

// ViewRepository materialises aggregate views on the primary.
type ViewRepository struct {
	db *sqlx.DB
}

// NewViewRepository constructs the repository.
func NewViewRepository(db *sqlx.DB) *ViewRepository {
	return &ViewRepository{db: db}
}

// Refresh rebuilds the view into a side table and swaps it into place inside a
// single transaction. Any failure rolls back, leaving the previous contents in
// place for readers.
func (r *ViewRepository) Refresh(ctx context.Context, view models.AggregateView, timeout time.Duration) (models.ViewState, error) {
	started := time.Now()
	name := pq.QuoteIdentifier(view.Name)
	next := pq.QuoteIdentifier(view.Name + nextSuffix)
	prev := pq.QuoteIdentifier(view.Name + prevSuffix)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ViewState{}, fmt.Errorf("begin refresh %s: %w", view.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if timeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return models.ViewState{}, fmt.Errorf("set refresh timeout %s: %w", view.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+next); err != nil {
		return models.ViewState{}, fmt.Errorf("drop stale side table %s: %w", view.Name, err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", next, view.RefreshStatement))
	if err != nil {
		return models.ViewState{}, fmt.Errorf("build side table %s: %w", view.Name, err)
	}
	rowsWritten, err := res.RowsAffected()
	if err != nil {
		return models.ViewState{}, fmt.Errorf("count rows %s: %w", view.Name, err)
	}

	columns := make([]string, len(view.IndexColumns))
	for i, col := range view.IndexColumns {
		columns[i] = pq.QuoteIdentifier(col)
	}
	// unnamed so postgres picks a name that cannot clash with the live table's index
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE INDEX ON %s (%s)", next, strings.Join(columns, ", "))); err != nil {
		return models.ViewState{}, fmt.Errorf("index side table %s: %w", view.Name, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s", name, prev)); err != nil {
		return models.ViewState{}, fmt.Errorf("retire live table %s: %w", view.Name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", next, name)); err != nil {
		return models.ViewState{}, fmt.Errorf("promote side table %s: %w", view.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+prev); err != nil {
		return models.ViewState{}, fmt.Errorf("drop retired table %s: %w", view.Name, err)
	}

	state := models.ViewState{
		ViewName:        view.Name,
		Version:         view.Version,
		LastRefreshedAt: time.Now().UTC(),
		RowsWritten:     rowsWritten,
		DurationMS:      time.Since(started).Milliseconds(),
	}
	const upsert = `INSERT INTO warehouse_view_state (view_name, version, last_refreshed_at, rows_written, duration_ms)
VALUES (:view_name, :version, :last_refreshed_at, :rows_written, :duration_ms)
ON CONFLICT (view_name)
DO UPDATE SET version = EXCLUDED.version, last_refreshed_at = EXCLUDED.last_refreshed_at,
              rows_written = EXCLUDED.rows_written, duration_ms = EXCLUDED.duration_ms`
	if _, err := tx.NamedExecContext(ctx, upsert, state); err != nil {
		return models.ViewState{}, fmt.Errorf("record view state %s: %w", view.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return models.ViewState{}, fmt.Errorf("commit refresh %s: %w", view.Name, err)
	}
	return state, nil
}

// LoadStates returns the persisted refresh state of every view.
func (r *ViewRepository) LoadStates(ctx context.Context) ([]models.ViewState, error) {
	const query = `SELECT view_name, version, last_refreshed_at, rows_written, duration_ms FROM warehouse_view_state ORDER BY view_name`
	var states []models.ViewState
	if err := r.db.SelectContext(ctx, &states, query); err != nil {
		return nil, fmt.Errorf("load view states: %w", err)
	}
	return states, nil
}
