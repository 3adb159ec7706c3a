package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/spf13/cast"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// QueryRepository runs catalog statements against one connection pool.
type QueryRepository struct {
	db   *sqlx.DB
	name string
}

// NewQueryRepository constructs a repository for the named pool (primary or replica).
func NewQueryRepository(db *sqlx.DB, name string) *QueryRepository {
	return &QueryRepository{db: db, name: name}
}

// Name returns the pool label used as the result source.
func (r *QueryRepository) Name() string {
	return r.name
}

// Ping checks connectivity.
func (r *QueryRepository) Ping(ctx context.Context) error {
	if r.db == nil {
		return appErrors.Clone(appErrors.ErrUnavailable, fmt.Sprintf("%s pool not configured", r.name))
	}
	if err := r.db.PingContext(ctx); err != nil {
		return classifyQueryError(ctx, ctx, err, r.name)
	}
	return nil
}

// Query binds named parameters, applies the limit window and statement timeout,
// and returns the rows as column maps. The statement runs in a read-only
// transaction so the timeout is scoped with SET LOCAL.
func (r *QueryRepository) Query(ctx context.Context, statement string, params map[string]interface{}, limit, offset int, timeout time.Duration) ([]models.Row, error) {
	if r.db == nil {
		return nil, appErrors.Clone(appErrors.ErrUnavailable, fmt.Sprintf("%s pool not configured", r.name))
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	query, args, err := sqlx.Named(statement, params)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrValidation, err, "bind query parameters")
	}
	query = r.db.Rebind(query) + fmt.Sprintf("\nLIMIT %d OFFSET %d", limit, offset)

	queryCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := r.db.BeginTxx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classifyQueryError(ctx, queryCtx, err, r.name)
	}
	defer tx.Rollback() //nolint:errcheck

	if timeout > 0 {
		if _, err := tx.ExecContext(queryCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return nil, classifyQueryError(ctx, queryCtx, err, r.name)
		}
	}

	rows, err := tx.QueryxContext(queryCtx, query, args...)
	if err != nil {
		return nil, classifyQueryError(ctx, queryCtx, err, r.name)
	}
	defer rows.Close()

	result := make([]models.Row, 0)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, classifyQueryError(ctx, queryCtx, err, r.name)
		}
		result = append(result, normalizeRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(ctx, queryCtx, err, r.name)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifyQueryError(ctx, queryCtx, err, r.name)
	}
	return result, nil
}

// lib/pq hands NUMERIC, UUID and some text columns back as raw bytes.
func normalizeRow(row map[string]interface{}) models.Row {
	out := make(models.Row, len(row))
	for key, value := range row {
		switch v := value.(type) {
		case []byte:
			out[key] = cast.ToString(v)
		case time.Time:
			out[key] = v.UTC()
		default:
			out[key] = v
		}
	}
	return out
}

// classifyQueryError maps driver failures onto timeout and availability errors.
// parent is the caller context; queryCtx carries the statement deadline.
func classifyQueryError(parent, queryCtx context.Context, err error, pool string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if parent.Err() == nil && errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
		return appErrors.WrapAs(appErrors.ErrTimeout, err, "")
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if IsTimeout(err) {
		return appErrors.WrapAs(appErrors.ErrTimeout, err, "")
	}
	if IsConnectivity(err) {
		return appErrors.WrapAs(appErrors.ErrUnavailable, err, fmt.Sprintf("%s database unavailable", pool))
	}
	return fmt.Errorf("%s query: %w", pool, err)
}

// IsTimeout reports whether err is a server-side statement cancellation.
func IsTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "57014"
	}
	return false
}

// IsConnectivity reports whether err means the pool cannot reach its server.
func IsConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 08 connection exception, 57P0x server shutdown, 53300 too many connections
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0") || code == "53300"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe")
}
