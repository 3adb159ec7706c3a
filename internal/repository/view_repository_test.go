package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

func testView() models.AggregateView {
	return models.AggregateView{
		Name:             "class_progress",
		Version:          2,
		RefreshStatement: "SELECT class_id, term_id, COUNT(*) AS student_count FROM enrollments GROUP BY class_id, term_id",
		IndexColumns:     []string{"class_id", "term_id"},
	}
}

func TestViewRepositoryRefreshSwapsInOneTransaction(t *testing.T) {
	db, mock, cleanup := newWarehouseMock(t)
	defer cleanup()
	repo := NewViewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 60000")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "class_progress__next"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "class_progress__next" AS SELECT class_id`)).WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX ON "class_progress__next" ("class_id", "term_id")`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE IF EXISTS "class_progress" RENAME TO "class_progress__prev"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "class_progress__next" RENAME TO "class_progress"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "class_progress__prev"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO warehouse_view_state").
		WithArgs("class_progress", 2, sqlmock.AnyArg(), int64(12), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	state, err := repo.Refresh(context.Background(), testView(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "class_progress", state.ViewName)
	assert.Equal(t, int64(12), state.RowsWritten)
	assert.False(t, state.LastRefreshedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestViewRepositoryRefreshRollsBackOnBuildFailure(t *testing.T) {
	db, mock, cleanup := newWarehouseMock(t)
	defer cleanup()
	repo := NewViewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.Refresh(context.Background(), testView(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestViewRepositoryLoadStates(t *testing.T) {
	db, mock, cleanup := newWarehouseMock(t)
	defer cleanup()
	repo := NewViewRepository(db)

	refreshed := time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT view_name, version, last_refreshed_at").
		WillReturnRows(sqlmock.NewRows([]string{"view_name", "version", "last_refreshed_at", "rows_written", "duration_ms"}).
			AddRow("class_progress", 2, refreshed, int64(12), int64(340)))

	states, err := repo.LoadStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, refreshed, states[0].LastRefreshedAt)
	assert.Equal(t, int64(340), states[0].DurationMS)
}
