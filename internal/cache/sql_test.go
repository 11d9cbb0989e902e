package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupMockStore opens gorm over a sqlmock connection so persistence failures can be injected.
func setupMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		_ = sqlDB.Close()
	})
	return NewSQLStore(gormDB, newFakeClock().Now), mock
}

func TestSQLStore_Lookup_QueryError(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM `weather_cache`").WillReturnError(errors.New("connection reset"))

	_, ok, err := store.Lookup(context.Background(), 40.71, -74.0)

	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Upsert_SelectErrorRollsBack(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `weather_cache`").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := store.Upsert(context.Background(), 40.71, -74.0, Payloads{Weather: weatherA})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Upsert_InsertErrorRollsBack(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `weather_cache`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `weather_cache`").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := store.Upsert(context.Background(), 40.71, -74.0, Payloads{Weather: weatherA})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Upsert_Commits(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `weather_cache`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `weather_cache`").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	e, err := store.Upsert(context.Background(), 40.71, -74.0, Payloads{Weather: weatherA})

	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.ID)
	assert.Equal(t, TTL, e.ExpiresAt.Sub(e.FetchedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLStore_FailedUpsertLeavesNoRow verifies atomicity against a real database:
// a write that cannot begin its transaction leaves nothing visible.
func TestSQLStore_FailedUpsertLeavesNoRow(t *testing.T) {
	db := openSQLite(t)
	store := NewSQLStore(db, newFakeClock().Now)
	ctx := context.Background()

	ctxCanceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := store.Upsert(ctxCanceled, 40.71, -74.0, Payloads{Weather: weatherA})
	require.Error(t, err)

	_, ok, err := store.Lookup(ctx, 40.71, -74.0)
	require.NoError(t, err)
	assert.False(t, ok)
}
