package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDB_HealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := WrapDB(sqlDB, zap.NewNop())

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err = db.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_InitSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	factory := NewRepositoryFactoryFromDB(WrapDB(sqlDB, zap.NewNop()), zap.NewNop())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS providers").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, factory.InitSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS providers").WillReturnError(errors.New("permission denied"))
	assert.Error(t, factory.InitSchema(context.Background()))

	assert.Nil(t, factory.NewNotifier(), "no listener without a DSN")
	assert.NoError(t, mock.ExpectationsWereMet())
}
