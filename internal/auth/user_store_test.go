package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/database"
)

func mockStore(t *testing.T) (*UserStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewUserStore(database.FromSQL(raw)), mock
}

func TestRecordLoginFailureBelowThreshold(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE users SET failed_logins = failed_logins \+ 1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins"}).AddRow(3))
	mock.ExpectCommit()

	failures, locked, err := store.RecordLoginFailure(context.Background(), 7, 5, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, failures)
	assert.False(t, locked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLoginFailureLocksAtThreshold(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE users SET failed_logins = failed_logins \+ 1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins"}).AddRow(5))
	mock.ExpectExec(`UPDATE users SET lockout_until = now\(\) \+ make_interval`).
		WithArgs(int64(7), float64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	failures, locked, err := store.RecordLoginFailure(context.Background(), 7, 5, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, failures)
	assert.True(t, locked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLoginSuccessClearsCounter(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(`UPDATE users SET failed_logins = 0, lockout_until = NULL`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RecordLoginSuccess(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRoleUnknownUser(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(`UPDATE users SET role = `).
		WithArgs(int64(99), "biller").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateRole(context.Background(), 99, RoleBiller)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsBadInput(t *testing.T) {
	store, _ := mockStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "", "a@b.c", "hash", RoleBiller)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = store.Create(ctx, "alice", "a@b.c", "hash", Role("superuser"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
