package bills

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/database"
)

func mockService(t *testing.T) (*Service, sqlmock.Sqlmock, *audit.Recorder) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := database.FromSQL(raw)
	rec := audit.NewRecorder(db)
	return NewService(db, rec, 30), mock, rec
}

func TestCreateConflictAudited(t *testing.T) {
	svc, mock, rec := mockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO bills`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "bills_bill_id_key"})
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(2), audit.Failed(audit.ActionBillCreate), "bill", "BILL-1",
			"10.0.0.2", "req-3", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := svc.Create(context.Background(), "BILL-1", 3, 2, "req-3", "10.0.0.2")
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	rec.Close() // drain the async audit write before checking expectations
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeFailureAudited(t *testing.T) {
	svc, mock, rec := mockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM bills WHERE bill_id = \$1 FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(2), audit.Failed(audit.ActionBillFinalize), "bill", "BILL-9",
			"10.0.0.2", "req-4", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := svc.Finalize(context.Background(), "BILL-9", 2, "req-4", "10.0.0.2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	rec.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}
