package bags

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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
	return NewService(db, rec), mock, rec
}

func TestCreateAuditsRequestContext(t *testing.T) {
	svc, mock, rec := mockService(t)

	mock.ExpectQuery(`INSERT INTO bags`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "qr_id", "type", "owner_id", "notes", "created_at"}).
			AddRow(1, "P1", "parent", 4, nil, time.Now()))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(4), audit.ActionBagCreate, "bag", "P1",
			"10.0.0.1", "req-7", nil, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	owner := int64(4)
	bag, err := svc.Create(context.Background(), "P1", TypeParent, &owner, "", "req-7", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "P1", bag.QRID)

	rec.Close() // drain the async audit write before checking expectations
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateLinkFailureAudited(t *testing.T) {
	svc, mock, rec := mockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM bags WHERE qr_id .+ FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(4), audit.Failed(audit.ActionLinkCreate), "link", "P1->C1",
			"10.0.0.1", "req-8", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := svc.CreateLink(context.Background(), "P1", "C1", 4, "req-8", "10.0.0.1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	rec.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFailureAudited(t *testing.T) {
	svc, mock, rec := mockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM bags WHERE qr_id .+ FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(4), audit.Failed(audit.ActionBagDelete), "bag", "B9",
			"10.0.0.1", "req-9", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := svc.Delete(context.Background(), "B9", false, 4, "req-9", "10.0.0.1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	rec.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}
