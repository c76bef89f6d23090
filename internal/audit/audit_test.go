package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/database"
)

func TestFailed(t *testing.T) {
	assert.Equal(t, "LOGIN_FAILED", Failed(ActionLogin))
	assert.Equal(t, "BILL_ATTACH_FAILED", Failed(ActionBillAttach))
}

func TestSnapshot(t *testing.T) {
	assert.Equal(t, "", Snapshot(nil))
	assert.JSONEq(t, `{"qr_id":"P1"}`, Snapshot(map[string]string{"qr_id": "P1"}))
	assert.Equal(t, `{"_snapshot_error":true}`, Snapshot(func() {}))
}

func TestRecordWritesRow(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()

	rec := NewRecorder(database.FromSQL(raw))
	defer rec.Close()

	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	actor := int64(4)
	rec.Record(context.Background(), Event{
		ActorID: &actor, Action: ActionLogin,
		TargetKind: "user", TargetID: "alice",
		IP: "10.0.0.1", RequestID: "req-1",
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
