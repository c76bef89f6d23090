package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/config"
	"github.com/tracetrack/backend/internal/database"
	"github.com/tracetrack/backend/internal/middleware"
)

// A register attempt that hits a duplicate username still leaves a failure
// row in the audit trail, correlated to the request.
func TestRegisterFailureAudited(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := database.FromSQL(raw)
	rec := audit.NewRecorder(db)
	sessions := auth.NewMemorySessionStore()
	t.Cleanup(sessions.Close)
	svc := auth.NewService(auth.NewUserStore(db), sessions, rec, &config.Config{})
	handler := Register(svc, rec)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(int64(1), audit.Failed(audit.ActionRegister), "user", "dup",
			"10.9.8.7", "req-reg", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := `{"username":"dup","email":"dup@tracetrack.local","password":"password1","role":"biller"}`
	r := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	r.Header.Set("X-Forwarded-For", "10.9.8.7")
	ctx := middleware.WithSession(r.Context(), &auth.Session{UserID: 1, Username: "admin", Role: auth.RoleAdmin})
	ctx = middleware.WithRequestID(ctx, "req-reg")
	w := httptest.NewRecorder()
	handler(w, r.WithContext(ctx))

	assert.Equal(t, http.StatusConflict, w.Code)

	rec.Close() // drain the async audit write before checking expectations
	assert.NoError(t, mock.ExpectationsWereMet())
}
