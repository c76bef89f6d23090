package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracetrack/backend/internal/auth"
)

const csrfSecret = "0123456789abcdef0123456789abcdef"

func TestCSRFTokenDeterministic(t *testing.T) {
	a := CSRFToken(csrfSecret, "session-token")
	b := CSRFToken(csrfSecret, "session-token")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CSRFToken(csrfSecret, "other-token"))
	assert.NotEqual(t, a, CSRFToken("another-secret-another-secret-ab", "session-token"))
}

func csrfHandler(t *testing.T) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return RequireCSRF(csrfSecret)(ok)
}

func csrfRequest(method, token string) *http.Request {
	r := httptest.NewRequest(method, "/bills", nil)
	sess := &auth.Session{Token: "session-token", UserID: 1}
	r = r.WithContext(WithSession(r.Context(), sess))
	if token != "" {
		r.Header.Set(CSRFHeaderName, token)
	}
	return r
}

func TestRequireCSRFAcceptsValidToken(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler(t).ServeHTTP(rec, csrfRequest(http.MethodPost, CSRFToken(csrfSecret, "session-token")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireCSRFRejectsMissingToken(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler(t).ServeHTTP(rec, csrfRequest(http.MethodPost, ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireCSRFRejectsWrongToken(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler(t).ServeHTTP(rec, csrfRequest(http.MethodPost, CSRFToken(csrfSecret, "other-session")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireCSRFSkipsReads(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler(t).ServeHTTP(rec, csrfRequest(http.MethodGet, ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSessionCookieFlags(t *testing.T) {
	c := SessionCookie("tok", true)
	assert.Equal(t, SessionCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 0, c.MaxAge, "session cookie must not persist")

	dev := SessionCookie("tok", false)
	assert.False(t, dev.Secure)

	gone := ExpiredSessionCookie(true)
	assert.Equal(t, -1, gone.MaxAge)
}
