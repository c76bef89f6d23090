package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/tracetrack/backend/internal/apperr"
)

// Cookie and header names shared with the handlers.
const (
	SessionCookieName = "tt_session"
	CSRFHeaderName    = "X-CSRF-Token"
)

// CSRFToken derives the double-submit token for a session: an HMAC of the
// session token under the server secret. Stateless, bound to the session,
// and unforgeable without the secret.
func CSRFToken(secret, sessionToken string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionToken))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SessionCookie builds the session cookie: HTTPOnly, SameSite=Lax, Secure
// in production, non-persistent (no Max-Age, cleared on browser close).
func SessionCookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

// ExpiredSessionCookie clears the cookie on logout.
func ExpiredSessionCookie(secure bool) *http.Cookie {
	c := SessionCookie("", secure)
	c.MaxAge = -1
	return c
}

// RequireCSRF validates the double-submit header on state-changing
// requests. Runs after RequireSession, so the session is in the context.
func RequireCSRF(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			sess := SessionFrom(r.Context())
			if sess == nil {
				WriteError(w, r, apperr.New(apperr.KindAuth, "not authenticated"))
				return
			}
			got := r.Header.Get(CSRFHeaderName)
			want := CSRFToken(secret, sess.Token)
			if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
				WriteError(w, r, apperr.New(apperr.KindAuthz, "missing or invalid CSRF token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
