package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/monitoring"
)

// requestDeadline bounds every handler; the persistence layer honors the
// context so an expired deadline rolls the transaction back.
const requestDeadline = 30 * time.Second

// RequestID stamps a correlation id on the request context and echoes it in
// the response header, and applies the per-request deadline.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()
		ctx = WithRequestID(ctx, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders applies the standard hardening headers. HSTS only makes
// sense behind TLS, so it is conditional on the deployment flag.
func SecurityHeaders(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'self'")
			if production {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recover turns a handler panic into a generic 500 with the correlation id
// and records an audit failure row. The transaction, if any, was already
// rolled back when the panic unwound through WithTx.
func Recover(auditor *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := RequestIDFrom(r.Context())
					var actorID *int64
					if sess := SessionFrom(r.Context()); sess != nil {
						actorID = &sess.UserID
					}
					auditor.RecordAsync(audit.Event{
						ActorID: actorID, Action: "REQUEST_FAILED",
						TargetKind: "route", TargetID: r.URL.Path,
						IP: ClientIP(r), RequestID: requestID,
						Detail: "panic recovered",
					})
					WriteError(w, r, apperr.New(apperr.KindFatal, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit gates a route class. Identity is the session cookie when
// present (so one operator doesn't starve a shared NAT) and the client IP
// otherwise.
func RateLimit(rl *RateLimiter, class RouteClass, metrics *monitoring.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ClientIP(r)
			if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
				identity = c.Value
			}
			ok, retryAfter := rl.Allow(identity, class)
			if !ok {
				if metrics != nil {
					metrics.RateLimitRejected.WithLabelValues(string(class)).Inc()
				}
				w.Header().Set("Retry-After", RetryAfterHeader(retryAfter))
				WriteError(w, r, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession resolves the session cookie and enforces a minimum role.
// The lock order is fixed: rate limit before session before anything the
// handler itself locks.
func RequireSession(svc *auth.Service, minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(SessionCookieName)
			if err != nil || c.Value == "" {
				WriteError(w, r, apperr.New(apperr.KindAuth, "not authenticated"))
				return
			}
			sess, rerr := svc.Resolve(r.Context(), c.Value)
			if rerr != nil {
				WriteError(w, r, rerr)
				return
			}
			if !sess.Role.AtLeast(minRole) {
				WriteError(w, r, apperr.New(apperr.KindAuthz, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// Instrument records the request counter and latency histogram per route
// class.
func Instrument(metrics *monitoring.Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			metrics.RequestsTotal.WithLabelValues(route, httpStatusLabel(sw.status)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func httpStatusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
