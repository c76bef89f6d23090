// Package middleware implements the request perimeter: correlation ids,
// security headers, rate limiting, session resolution, CSRF, role checks,
// and panic recovery. Handlers behind the chain can rely on an
// authenticated session and a request id in the context.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/tracetrack/backend/internal/auth"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionKey
)

// WithRequestID stores the correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the correlation id, or "" outside the chain.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSession stores the resolved session.
func WithSession(ctx context.Context, s *auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the authenticated session, or nil on anonymous
// routes.
func SessionFrom(ctx context.Context) *auth.Session {
	s, _ := ctx.Value(sessionKey).(*auth.Session)
	return s
}

// ClientIP extracts the caller address: X-Forwarded-For first hop, then
// X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}
