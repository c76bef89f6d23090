package handlers

import (
	"net/http"

	"github.com/tracetrack/backend/internal/database"
	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
)

// Health is the unauthenticated liveness probe.
func Health(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, code, map[string]string{"status": status})
	}
}

// SystemHealth is the admin diagnostics snapshot.
func SystemHealth(checker *monitoring.HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, checker.Check(r.Context()))
	}
}
