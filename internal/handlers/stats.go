package handlers

import (
	"net/http"

	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/stats"
)

// GlobalStats serves the cached counters row.
func GlobalStats(svc *stats.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Global(r.Context())
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, snap)
	}
}

// MyStats serves the caller's derived per-user numbers.
func MyStats(svc *stats.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		us, err := svc.ForUser(r.Context(), sess.UserID)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, us)
	}
}
