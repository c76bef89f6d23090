// Package handlers contains the HTTP endpoints. Each handler is a
// constructor closing over its dependencies and returning an
// http.HandlerFunc; authentication, CSRF, and rate limiting run in the
// middleware chain before any handler here.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/middleware"
)

// maxBodyBytes caps request bodies; every payload here is a small JSON
// object.
const maxBodyBytes = 64 << 10

// decodeJSON reads a JSON body into dst, rejecting unknown fields so typos
// in payloads fail loudly instead of silently defaulting.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}

func writeOK(w http.ResponseWriter, v interface{}) {
	middleware.WriteJSON(w, http.StatusOK, v)
}
