package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tracetrack/backend/internal/apperr"
)

// errorBody is the uniform error envelope: {code, message, request_id}.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("[http] response encode failed", "error", err)
		}
	}
}

// WriteError maps a domain error onto the envelope. Internal causes are
// logged with the correlation id, never echoed to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	requestID := RequestIDFrom(r.Context())
	if kind == apperr.KindFatal || kind == apperr.KindTransient {
		slog.Error("[http] request failed",
			"path", r.URL.Path, "request_id", requestID, "error", err)
	}
	WriteJSON(w, kind.HTTPStatus(), errorBody{
		Code:      kind.String(),
		Message:   apperr.Message(err),
		RequestID: requestID,
		Detail:    apperr.DetailOf(err),
	})
}
