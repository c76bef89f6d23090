package handlers

import (
	"net/http"
	"strconv"

	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
	"github.com/tracetrack/backend/internal/scan"
)

type qrRequest struct {
	QRID string `json:"qr_id"`
}

func scanResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ScanParent opens (or replaces) the session's scan buffer with a parent.
func ScanParent(pipeline *scan.Pipeline, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req qrRequest
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		res, err := pipeline.ScanParent(r.Context(), sess, req.QRID)
		metrics.ScansTotal.WithLabelValues("parent", scanResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, res)
	}
}

// ScanChild adds a child to the open buffer.
func ScanChild(pipeline *scan.Pipeline, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req qrRequest
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		res, err := pipeline.ScanChild(r.Context(), sess, req.QRID)
		metrics.ScansTotal.WithLabelValues("child", scanResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, res)
	}
}

// FinishScanning commits the buffered links in one transaction.
func FinishScanning(pipeline *scan.Pipeline, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		res, err := pipeline.Finish(r.Context(), sess,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.ScansTotal.WithLabelValues("finish", scanResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		metrics.LinksCommitted.Add(float64(res.Linked))
		writeOK(w, res)
	}
}

// ScanStatus reports the session's current buffer, if any.
func ScanStatus(pipeline *scan.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		buf, err := pipeline.BufferFor(r.Context(), sess)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		if buf == nil {
			writeOK(w, map[string]interface{}{"active": false})
			return
		}
		writeOK(w, map[string]interface{}{
			"active":      true,
			"parent_qr":   buf.ParentQR,
			"child_count": len(buf.Children),
			"children":    buf.QRs(),
			"started_at":  buf.StartedAt,
		})
	}
}

// RecentScans lists the caller's latest scans, newest first.
func RecentScans(pipeline *scan.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := pipeline.Recent(r.Context(), sess.UserID, limit)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"scans": records})
	}
}
