package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tracetrack/backend/internal/bills"
	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
)

func billResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CreateBill opens a bill with its required parent count.
func CreateBill(svc *bills.Service, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BillID        string `json:"bill_id"`
			RequiredCount int    `json:"required_count"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		bill, err := svc.Create(r.Context(), req.BillID, req.RequiredCount, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.BillsTotal.WithLabelValues("create", billResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, bill)
	}
}

// AttachParent attaches a parent bag to a bill and recomputes weights.
func AttachParent(svc *bills.Service, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentQR string `json:"parent_qr"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		bill, err := svc.Attach(r.Context(), mux.Vars(r)["id"], req.ParentQR, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.BillsTotal.WithLabelValues("attach", billResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, bill)
	}
}

// DetachParent removes a parent from a bill.
func DetachParent(svc *bills.Service, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentQR string `json:"parent_qr"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		bill, err := svc.Detach(r.Context(), mux.Vars(r)["id"], req.ParentQR, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.BillsTotal.WithLabelValues("detach", billResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, bill)
	}
}

// FinalizeBill completes a bill once exactly the required parents are on.
func FinalizeBill(svc *bills.Service, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		bill, err := svc.Finalize(r.Context(), mux.Vars(r)["id"], sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.BillsTotal.WithLabelValues("finalize", billResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, bill)
	}
}

// DeleteBill removes a bill and its attachments.
func DeleteBill(svc *bills.Service, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		err := svc.Delete(r.Context(), mux.Vars(r)["id"], sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		metrics.BillsTotal.WithLabelValues("delete", billResult(err)).Inc()
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "deleted"})
	}
}

// GetBill returns a bill with its attached parents and weights.
func GetBill(svc *bills.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := svc.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, detail)
	}
}

// ListBills pages through bills, newest first.
func ListBills(svc *bills.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		list, err := svc.List(r.Context(), limit, offset)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"bills": list})
	}
}
