package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/bags"
	"github.com/tracetrack/backend/internal/middleware"
)

// GetBag returns a bag with its linked peers.
func GetBag(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := svc.Get(r.Context(), mux.Vars(r)["qr"])
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, detail)
	}
}

// ListBags pages through live bags. Dispatchers only see their own bags;
// billers and admins see everything.
func ListBags(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		f := bags.ListFilter{
			Type:   bags.BagType(q.Get("type")),
			Limit:  limit,
			Offset: offset,
		}
		if sess.Role == auth.RoleDispatcher {
			f.OwnerID = &sess.UserID
		} else if owner := q.Get("owner_id"); owner != "" {
			if id, err := strconv.ParseInt(owner, 10, 64); err == nil {
				f.OwnerID = &id
			}
		}
		list, err := svc.List(r.Context(), f)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"bags": list})
	}
}

// CreateBag registers a bag outside the scan flow, for pre-printed labels.
func CreateBag(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			QRID  string `json:"qr_id"`
			Type  string `json:"type"`
			Notes string `json:"notes"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		bag, err := svc.Create(r.Context(), req.QRID, bags.BagType(req.Type), &sess.UserID, req.Notes,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, bag)
	}
}

// CreateLink links a child to a parent manually, bypassing the scan buffer.
func CreateLink(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentQR string `json:"parent_qr"`
			ChildQR  string `json:"child_qr"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		link, err := svc.CreateLink(r.Context(), req.ParentQR, req.ChildQR, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r))
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, link)
	}
}

// RemoveLink detaches a child from its parent.
func RemoveLink(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentQR string `json:"parent_qr"`
			ChildQR  string `json:"child_qr"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		if err := svc.RemoveLink(r.Context(), req.ParentQR, req.ChildQR, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r)); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "unlinked"})
	}
}

// DeleteBag soft-deletes a bag. Parents with children require
// ?cascade=true, which unlinks the children first.
func DeleteBag(svc *bags.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cascade := r.URL.Query().Get("cascade") == "true"
		sess := middleware.SessionFrom(r.Context())
		if err := svc.Delete(r.Context(), mux.Vars(r)["qr"], cascade, sess.UserID,
			middleware.RequestIDFrom(r.Context()), middleware.ClientIP(r)); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "deleted"})
	}
}
