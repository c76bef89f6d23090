package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/config"
	"github.com/tracetrack/backend/internal/middleware"
	"github.com/tracetrack/backend/internal/monitoring"
)

type userBody struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type sessionBody struct {
	User      userBody `json:"user"`
	CSRFToken string   `json:"csrf_token"`
	Needs2FA  bool     `json:"needs_2fa,omitempty"`
}

func sessionResponse(cfg *config.Config, sess *auth.Session, needs2FA bool) sessionBody {
	return sessionBody{
		User: userBody{
			ID:       sess.UserID,
			Username: sess.Username,
			Role:     string(sess.Role),
		},
		CSRFToken: middleware.CSRFToken(cfg.SessionSecret, sess.Token),
		Needs2FA:  needs2FA,
	}
}

// Login authenticates username+password. On success it sets the session
// cookie; when the account requires a second factor the cookie carries a
// pending session that only the 2FA verify endpoint accepts.
func Login(svc *auth.Service, cfg *config.Config, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		res, err := svc.Authenticate(r.Context(), req.Username, req.Password,
			middleware.ClientIP(r), r.UserAgent(), middleware.RequestIDFrom(r.Context()))
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAuth {
				reason := "bad_password"
				if apperr.DetailOf(err) == "locked" {
					reason = "locked"
				}
				metrics.AuthFailures.WithLabelValues(reason).Inc()
			}
			middleware.WriteError(w, r, err)
			return
		}
		http.SetCookie(w, middleware.SessionCookie(res.Session.Token, cfg.IsProduction()))
		writeOK(w, sessionResponse(cfg, res.Session, res.NeedsSecondFactor))
	}
}

// Verify2FA promotes a pending session after a valid TOTP code.
func Verify2FA(svc *auth.Service, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		c, err := r.Cookie(middleware.SessionCookieName)
		if err != nil || c.Value == "" {
			middleware.WriteError(w, r, apperr.New(apperr.KindAuth, "not authenticated"))
			return
		}
		sess, verr := svc.VerifyTOTP(r.Context(), c.Value, strings.TrimSpace(req.Code),
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context()))
		if verr != nil {
			middleware.WriteError(w, r, verr)
			return
		}
		writeOK(w, sessionResponse(cfg, sess, false))
	}
}

// Logout ends the session and clears the cookie.
func Logout(svc *auth.Service, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		if err := svc.Logout(r.Context(), sess,
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context())); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		http.SetCookie(w, middleware.ExpiredSessionCookie(cfg.IsProduction()))
		writeOK(w, map[string]string{"status": "logged_out"})
	}
}

// Me returns the calling session's identity plus a fresh CSRF token, so a
// reloaded dashboard can resume without re-login.
func Me(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFrom(r.Context())
		writeOK(w, sessionResponse(cfg, sess, false))
	}
}

// Register lets an admin create an operator account.
func Register(svc *auth.Service, auditor *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Email    string `json:"email"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		role := auth.Role(req.Role)
		if !role.Valid() {
			middleware.WriteError(w, r, apperr.New(apperr.KindValidation, "unknown role"))
			return
		}
		if len(req.Password) < 8 {
			middleware.WriteError(w, r, apperr.New(apperr.KindValidation, "password must be at least 8 characters"))
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		actor := middleware.SessionFrom(r.Context())
		user, cerr := svc.Users().Create(r.Context(), req.Username, req.Email, hash, role)
		if cerr != nil {
			auditor.RecordAsync(audit.Event{
				ActorID: &actor.UserID, Action: audit.Failed(audit.ActionRegister),
				TargetKind: "user", TargetID: req.Username,
				IP:        middleware.ClientIP(r),
				RequestID: middleware.RequestIDFrom(r.Context()),
				Detail:    apperr.Message(cerr),
			})
			middleware.WriteError(w, r, cerr)
			return
		}
		auditor.RecordAsync(audit.Event{
			ActorID: &actor.UserID, Action: audit.ActionRegister,
			TargetKind: "user", TargetID: user.Username,
			IP:        middleware.ClientIP(r),
			RequestID: middleware.RequestIDFrom(r.Context()),
			Detail:    string(role),
		})
		middleware.WriteJSON(w, http.StatusCreated, userBody{
			ID: user.ID, Username: user.Username, Role: string(user.Role),
		})
	}
}

// ChangePassword verifies the current password and replaces it, dropping
// every other session of the user.
func ChangePassword(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Current string `json:"current_password"`
			Next    string `json:"new_password"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		if len(req.Next) < 8 {
			middleware.WriteError(w, r, apperr.New(apperr.KindValidation, "password must be at least 8 characters"))
			return
		}
		sess := middleware.SessionFrom(r.Context())
		if err := svc.ChangePassword(r.Context(), sess, req.Current, req.Next,
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context())); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "password_changed"})
	}
}

// Enable2FA starts TOTP enrollment: reverifies the password and returns the
// otpauth provisioning URL. The flag only flips after Confirm2FA.
func Enable2FA(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		url, err := svc.Enable2FA(r.Context(), sess, req.Password,
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context()))
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"otpauth_url": url})
	}
}

// Confirm2FA completes enrollment with a valid code from the new device.
func Confirm2FA(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		if err := svc.Confirm2FA(r.Context(), sess, strings.TrimSpace(req.Code),
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context())); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "2fa_enabled"})
	}
}

// Disable2FA turns the second factor off after a password reverify.
func Disable2FA(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		sess := middleware.SessionFrom(r.Context())
		if err := svc.Disable2FA(r.Context(), sess, req.Password,
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context())); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "2fa_disabled"})
	}
}

// ChangeRole reassigns a user's role and drops their sessions.
func ChangeRole(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			middleware.WriteError(w, r, apperr.New(apperr.KindValidation, "invalid user id"))
			return
		}
		var req struct {
			Role string `json:"role"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		role := auth.Role(req.Role)
		if !role.Valid() {
			middleware.WriteError(w, r, apperr.New(apperr.KindValidation, "unknown role"))
			return
		}
		actor := middleware.SessionFrom(r.Context())
		if err := svc.ChangeRole(r.Context(), actor, userID, role,
			middleware.ClientIP(r), middleware.RequestIDFrom(r.Context())); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		writeOK(w, map[string]string{"status": "role_changed"})
	}
}
