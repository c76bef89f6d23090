package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/config"
)

// pending2FAWindow is how long a password-verified admin has to supply the
// TOTP code before the login restarts.
const pending2FAWindow = 5 * time.Minute

// Service ties users, sessions, lockout, and the second factor together.
// All security-relevant outcomes are audit-logged synchronously.
type Service struct {
	users    *UserStore
	sessions SessionStore
	auditor  *audit.Recorder
	cfg      *config.Config
}

func NewService(users *UserStore, sessions SessionStore, auditor *audit.Recorder, cfg *config.Config) *Service {
	return &Service{users: users, sessions: sessions, auditor: auditor, cfg: cfg}
}

// Users exposes the user store for admin handlers.
func (s *Service) Users() *UserStore { return s.users }

// Sessions exposes the session store for health reporting.
func (s *Service) Sessions() SessionStore { return s.sessions }

// LoginResult is the outcome of a successful password check.
type LoginResult struct {
	User *User
	// Session is either a full session or, when NeedsSecondFactor is set,
	// a pending one that only /2fa/verify accepts.
	Session           *Session
	NeedsSecondFactor bool
}

// Authenticate checks credentials, enforces lockout, and creates a session.
// Admins with 2FA enabled get a pending session and NeedsSecondFactor=true.
func (s *Service) Authenticate(ctx context.Context, username, password, ip, userAgent, requestID string) (*LoginResult, error) {
	user, err := s.users.ByUsername(ctx, username)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			// Burn a hash comparison so missing and wrong-password
			// lookups take the same time.
			VerifyPassword("$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", password)
			s.auditFailedLogin(ctx, nil, username, ip, requestID, "unknown user")
			return nil, apperr.New(apperr.KindAuth, "invalid credentials")
		}
		return nil, err
	}

	now := time.Now()
	if user.Locked(now) {
		s.auditFailedLogin(ctx, &user.ID, username, ip, requestID, "account locked")
		return nil, &apperr.Error{Kind: apperr.KindAuth, Msg: "account locked, try again later", Detail: "locked"}
	}

	if !VerifyPassword(user.PasswordHash, password) {
		failures, locked, ferr := s.users.RecordLoginFailure(ctx, user.ID, s.cfg.LockoutThreshold, s.cfg.LockoutWindow)
		if ferr != nil {
			return nil, ferr
		}
		detail := "bad password"
		if locked {
			detail = "bad password, lockout engaged"
			slog.Warn("[auth] account locked", "user", user.Username, "failures", failures)
		}
		s.auditFailedLogin(ctx, &user.ID, username, ip, requestID, detail)
		return nil, apperr.New(apperr.KindAuth, "invalid credentials")
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID); err != nil {
		return nil, err
	}

	needs2FA := s.cfg.Enable2FA && user.Role == RoleAdmin && user.TOTPEnabled
	sess, err := s.createSession(ctx, user, ip, userAgent, needs2FA)
	if err != nil {
		return nil, err
	}

	if !needs2FA {
		s.auditor.Record(ctx, audit.Event{
			ActorID: &user.ID, Action: audit.ActionLogin,
			TargetKind: "user", TargetID: user.Username,
			IP: ip, RequestID: requestID,
		})
	}
	return &LoginResult{User: user, Session: sess, NeedsSecondFactor: needs2FA}, nil
}

// VerifyTOTP promotes a pending session after a valid code. The code must
// arrive within pending2FAWindow of the password check.
func (s *Service) VerifyTOTP(ctx context.Context, token, code, ip, requestID string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	if sess == nil || !sess.Pending2FA {
		return nil, apperr.New(apperr.KindAuth, "no pending login")
	}
	if time.Since(sess.CreatedAt) > pending2FAWindow {
		_ = s.sessions.Delete(ctx, token)
		return nil, apperr.New(apperr.KindAuth, "second factor window expired, log in again")
	}

	user, err := s.users.ByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user.TOTPSecret == nil || !VerifyTOTPCode(*user.TOTPSecret, code) {
		s.auditor.Record(ctx, audit.Event{
			ActorID: &user.ID, Action: audit.Failed(audit.ActionLogin),
			TargetKind: "user", TargetID: user.Username,
			IP: ip, RequestID: requestID, Detail: "bad totp code",
		})
		return nil, apperr.New(apperr.KindAuth, "invalid code")
	}

	now := time.Now()
	sess.Pending2FA = false
	sess.CreatedAt = now
	sess.LastActivity = now
	sess.AbsoluteExpiry = now.Add(s.cfg.AbsoluteSessionTTL)
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}

	s.auditor.Record(ctx, audit.Event{
		ActorID: &user.ID, Action: audit.ActionLogin,
		TargetKind: "user", TargetID: user.Username,
		IP: ip, RequestID: requestID, Detail: "2fa verified",
	})
	return sess, nil
}

// Resolve validates a session token on every request: absolute expiry,
// idle window, and pending state. The idle timer slides on success.
func (s *Service) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindAuth, "not authenticated")
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	if sess == nil || sess.Pending2FA {
		return nil, apperr.New(apperr.KindAuth, "not authenticated")
	}
	now := time.Now()
	if now.After(sess.AbsoluteExpiry) || now.Sub(sess.LastActivity) > s.cfg.IdleSessionTTL {
		_ = s.sessions.Delete(ctx, token)
		return nil, apperr.New(apperr.KindAuth, "session expired")
	}
	sess.LastActivity = now
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	return sess, nil
}

// Logout removes the session.
func (s *Service) Logout(ctx context.Context, sess *Session, ip, requestID string) error {
	if err := s.sessions.Delete(ctx, sess.Token); err != nil {
		return apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID: &sess.UserID, Action: audit.ActionLogout,
		TargetKind: "user", TargetID: sess.Username,
		IP: ip, RequestID: requestID,
	})
	return nil
}

// InvalidateAll removes every session of a user. Called on password change,
// role change, and 2FA toggle.
func (s *Service) InvalidateAll(ctx context.Context, userID int64) error {
	if err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	return nil
}

// ChangePassword re-verifies the current password, swaps the hash, and
// invalidates every other session of the user.
func (s *Service) ChangePassword(ctx context.Context, sess *Session, current, next, ip, requestID string) error {
	user, err := s.users.ByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		s.auditor.Record(ctx, audit.Event{
			ActorID: &user.ID, Action: audit.Failed(audit.ActionPasswordChange),
			TargetKind: "user", TargetID: user.Username,
			IP: ip, RequestID: requestID, Detail: "current password mismatch",
		})
		return apperr.New(apperr.KindAuth, "current password is incorrect")
	}
	if len(next) < 8 {
		return apperr.New(apperr.KindValidation, "new password must be at least 8 characters")
	}
	hash, err := HashPassword(next)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "hash password", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.InvalidateAll(ctx, user.ID); err != nil {
		return err
	}
	// Keep the caller's own session alive.
	sess.LastActivity = time.Now()
	if err := s.sessions.Put(ctx, sess); err != nil {
		return apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID: &user.ID, Action: audit.ActionPasswordChange,
		TargetKind: "user", TargetID: user.Username,
		IP: ip, RequestID: requestID,
	})
	return nil
}

// Enable2FA verifies the current password, generates a secret, and returns
// the otpauth URL for the authenticator app. The flag only flips after the
// user proves possession with a first valid code.
func (s *Service) Enable2FA(ctx context.Context, sess *Session, password, ip, requestID string) (otpURL string, err error) {
	user, err := s.users.ByID(ctx, sess.UserID)
	if err != nil {
		return "", err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return "", apperr.New(apperr.KindAuth, "current password is incorrect")
	}
	secret, url, err := GenerateTOTPSecret(user.Username)
	if err != nil {
		return "", apperr.Wrap(apperr.KindFatal, "generate totp secret", err)
	}
	if err := s.users.SetTOTP(ctx, user.ID, &secret, false); err != nil {
		return "", err
	}
	return url, nil
}

// Confirm2FA flips the enabled flag once the user echoes a valid code for
// the freshly provisioned secret, then invalidates other sessions.
func (s *Service) Confirm2FA(ctx context.Context, sess *Session, code, ip, requestID string) error {
	user, err := s.users.ByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if user.TOTPSecret == nil {
		return apperr.New(apperr.KindValidation, "2fa setup not started")
	}
	if !VerifyTOTPCode(*user.TOTPSecret, code) {
		return apperr.New(apperr.KindAuth, "invalid code")
	}
	if err := s.users.SetTOTP(ctx, user.ID, user.TOTPSecret, true); err != nil {
		return err
	}
	if err := s.InvalidateAll(ctx, user.ID); err != nil {
		return err
	}
	sess.LastActivity = time.Now()
	if err := s.sessions.Put(ctx, sess); err != nil {
		return apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID: &user.ID, Action: audit.Action2FAEnable,
		TargetKind: "user", TargetID: user.Username,
		IP: ip, RequestID: requestID,
	})
	return nil
}

// Disable2FA requires the current password and clears the secret.
func (s *Service) Disable2FA(ctx context.Context, sess *Session, password, ip, requestID string) error {
	user, err := s.users.ByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return apperr.New(apperr.KindAuth, "current password is incorrect")
	}
	if err := s.users.SetTOTP(ctx, user.ID, nil, false); err != nil {
		return err
	}
	if err := s.InvalidateAll(ctx, user.ID); err != nil {
		return err
	}
	sess.LastActivity = time.Now()
	if err := s.sessions.Put(ctx, sess); err != nil {
		return apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID: &user.ID, Action: audit.Action2FADisable,
		TargetKind: "user", TargetID: user.Username,
		IP: ip, RequestID: requestID,
	})
	return nil
}

// ChangeRole updates a user's role (admin action), audit-logs the change,
// and invalidates the target's sessions so the new role takes effect
// immediately.
func (s *Service) ChangeRole(ctx context.Context, actor *Session, userID int64, role Role, ip, requestID string) error {
	target, err := s.users.ByID(ctx, userID)
	if err != nil {
		return err
	}
	before := audit.Snapshot(map[string]interface{}{"role": target.Role})
	if err := s.users.UpdateRole(ctx, userID, role); err != nil {
		return err
	}
	if err := s.InvalidateAll(ctx, userID); err != nil {
		return err
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID: &actor.UserID, Action: audit.ActionRoleChange,
		TargetKind: "user", TargetID: target.Username,
		IP: ip, RequestID: requestID,
		Before: before,
		After:  audit.Snapshot(map[string]interface{}{"role": role}),
	})
	return nil
}

func (s *Service) createSession(ctx context.Context, user *User, ip, userAgent string, pending bool) (*Session, error) {
	token, err := NewSessionToken()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "create session", err)
	}
	now := time.Now()
	expiry := now.Add(s.cfg.AbsoluteSessionTTL)
	if pending {
		expiry = now.Add(pending2FAWindow)
	}
	sess := &Session{
		Token:          token,
		UserID:         user.ID,
		Username:       user.Username,
		Role:           user.Role,
		CreatedAt:      now,
		LastActivity:   now,
		AbsoluteExpiry: expiry,
		IP:             ip,
		UserAgent:      userAgent,
		Pending2FA:     pending,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "session store unavailable", err)
	}
	return sess, nil
}

func (s *Service) auditFailedLogin(ctx context.Context, actorID *int64, username, ip, requestID, detail string) {
	s.auditor.Record(ctx, audit.Event{
		ActorID: actorID, Action: audit.Failed(audit.ActionLogin),
		TargetKind: "user", TargetID: username,
		IP: ip, RequestID: requestID, Detail: detail,
	})
}
