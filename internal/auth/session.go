package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Session is a server-side session record. The opaque token is the only
// thing the client holds.
type Session struct {
	Token          string    `json:"token"`
	UserID         int64     `json:"user_id"`
	Username       string    `json:"username"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	AbsoluteExpiry time.Time `json:"absolute_expiry"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"user_agent"`

	// Pending2FA marks a session that passed the password check but still
	// owes a TOTP code. It grants no access until promoted.
	Pending2FA bool `json:"pending_2fa"`
}

// SessionStore persists session records. Implementations: in-process map
// (single node) and Redis (multi node).
type SessionStore interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	DeleteAllForUser(ctx context.Context, userID int64) error
	Count(ctx context.Context) (int, error)
}

// NewSessionToken returns 128 bits of entropy, base64url encoded.
func NewSessionToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
