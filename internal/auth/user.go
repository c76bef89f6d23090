// Package auth implements the access-control perimeter: users, password
// hashing, login lockout, TOTP second factor, and server-side sessions.
package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/database"
)

// Role is the coarse authorization level of a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleBiller     Role = "biller"
	RoleDispatcher Role = "dispatcher"
)

// rank orders roles for the "role or above" checks the route table uses.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleBiller:
		return 2
	case RoleDispatcher:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool { return r.rank() >= min.rank() }

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.rank() > 0 }

// User is the persisted account record.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	FailedLogins int
	LockoutUntil *time.Time
	TOTPSecret   *string
	TOTPEnabled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Locked reports whether the account is inside a lockout window.
func (u *User) Locked(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

// UserStore persists users in Postgres.
type UserStore struct {
	db *database.DB
}

func NewUserStore(db *database.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, username, email, password_hash, role, failed_logins,
	lockout_until, totp_secret, totp_enabled, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var lockout sql.NullTime
	var secret sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&u.FailedLogins, &lockout, &secret, &u.TOTPEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if lockout.Valid {
		u.LockoutUntil = &lockout.Time
	}
	if secret.Valid {
		u.TOTPSecret = &secret.String
	}
	return &u, nil
}

// Create inserts a new user. Username and email collide case-insensitively.
func (s *UserStore) Create(ctx context.Context, username, email, passwordHash string, role Role) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" {
		return nil, apperr.New(apperr.KindValidation, "username and email are required")
	}
	if !role.Valid() {
		return nil, apperr.New(apperr.KindValidation, "unknown role")
	}
	row := s.db.SQL().QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		username, email, passwordHash, role)
	u, err := scanUser(row)
	if apperr.Is(err, apperr.KindConflict) {
		return nil, apperr.Wrap(apperr.KindConflict, "username or email already taken", err)
	}
	return u, err
}

// ByUsername looks a user up case-insensitively.
func (s *UserStore) ByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`,
		strings.TrimSpace(username))
	return scanUser(row)
}

// ByID fetches a user by primary key.
func (s *UserStore) ByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// RecordLoginFailure bumps the consecutive-failure counter and returns the
// new count. When the count reaches threshold the lockout window starts and
// the counter resets so the next window counts fresh failures.
func (s *UserStore) RecordLoginFailure(ctx context.Context, userID int64, threshold int, window time.Duration) (failures int, locked bool, err error) {
	err = s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE users SET failed_logins = failed_logins + 1, updated_at = now()
			WHERE id = $1 RETURNING failed_logins`, userID)
		if err := row.Scan(&failures); err != nil {
			return database.Classify(err)
		}
		if failures < threshold {
			return nil
		}
		locked = true
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET lockout_until = now() + make_interval(secs => $2),
				failed_logins = 0, updated_at = now()
			WHERE id = $1`, userID, window.Seconds())
		return database.Classify(err)
	})
	return failures, locked, err
}

// RecordLoginSuccess clears the failure counter.
func (s *UserStore) RecordLoginSuccess(ctx context.Context, userID int64) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		UPDATE users SET failed_logins = 0, lockout_until = NULL, updated_at = now()
		WHERE id = $1`, userID)
	return database.Classify(err)
}

// UpdatePasswordHash replaces the stored hash.
func (s *UserStore) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, hash)
	return database.Classify(err)
}

// SetTOTP stores the secret and enabled flag together so the
// enabled-implies-secret invariant holds in one statement.
func (s *UserStore) SetTOTP(ctx context.Context, userID int64, secret *string, enabled bool) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		UPDATE users SET totp_secret = $2, totp_enabled = $3, updated_at = now()
		WHERE id = $1`, userID, secret, enabled)
	return database.Classify(err)
}

// UpdateRole changes a user's role. Callers audit the change and invalidate
// the user's sessions.
func (s *UserStore) UpdateRole(ctx context.Context, userID int64, role Role) error {
	if !role.Valid() {
		return apperr.New(apperr.KindValidation, "unknown role")
	}
	res, err := s.db.SQL().ExecContext(ctx, `
		UPDATE users SET role = $2, updated_at = now() WHERE id = $1`, userID, role)
	if err != nil {
		return database.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	return nil
}
