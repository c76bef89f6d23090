// Package database owns the Postgres connection pool, transaction helpers,
// retry policy for transient failures, and the schema bootstrap.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/sethvargo/go-retry"

	"github.com/tracetrack/backend/internal/apperr"
)

const (
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 3 * time.Second

	// Server-side guards, applied as connection options.
	statementTimeout         = 60 * time.Second
	idleInTransactionTimeout = 30 * time.Second
)

// DB wraps *sql.DB with the TraceTrack pool policy and retry helpers.
type DB struct {
	sql      *sql.DB
	degraded atomic.Bool
	onRetry  func()
}

// OnRetry registers a hook fired once per transient retry, before wiring the
// pool into request handling. The metrics layer uses it for its retry counter.
func (db *DB) OnRetry(fn func()) { db.onRetry = fn }

// Open connects to Postgres with the pool sized for poolSize base
// connections plus overflow burst capacity. Connections are recycled every
// five minutes and pinged before first use.
func Open(ctx context.Context, databaseURL string, poolSize, overflow int) (*DB, error) {
	dsn, err := withServerTimeouts(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	raw, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	raw.SetMaxOpenConns(poolSize + overflow)
	raw.SetMaxIdleConns(poolSize)
	raw.SetConnMaxLifetime(connMaxLifetime)

	db := &DB{sql: raw}

	// Initial connectivity check with the same backoff the runtime uses,
	// so a slow DNS record at boot doesn't kill the process.
	if err := db.WithRetry(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return classify(raw.PingContext(pingCtx))
	}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("[database] pool ready",
		"max_open", poolSize+overflow, "max_idle", poolSize, "recycle", connMaxLifetime)
	return db, nil
}

// withServerTimeouts appends statement and idle-in-transaction timeouts to
// the DSN so every pooled connection carries them.
func withServerTimeouts(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("statement_timeout") == "" {
		q.Set("statement_timeout", fmt.Sprintf("%d", statementTimeout.Milliseconds()))
	}
	if q.Get("idle_in_transaction_session_timeout") == "" {
		q.Set("idle_in_transaction_session_timeout", fmt.Sprintf("%d", idleInTransactionTimeout.Milliseconds()))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SQL exposes the underlying handle for direct queries.
func (db *DB) SQL() *sql.DB { return db.sql }

// FromSQL wraps an existing pool without pinging it. Tests use this with a
// mock driver.
func FromSQL(raw *sql.DB) *DB { return &DB{sql: raw} }

// Close shuts the pool down.
func (db *DB) Close() error { return db.sql.Close() }

// Degraded reports whether the last fatal failure marked the pool unhealthy.
// Cleared by the next successful health ping.
func (db *DB) Degraded() bool { return db.degraded.Load() }

// Ping verifies connectivity and refreshes the degraded flag.
func (db *DB) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := db.sql.PingContext(pingCtx)
	db.degraded.Store(err != nil)
	return err
}

// Stats returns pool statistics for the system health endpoint.
func (db *DB) Stats() sql.DBStats { return db.sql.Stats() }

// WithRetry runs fn, retrying transient failures with exponential backoff:
// at most 3 attempts, 100ms doubling to 800ms cap. Anything that is not
// KindTransient aborts immediately.
func (db *DB) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithCappedDuration(800*time.Millisecond,
		retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if apperr.Is(err, apperr.KindTransient) {
			slog.Warn("[database] transient failure, retrying", "error", err)
			if db.onRetry != nil {
				db.onRetry()
			}
			return retry.RetryableError(err)
		}
		if apperr.KindOf(err) == apperr.KindFatal {
			db.degraded.Store(true)
		}
		return err
	})
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; a commit failure is classified like
// any other database error. Row locks taken inside fn are held until the
// transaction ends, which is how cross-session operations on the same parent
// or bill serialize.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.withTxOpts(ctx, &sql.TxOptions{}, fn)
}

// WithReadTx runs fn inside a read-only transaction.
func (db *DB) WithReadTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.withTxOpts(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (db *DB) withTxOpts(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, opts)
	if err != nil {
		return classify(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("[database] rollback failed", "error", rbErr)
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}
