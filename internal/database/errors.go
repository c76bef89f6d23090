package database

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/tracetrack/backend/internal/apperr"
)

// Postgres error classes, per the SQLSTATE convention.
const (
	classIntegrityViolation = "23" // unique_violation, foreign_key_violation, ...
	codeSerializationFail   = "40001"
	codeDeadlockDetected    = "40P01"
	codeQueryCanceled       = "57014"
	classInsufficientRes    = "53" // too_many_connections, out of memory
	classOperatorIntervened = "57" // admin shutdown, crash shutdown
	classConnectionError    = "08"
)

// classify translates a raw database error into a kinded apperr so that
// callers and the retry helper can act on it without inspecting driver
// internals. nil and already-kinded errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, "not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTransient, "request canceled", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, classIntegrityViolation):
			return &apperr.Error{
				Kind:   apperr.KindConflict,
				Msg:    "conflicts with existing data",
				Err:    err,
				Detail: pqErr.Constraint,
			}
		case code == codeSerializationFail, code == codeDeadlockDetected, code == codeQueryCanceled:
			return apperr.Wrap(apperr.KindTransient, "database busy", err)
		case strings.HasPrefix(code, classConnectionError),
			strings.HasPrefix(code, classInsufficientRes),
			strings.HasPrefix(code, classOperatorIntervened):
			return apperr.Wrap(apperr.KindTransient, "database unavailable", err)
		}
		return apperr.Wrap(apperr.KindFatal, "database error", err)
	}

	// Socket and DNS level failures surface as net errors or raw EOFs
	// when the backend goes away mid-conversation.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(apperr.KindTransient, "database connection failed", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperr.Wrap(apperr.KindTransient, "database host lookup failed", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, net.ErrClosed) {
		return apperr.Wrap(apperr.KindTransient, "database connection lost", err)
	}

	return apperr.Wrap(apperr.KindFatal, "database error", err)
}

// Classify is the exported form for stores living outside this package.
func Classify(err error) error { return classify(err) }

// IsUniqueViolation reports whether err is a unique-constraint conflict on
// the named constraint (any constraint when name is empty).
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
