// Package bags implements the parent/child bag domain: creation, lookup,
// linking, unlinking, and deletion with the graph invariants from the
// warehouse model (unique qr per live bag, a child hangs off at most one
// parent).
package bags

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/database"
)

// BagType discriminates the two roles a bag can play.
type BagType string

const (
	TypeParent BagType = "parent"
	TypeChild  BagType = "child"
)

// Valid reports whether t is one of the two known bag types.
func (t BagType) Valid() bool { return t == TypeParent || t == TypeChild }

// Bag is a live (non-deleted) bag row.
type Bag struct {
	ID        int64     `json:"id"`
	QRID      string    `json:"qr_id"`
	Type      BagType   `json:"type"`
	OwnerID   *int64    `json:"owner_id,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Link is a parent→child relation row.
type Link struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"`
	ChildID   int64     `json:"child_id"`
	CreatedBy *int64    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Detail is a bag plus its linked peers: children for a parent, the parent
// for a child.
type Detail struct {
	Bag      Bag   `json:"bag"`
	Parent   *Bag  `json:"parent,omitempty"`
	Children []Bag `json:"children,omitempty"`
}

// Querier is satisfied by *sql.DB and *sql.Tx so bag lookups compose with
// the scan and bill transactions.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NormalizeQR trims surrounding whitespace and validates length. Comparison
// stays byte-exact and case-sensitive after trimming.
func NormalizeQR(qr string) (string, error) {
	qr = strings.TrimSpace(qr)
	if qr == "" {
		return "", apperr.New(apperr.KindValidation, "qr_id must not be empty")
	}
	if len(qr) > 64 {
		return "", apperr.New(apperr.KindValidation, "qr_id must be at most 64 characters")
	}
	return qr, nil
}

const bagColumns = "id, qr_id, type, owner_id, notes, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBag(row rowScanner) (*Bag, error) {
	var b Bag
	var owner sql.NullInt64
	var notes sql.NullString
	if err := row.Scan(&b.ID, &b.QRID, &b.Type, &owner, &notes, &b.CreatedAt); err != nil {
		return nil, database.Classify(err)
	}
	if owner.Valid {
		b.OwnerID = &owner.Int64
	}
	b.Notes = notes.String
	return &b, nil
}

// ByQR fetches a live bag by qr.
func ByQR(ctx context.Context, q Querier, qr string) (*Bag, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+bagColumns+` FROM bags WHERE qr_id = $1 AND deleted_at IS NULL`, qr)
	b, err := scanBag(row)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "bag %q not found", qr)
	}
	return b, err
}

// ByQRForUpdate is ByQR with a row lock, serializing cross-session work on
// the same bag.
func ByQRForUpdate(ctx context.Context, q Querier, qr string) (*Bag, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+bagColumns+` FROM bags WHERE qr_id = $1 AND deleted_at IS NULL FOR UPDATE`, qr)
	b, err := scanBag(row)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "bag %q not found", qr)
	}
	return b, err
}

// Insert creates a bag row. A duplicate live qr surfaces as KindConflict.
func Insert(ctx context.Context, q Querier, qr string, typ BagType, ownerID *int64, notes string) (*Bag, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO bags (qr_id, type, owner_id, notes)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING `+bagColumns,
		qr, typ, ownerID, notes)
	b, err := scanBag(row)
	if apperr.Is(err, apperr.KindConflict) {
		return nil, apperr.Newf(apperr.KindConflict, "bag %q already exists", qr)
	}
	return b, err
}

// ChildCount counts the children linked under a parent.
func ChildCount(ctx context.Context, q Querier, parentID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE parent_id = $1`, parentID).Scan(&n)
	return n, database.Classify(err)
}

const joinedBagColumns = "b.id, b.qr_id, b.type, b.owner_id, b.notes, b.created_at"

// ParentOf returns the parent a child is linked under, or nil.
func ParentOf(ctx context.Context, q Querier, childID int64) (*Bag, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+joinedBagColumns+` FROM bags b
		JOIN links l ON l.parent_id = b.id
		WHERE l.child_id = $1`, childID)
	b, err := scanBag(row)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	return b, err
}

// ChildrenOf lists the children linked under a parent.
func ChildrenOf(ctx context.Context, q Querier, parentID int64) ([]Bag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+joinedBagColumns+` FROM bags b
		JOIN links l ON l.child_id = b.id
		WHERE l.parent_id = $1
		ORDER BY l.created_at`, parentID)
	if err != nil {
		return nil, database.Classify(err)
	}
	defer rows.Close()
	var out []Bag
	for rows.Next() {
		b, err := scanBag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, database.Classify(rows.Err())
}

// InsertLink creates a parent→child link row inside the caller's
// transaction. The unique index on child_id turns a lost race into
// KindConflict.
func InsertLink(ctx context.Context, q Querier, parentID, childID int64, createdBy *int64) (*Link, error) {
	var l Link
	var by sql.NullInt64
	row := q.QueryRowContext(ctx, `
		INSERT INTO links (parent_id, child_id, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, parent_id, child_id, created_by, created_at`,
		parentID, childID, createdBy)
	if err := row.Scan(&l.ID, &l.ParentID, &l.ChildID, &by, &l.CreatedAt); err != nil {
		err = database.Classify(err)
		if apperr.Is(err, apperr.KindConflict) {
			return nil, apperr.Wrap(apperr.KindConflict, "child is already linked", err)
		}
		return nil, err
	}
	if by.Valid {
		l.CreatedBy = &by.Int64
	}
	return &l, nil
}
