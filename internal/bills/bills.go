// Package bills implements the bill assembly workflow: a bill requires a
// fixed number of parent bags and carries weights derived from the link
// graph. Weights and status are recomputed inside the same transaction as
// every attach/detach, so the invariants hold at every observable instant.
package bills

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/database"
)

// Status is the lifecycle state of a bill.
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Bill is a persisted bill row.
type Bill struct {
	ID             int64     `json:"id"`
	BillID         string    `json:"bill_id"`
	ParentBagCount int       `json:"parent_bag_count"`
	TotalWeight    float64   `json:"total_weight_kg"`
	ExpectedWeight float64   `json:"expected_weight_kg"`
	Status         Status    `json:"status"`
	CreatedBy      *int64    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Attached is the current number of attached parents; Finalizable is
	// derived: attached == required and not yet completed.
	Attached    int  `json:"attached"`
	Finalizable bool `json:"finalizable"`
}

// AttachedParent is one parent on a bill with its weight contribution.
type AttachedParent struct {
	QRID         string    `json:"qr_id"`
	ChildCount   int       `json:"child_count"`
	WeightKG     float64   `json:"weight_kg"`
	AttachedAt   time.Time `json:"attached_at"`
}

// Detail is a bill with its attached parents.
type Detail struct {
	Bill    Bill             `json:"bill"`
	Parents []AttachedParent `json:"parents"`
}

// WeightContribution caps a parent's contribution at the configured
// per-parent weight: min(children, cap) kilograms.
func WeightContribution(childCount int, capKG float64) float64 {
	w := float64(childCount)
	if w > capKG {
		return capKG
	}
	return w
}

// NormalizeBillID trims and validates the human bill identifier.
func NormalizeBillID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperr.New(apperr.KindValidation, "bill_id must not be empty")
	}
	if len(id) > 32 {
		return "", apperr.New(apperr.KindValidation, "bill_id must be at most 32 characters")
	}
	return id, nil
}

const billColumns = `id, bill_id, parent_bag_count, total_weight_kg,
	expected_weight_kg, status, created_by, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBill(row rowScanner) (*Bill, error) {
	var b Bill
	var by sql.NullInt64
	err := row.Scan(&b.ID, &b.BillID, &b.ParentBagCount, &b.TotalWeight,
		&b.ExpectedWeight, &b.Status, &by, &b.CreatedAt)
	if err != nil {
		return nil, database.Classify(err)
	}
	if by.Valid {
		b.CreatedBy = &by.Int64
	}
	return &b, nil
}

func byBillIDForUpdate(ctx context.Context, tx *sql.Tx, billID string) (*Bill, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE bill_id = $1 FOR UPDATE`, billID)
	b, err := scanBill(row)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "bill %q not found", billID)
	}
	return b, err
}

func attachedCount(ctx context.Context, tx *sql.Tx, billPK int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bill_bags WHERE bill_id = $1`, billPK).Scan(&n)
	return n, database.Classify(err)
}

// recomputeWeights rewrites total weight and status from the authoritative
// tables, all inside the caller's transaction.
func recomputeWeights(ctx context.Context, tx *sql.Tx, billPK int64, required int, capKG float64) (*Bill, error) {
	var total float64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(LEAST(COALESCE(c.cnt, 0)::float8, $2)), 0)
		FROM bill_bags bb
		LEFT JOIN (
			SELECT parent_id, COUNT(*) AS cnt FROM links GROUP BY parent_id
		) c ON c.parent_id = bb.bag_id
		WHERE bb.bill_id = $1`, billPK, capKG).Scan(&total)
	if err != nil {
		return nil, database.Classify(err)
	}
	attached, err := attachedCount(ctx, tx, billPK)
	if err != nil {
		return nil, err
	}

	status := StatusEmpty
	if attached > 0 {
		status = StatusInProgress
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE bills SET total_weight_kg = $2,
			expected_weight_kg = parent_bag_count * $3,
			status = $4
		WHERE id = $1
		RETURNING `+billColumns, billPK, total, capKG, status)
	b, err := scanBill(row)
	if err != nil {
		return nil, err
	}
	b.Attached = attached
	b.Finalizable = attached == required && b.Status != StatusCompleted
	return b, nil
}
