package bills

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/bags"
	"github.com/tracetrack/backend/internal/database"
)

// Service runs the bill workflow. parentWeightKG is the per-parent weight
// cap (PARENT_WEIGHT_KG, 30 by default).
type Service struct {
	db             *database.DB
	auditor        *audit.Recorder
	parentWeightKG float64
}

func NewService(db *database.DB, auditor *audit.Recorder, parentWeightKG float64) *Service {
	return &Service{db: db, auditor: auditor, parentWeightKG: parentWeightKG}
}

// auditFailure records the rolled-back variant of a bill mutation so denied
// and failed attempts stay visible in the trail, correlated to the request.
func (s *Service) auditFailure(action, billID string, actorID int64, requestID, ip string, err error) {
	s.auditor.RecordAsync(audit.Event{
		ActorID: &actorID, Action: audit.Failed(action),
		TargetKind: "bill", TargetID: billID,
		IP: ip, RequestID: requestID,
		Detail: apperr.Message(err),
	})
}

// Create registers an empty bill requiring the given number of parents.
func (s *Service) Create(ctx context.Context, billID string, requiredCount int, actorID int64, requestID, ip string) (*Bill, error) {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return nil, err
	}
	if requiredCount < 1 {
		return nil, apperr.New(apperr.KindValidation, "parent_bag_count must be at least 1")
	}

	var bill *Bill
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO bills (bill_id, parent_bag_count, expected_weight_kg, created_by)
				VALUES ($1, $2, $2 * $3, $4)
				RETURNING `+billColumns,
				billID, requiredCount, s.parentWeightKG, actorID)
			b, err := scanBill(row)
			if apperr.Is(err, apperr.KindConflict) {
				return apperr.Newf(apperr.KindConflict, "bill %q already exists", billID)
			}
			if err != nil {
				return err
			}
			bill = b
			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBillCreate,
				TargetKind: "bill", TargetID: billID,
				IP: ip, RequestID: requestID,
				After: audit.Snapshot(b),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBillCreate, billID, actorID, requestID, ip, err)
		return nil, err
	}
	return bill, nil
}

// Attach binds a parent bag to the bill and recomputes weights and status
// atomically. A parent can sit on at most one open bill at a time.
func (s *Service) Attach(ctx context.Context, billID, parentQR string, actorID int64, requestID, ip string) (*Bill, error) {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return nil, err
	}
	parentQR, err = bags.NormalizeQR(parentQR)
	if err != nil {
		return nil, err
	}

	var bill *Bill
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			before, err := byBillIDForUpdate(ctx, tx, billID)
			if err != nil {
				return err
			}
			if before.Status == StatusCompleted {
				return apperr.Newf(apperr.KindConflict, "bill %q is completed and immutable", billID)
			}

			bag, err := bags.ByQRForUpdate(ctx, tx, parentQR)
			if err != nil {
				return err
			}
			if bag.Type != bags.TypeParent {
				return apperr.Newf(apperr.KindConflict, "bag %q is not a parent", parentQR)
			}

			// One open bill per parent.
			var otherBill string
			err = tx.QueryRowContext(ctx, `
				SELECT b.bill_id FROM bill_bags bb
				JOIN bills b ON b.id = bb.bill_id
				WHERE bb.bag_id = $1 AND b.status <> 'completed' AND b.id <> $2
				LIMIT 1`, bag.ID, before.ID).Scan(&otherBill)
			if err == nil {
				return &apperr.Error{
					Kind:   apperr.KindConflict,
					Msg:    fmt.Sprintf("parent %q is already on open bill %q", parentQR, otherBill),
					Detail: otherBill,
				}
			}
			if !apperr.Is(database.Classify(err), apperr.KindNotFound) {
				return database.Classify(err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO bill_bags (bill_id, bag_id) VALUES ($1, $2)`,
				before.ID, bag.ID); err != nil {
				cErr := database.Classify(err)
				if apperr.Is(cErr, apperr.KindConflict) {
					return apperr.Newf(apperr.KindConflict, "parent %q is already attached to bill %q", parentQR, billID)
				}
				return cErr
			}

			after, err := recomputeWeights(ctx, tx, before.ID, before.ParentBagCount, s.parentWeightKG)
			if err != nil {
				return err
			}
			if after.Attached > after.ParentBagCount {
				return apperr.Newf(apperr.KindConflict,
					"bill %q already has the required %d parents", billID, after.ParentBagCount)
			}
			bill = after

			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBillAttach,
				TargetKind: "bill", TargetID: billID,
				IP: ip, RequestID: requestID,
				Before: audit.Snapshot(before),
				After:  audit.Snapshot(map[string]interface{}{"bill": after, "parent": bag.QRID}),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBillAttach, billID, actorID, requestID, ip, err)
		return nil, err
	}
	return bill, nil
}

// Detach removes a parent from the bill and recomputes weights and status.
func (s *Service) Detach(ctx context.Context, billID, parentQR string, actorID int64, requestID, ip string) (*Bill, error) {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return nil, err
	}
	parentQR, err = bags.NormalizeQR(parentQR)
	if err != nil {
		return nil, err
	}

	var bill *Bill
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			before, err := byBillIDForUpdate(ctx, tx, billID)
			if err != nil {
				return err
			}
			if before.Status == StatusCompleted {
				return apperr.Newf(apperr.KindConflict, "bill %q is completed and immutable", billID)
			}

			res, err := tx.ExecContext(ctx, `
				DELETE FROM bill_bags USING bags
				WHERE bill_bags.bag_id = bags.id
				  AND bill_bags.bill_id = $1 AND bags.qr_id = $2`,
				before.ID, parentQR)
			if err != nil {
				return database.Classify(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.Newf(apperr.KindNotFound, "parent %q is not attached to bill %q", parentQR, billID)
			}

			after, err := recomputeWeights(ctx, tx, before.ID, before.ParentBagCount, s.parentWeightKG)
			if err != nil {
				return err
			}
			bill = after

			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBillDetach,
				TargetKind: "bill", TargetID: billID,
				IP: ip, RequestID: requestID,
				Before: audit.Snapshot(before),
				After:  audit.Snapshot(after),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBillDetach, billID, actorID, requestID, ip, err)
		return nil, err
	}
	return bill, nil
}

// Finalize completes a bill once attached equals required. Over-attachment
// is reported precisely for manual reconciliation.
func (s *Service) Finalize(ctx context.Context, billID string, actorID int64, requestID, ip string) (*Bill, error) {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return nil, err
	}

	var bill *Bill
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			before, err := byBillIDForUpdate(ctx, tx, billID)
			if err != nil {
				return err
			}
			if before.Status == StatusCompleted {
				return apperr.Newf(apperr.KindConflict, "bill %q is already completed", billID)
			}
			attached, err := attachedCount(ctx, tx, before.ID)
			if err != nil {
				return err
			}
			switch {
			case attached < before.ParentBagCount:
				return apperr.Newf(apperr.KindConflict,
					"bill %q has %d of %d required parents", billID, attached, before.ParentBagCount)
			case attached > before.ParentBagCount:
				return apperr.Newf(apperr.KindConflict,
					"bill %q has %d parents but requires %d; detach the surplus and reconcile manually",
					billID, attached, before.ParentBagCount)
			}

			after, err := recomputeWeights(ctx, tx, before.ID, before.ParentBagCount, s.parentWeightKG)
			if err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx, `
				UPDATE bills SET status = 'completed' WHERE id = $1
				RETURNING `+billColumns, before.ID)
			final, err := scanBill(row)
			if err != nil {
				return err
			}
			final.Attached = after.Attached
			bill = final

			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBillFinalize,
				TargetKind: "bill", TargetID: billID,
				IP: ip, RequestID: requestID,
				Before: audit.Snapshot(before),
				After:  audit.Snapshot(final),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBillFinalize, billID, actorID, requestID, ip, err)
		return nil, err
	}
	return bill, nil
}

// Delete removes a completed or abandoned bill and its attachments in one
// transaction. Admin only; the handler enforces the role.
func (s *Service) Delete(ctx context.Context, billID string, actorID int64, requestID, ip string) error {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return err
	}
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			bill, err := byBillIDForUpdate(ctx, tx, billID)
			if err != nil {
				return err
			}
			parents, err := attachedParents(ctx, tx, bill.ID, s.parentWeightKG)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM bill_bags WHERE bill_id = $1`, bill.ID); err != nil {
				return database.Classify(err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM bills WHERE id = $1`, bill.ID); err != nil {
				return database.Classify(err)
			}
			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBillDelete,
				TargetKind: "bill", TargetID: billID,
				IP: ip, RequestID: requestID,
				Before: audit.Snapshot(Detail{Bill: *bill, Parents: parents}),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBillDelete, billID, actorID, requestID, ip, err)
	}
	return err
}

// Get returns the bill with attached parents and their contributions.
func (s *Service) Get(ctx context.Context, billID string) (*Detail, error) {
	billID, err := NormalizeBillID(billID)
	if err != nil {
		return nil, err
	}
	var detail *Detail
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.SQL().QueryRowContext(ctx,
			`SELECT `+billColumns+` FROM bills WHERE bill_id = $1`, billID)
		bill, err := scanBill(row)
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Newf(apperr.KindNotFound, "bill %q not found", billID)
		}
		if err != nil {
			return err
		}
		parents, err := attachedParents(ctx, s.db.SQL(), bill.ID, s.parentWeightKG)
		if err != nil {
			return err
		}
		bill.Attached = len(parents)
		bill.Finalizable = bill.Attached == bill.ParentBagCount && bill.Status != StatusCompleted
		detail = &Detail{Bill: *bill, Parents: parents}
		return nil
	})
	return detail, err
}

// List pages through bills, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Bill, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Bill
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.SQL().QueryContext(ctx, `
			SELECT `+billColumns+`, (SELECT COUNT(*) FROM bill_bags bb WHERE bb.bill_id = bills.id)
			FROM bills ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return database.Classify(err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var b Bill
			var by sql.NullInt64
			if err := rows.Scan(&b.ID, &b.BillID, &b.ParentBagCount, &b.TotalWeight,
				&b.ExpectedWeight, &b.Status, &by, &b.CreatedAt, &b.Attached); err != nil {
				return database.Classify(err)
			}
			if by.Valid {
				b.CreatedBy = &by.Int64
			}
			b.Finalizable = b.Attached == b.ParentBagCount && b.Status != StatusCompleted
			out = append(out, b)
		}
		return database.Classify(rows.Err())
	})
	return out, err
}

func attachedParents(ctx context.Context, q bags.Querier, billPK int64, capKG float64) ([]AttachedParent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT b.qr_id, COALESCE(c.cnt, 0), bb.attached_at
		FROM bill_bags bb
		JOIN bags b ON b.id = bb.bag_id
		LEFT JOIN (
			SELECT parent_id, COUNT(*) AS cnt FROM links GROUP BY parent_id
		) c ON c.parent_id = bb.bag_id
		WHERE bb.bill_id = $1
		ORDER BY bb.attached_at`, billPK)
	if err != nil {
		return nil, database.Classify(err)
	}
	defer rows.Close()
	var out []AttachedParent
	for rows.Next() {
		var p AttachedParent
		if err := rows.Scan(&p.QRID, &p.ChildCount, &p.AttachedAt); err != nil {
			return nil, database.Classify(err)
		}
		p.WeightKG = WeightContribution(p.ChildCount, capKG)
		out = append(out, p)
	}
	return out, database.Classify(rows.Err())
}
