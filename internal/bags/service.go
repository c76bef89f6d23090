package bags

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/database"
)

// Service exposes the bag/link operations with audit logging. Mutations run
// inside transactions; uniqueness races surface as KindConflict and are
// never silently absorbed.
type Service struct {
	db      *database.DB
	auditor *audit.Recorder
}

func NewService(db *database.DB, auditor *audit.Recorder) *Service {
	return &Service{db: db, auditor: auditor}
}

// Create registers a bag of the given type.
func (s *Service) Create(ctx context.Context, qr string, typ BagType, ownerID *int64, notes, requestID, ip string) (*Bag, error) {
	qr, err := NormalizeQR(qr)
	if err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, apperr.New(apperr.KindValidation, "type must be parent or child")
	}
	var bag *Bag
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		bag, err = Insert(ctx, s.db.SQL(), qr, typ, ownerID, notes)
		return err
	})
	if err != nil {
		s.auditFailure(audit.ActionBagCreate, "bag", qr, ownerID, requestID, ip, err)
		return nil, err
	}
	s.auditor.RecordAsync(audit.Event{
		ActorID: ownerID, Action: audit.ActionBagCreate,
		TargetKind: "bag", TargetID: bag.QRID,
		IP: ip, RequestID: requestID,
		After: audit.Snapshot(bag),
	})
	return bag, nil
}

// Get returns the bag with its linked peers.
func (s *Service) Get(ctx context.Context, qr string) (*Detail, error) {
	qr, err := NormalizeQR(qr)
	if err != nil {
		return nil, err
	}
	var detail *Detail
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		bag, err := ByQR(ctx, s.db.SQL(), qr)
		if err != nil {
			return err
		}
		d := &Detail{Bag: *bag}
		switch bag.Type {
		case TypeParent:
			if d.Children, err = ChildrenOf(ctx, s.db.SQL(), bag.ID); err != nil {
				return err
			}
		case TypeChild:
			if d.Parent, err = ParentOf(ctx, s.db.SQL(), bag.ID); err != nil {
				return err
			}
		}
		detail = d
		return nil
	})
	return detail, err
}

// ListFilter narrows List results.
type ListFilter struct {
	Type    BagType // empty for both
	OwnerID *int64  // non-nil restricts to one owner
	Limit   int
	Offset  int
}

// List pages through live bags, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Bag, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT ` + bagColumns + ` FROM bags WHERE deleted_at IS NULL`
	args := []interface{}{}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.OwnerID != nil {
		args = append(args, *f.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var out []Bag
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.SQL().QueryContext(ctx, query, args...)
		if err != nil {
			return database.Classify(err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			b, err := scanBag(rows)
			if err != nil {
				return err
			}
			out = append(out, *b)
		}
		return database.Classify(rows.Err())
	})
	return out, err
}

// CreateLink links an existing child under an existing parent. Fails when
// either bag is missing, types mismatch, or the child is linked elsewhere.
func (s *Service) CreateLink(ctx context.Context, parentQR, childQR string, actorID int64, requestID, ip string) (*Link, error) {
	parentQR, err := NormalizeQR(parentQR)
	if err != nil {
		return nil, err
	}
	childQR, err = NormalizeQR(childQR)
	if err != nil {
		return nil, err
	}

	var link *Link
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			parent, err := ByQRForUpdate(ctx, tx, parentQR)
			if err != nil {
				return err
			}
			if parent.Type != TypeParent {
				return apperr.Newf(apperr.KindConflict, "bag %q is not a parent", parentQR)
			}
			child, err := ByQRForUpdate(ctx, tx, childQR)
			if err != nil {
				return err
			}
			if child.Type != TypeChild {
				return apperr.Newf(apperr.KindConflict, "bag %q is not a child", childQR)
			}
			if existing, err := ParentOf(ctx, tx, child.ID); err != nil {
				return err
			} else if existing != nil {
				return &apperr.Error{
					Kind:   apperr.KindConflict,
					Msg:    fmt.Sprintf("child %q is already linked to parent %q", childQR, existing.QRID),
					Detail: existing.QRID,
				}
			}
			link, err = InsertLink(ctx, tx, parent.ID, child.ID, &actorID)
			if err != nil {
				return err
			}
			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionLinkCreate,
				TargetKind: "link",
				TargetID:   parentQR + "->" + childQR,
				IP:         ip,
				RequestID:  requestID,
				After:      audit.Snapshot(link),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionLinkCreate, "link", parentQR+"->"+childQR, &actorID, requestID, ip, err)
		return nil, err
	}
	return link, nil
}

// RemoveLink deletes the link between the two bags; the bag rows persist.
func (s *Service) RemoveLink(ctx context.Context, parentQR, childQR string, actorID int64, requestID, ip string) error {
	parentQR, err := NormalizeQR(parentQR)
	if err != nil {
		return err
	}
	childQR, err = NormalizeQR(childQR)
	if err != nil {
		return err
	}
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM links USING bags p, bags c
				WHERE links.parent_id = p.id AND links.child_id = c.id
				  AND p.qr_id = $1 AND c.qr_id = $2
				  AND p.deleted_at IS NULL AND c.deleted_at IS NULL`,
				parentQR, childQR)
			if err != nil {
				return database.Classify(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.Newf(apperr.KindNotFound, "no link between %q and %q", parentQR, childQR)
			}
			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionLinkDelete,
				TargetKind: "link",
				TargetID:   parentQR + "->" + childQR,
				IP:         ip,
				RequestID:  requestID,
				Before:     audit.Snapshot(map[string]string{"parent": parentQR, "child": childQR}),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionLinkDelete, "link", parentQR+"->"+childQR, &actorID, requestID, ip, err)
	}
	return err
}

// Delete soft-deletes a bag. A parent with outgoing links requires
// cascade=true, which removes the links in the same transaction. A child's
// inbound link is removed either way. Before/after snapshots of the
// affected graph go to the audit log.
func (s *Service) Delete(ctx context.Context, qr string, cascade bool, actorID int64, requestID, ip string) error {
	qr, err := NormalizeQR(qr)
	if err != nil {
		return err
	}
	err = s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			bag, err := ByQRForUpdate(ctx, tx, qr)
			if err != nil {
				return err
			}

			before := map[string]interface{}{"bag": bag}
			switch bag.Type {
			case TypeParent:
				children, err := ChildrenOf(ctx, tx, bag.ID)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					if !cascade {
						return apperr.Newf(apperr.KindConflict,
							"parent %q still has %d linked children; unlink first or pass cascade", qr, len(children))
					}
					before["children"] = children
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM links WHERE parent_id = $1`, bag.ID); err != nil {
						return database.Classify(err)
					}
				}
			case TypeChild:
				parent, err := ParentOf(ctx, tx, bag.ID)
				if err != nil {
					return err
				}
				if parent != nil {
					before["parent"] = parent
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM links WHERE child_id = $1`, bag.ID); err != nil {
						return database.Classify(err)
					}
				}
			}

			// Soft delete: history (scans, audit) keeps referencing the row.
			if _, err := tx.ExecContext(ctx,
				`UPDATE bags SET deleted_at = now() WHERE id = $1`, bag.ID); err != nil {
				return database.Classify(err)
			}

			return s.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &actorID, Action: audit.ActionBagDelete,
				TargetKind: "bag", TargetID: qr,
				IP: ip, RequestID: requestID,
				Before: audit.Snapshot(before),
				After:  audit.Snapshot(map[string]interface{}{"deleted_at": time.Now()}),
			})
		})
	})
	if err != nil {
		s.auditFailure(audit.ActionBagDelete, "bag", qr, &actorID, requestID, ip, err)
	}
	return err
}

// auditFailure records the rolled-back variant of a mutation so denied and
// failed attempts stay visible in the trail, correlated to the request.
func (s *Service) auditFailure(action, targetKind, targetID string, actorID *int64, requestID, ip string, err error) {
	s.auditor.RecordAsync(audit.Event{
		ActorID: actorID, Action: audit.Failed(action),
		TargetKind: targetKind, TargetID: targetID,
		IP: ip, RequestID: requestID,
		Detail: apperr.Message(err),
	})
}
