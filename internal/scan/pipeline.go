package scan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/audit"
	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/bags"
	"github.com/tracetrack/backend/internal/database"
)

// doubleScanWindow classifies a repeat of the same child qr as scanner
// noise rather than operator intent.
const doubleScanWindow = 200 * time.Millisecond

// ParentResult is the response of scan_parent.
type ParentResult struct {
	QRID           string `json:"qr_id"`
	Created        bool   `json:"created"`
	ChildCount     int    `json:"child_count"`
	DiscardedPrior int    `json:"discarded_prior,omitempty"`
}

// ChildResult is the response of scan_child.
type ChildResult struct {
	QRID       string `json:"qr_id"`
	Created    bool   `json:"created"`
	Count      int    `json:"count"`
	Suppressed bool   `json:"suppressed,omitempty"`
}

// FinishResult is the response of finish_scanning.
type FinishResult struct {
	ParentQR string `json:"parent_qr"`
	Linked   int    `json:"linked"`
}

// Pipeline is the scan hot path. Calls from the same session serialize on a
// per-session mutex; sessions are independent of each other. The mutex is
// never held across work for another session or an unrelated write.
type Pipeline struct {
	db      *database.DB
	buffers BufferStore
	auditor *audit.Recorder

	mu    sync.Mutex
	locks map[string]*sessionMutex

	done      chan struct{}
	closeOnce sync.Once

	// onScan fires after each committed scan row; the stats layer uses it
	// to invalidate per-user caches and push dashboard updates.
	onScan func(userID int64)
}

// sessionMutex is one session's serialization point. lastUsed is guarded by
// Pipeline.mu and drives eviction of abandoned sessions.
type sessionMutex struct {
	sync.Mutex
	lastUsed time.Time
}

// Mutexes for sessions that never call Finish are evicted once their buffer
// TTL has passed, on the janitor's cadence.
const (
	lockIdleTTL       = DefaultBufferTTL
	lockSweepInterval = 5 * time.Minute
)

func NewPipeline(db *database.DB, buffers BufferStore, auditor *audit.Recorder) *Pipeline {
	p := &Pipeline{
		db:      db,
		buffers: buffers,
		auditor: auditor,
		locks:   make(map[string]*sessionMutex),
		done:    make(chan struct{}),
	}
	go p.lockJanitor()
	return p
}

// Close stops the lock janitor.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// OnScan registers the post-scan notification hook.
func (p *Pipeline) OnScan(fn func(userID int64)) { p.onScan = fn }

func (p *Pipeline) sessionLock(token string) *sessionMutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[token]
	if !ok {
		l = &sessionMutex{}
		p.locks[token] = l
	}
	l.lastUsed = time.Now()
	return l
}

func (p *Pipeline) dropSessionLock(token string) {
	p.mu.Lock()
	delete(p.locks, token)
	p.mu.Unlock()
}

func (p *Pipeline) lockJanitor() {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepLocks(time.Now())
		}
	}
}

// sweepLocks drops mutexes idle past the TTL. TryLock skips sessions with a
// call in flight; a mutex handed out moments ago has a fresh lastUsed and is
// never swept.
func (p *Pipeline) sweepLocks(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, l := range p.locks {
		if now.Sub(l.lastUsed) < lockIdleTTL {
			continue
		}
		if l.TryLock() {
			delete(p.locks, token)
			l.Unlock()
		}
	}
}

// ScanParent registers (or creates) a parent bag, records the scan, and
// opens a fresh buffer for the session. A prior unfinished buffer is
// discarded with a warning count in the result.
func (p *Pipeline) ScanParent(ctx context.Context, sess *auth.Session, qr string) (*ParentResult, error) {
	started := time.Now()
	qr, err := bags.NormalizeQR(qr)
	if err != nil {
		return nil, err
	}

	lock := p.sessionLock(sess.Token)
	lock.Lock()
	defer lock.Unlock()

	prior, err := p.buffers.Get(ctx, sess.Token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}

	res := &ParentResult{QRID: qr}
	var parent *bags.Bag
	err = p.db.WithRetry(ctx, func(ctx context.Context) error {
		return p.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			b, err := bags.ByQRForUpdate(ctx, tx, qr)
			switch {
			case apperr.Is(err, apperr.KindNotFound):
				b, err = bags.Insert(ctx, tx, qr, bags.TypeParent, &sess.UserID, "")
				if err != nil {
					return err
				}
				res.Created = true
			case err != nil:
				return err
			case b.Type != bags.TypeParent:
				return apperr.Newf(apperr.KindConflict, "bag %q is registered as a child", qr)
			}
			parent = b
			if res.ChildCount, err = bags.ChildCount(ctx, tx, b.ID); err != nil {
				return err
			}
			return insertScanRow(ctx, tx, sess.UserID, &b.ID, nil, started)
		})
	})
	if err != nil {
		return nil, err
	}

	if prior != nil && len(prior.Children) > 0 {
		res.DiscardedPrior = len(prior.Children)
		slog.Warn("[scan] replacing unfinished buffer",
			"user", sess.Username, "prior_parent", prior.ParentQR, "discarded", res.DiscardedPrior)
	}

	buf := &Buffer{ParentQR: qr, ParentID: parent.ID, StartedAt: time.Now()}
	if err := p.buffers.Put(ctx, sess.Token, buf); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}

	p.notify(sess.UserID)
	return res, nil
}

// ScanChild stages a child under the session's current parent. The scan row
// is written every time for audit completeness; buffer membership and the
// 200ms double-scan window drive suppression.
func (p *Pipeline) ScanChild(ctx context.Context, sess *auth.Session, qr string) (*ChildResult, error) {
	started := time.Now()
	qr, err := bags.NormalizeQR(qr)
	if err != nil {
		return nil, err
	}

	lock := p.sessionLock(sess.Token)
	lock.Lock()
	defer lock.Unlock()

	buf, err := p.buffers.Get(ctx, sess.Token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}
	if buf == nil {
		return nil, apperr.New(apperr.KindConflict, "no parent scanned; scan a parent bag first")
	}
	if qr == buf.ParentQR {
		return nil, apperr.Newf(apperr.KindConflict, "bag %q is the current parent", qr)
	}

	res := &ChildResult{QRID: qr}
	err = p.db.WithRetry(ctx, func(ctx context.Context) error {
		return p.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			b, err := bags.ByQR(ctx, tx, qr)
			switch {
			case apperr.Is(err, apperr.KindNotFound):
				b, err = bags.Insert(ctx, tx, qr, bags.TypeChild, &sess.UserID, "")
				if err != nil {
					return err
				}
				res.Created = true
			case err != nil:
				return err
			case b.Type != bags.TypeChild:
				return apperr.Newf(apperr.KindConflict, "bag %q is registered as a parent", qr)
			}
			return insertScanRow(ctx, tx, sess.UserID, nil, &b.ID, started)
		})
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if lastSeen, ok := buf.Contains(qr); ok {
		res.Suppressed = true
		if now.Sub(lastSeen) <= doubleScanWindow {
			slog.Debug("[scan] double-scan suppressed", "qr", qr, "user", sess.Username)
		}
		buf.Touch(qr, now)
	} else {
		buf.Children = append(buf.Children, ChildEntry{QR: qr, ScannedAt: now})
	}
	res.Count = len(buf.Children)

	if err := p.buffers.Put(ctx, sess.Token, buf); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}

	p.notify(sess.UserID)
	return res, nil
}

// Finish commits the session's buffer: inside one transaction every staged
// child gets a link row under the buffer's parent, unless any child is
// already linked elsewhere, in which case the whole batch aborts naming the
// conflicting parent. One audit row summarizes the batch.
func (p *Pipeline) Finish(ctx context.Context, sess *auth.Session, requestID, ip string) (*FinishResult, error) {
	lock := p.sessionLock(sess.Token)
	lock.Lock()
	defer lock.Unlock()

	buf, err := p.buffers.Get(ctx, sess.Token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}
	if buf == nil {
		return nil, apperr.New(apperr.KindConflict, "no scanning session in progress")
	}

	res := &FinishResult{ParentQR: buf.ParentQR}
	err = p.db.WithRetry(ctx, func(ctx context.Context) error {
		return p.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			// Lock the parent row first so concurrent finishes against the
			// same parent serialize in a fixed order.
			parent, err := bags.ByQRForUpdate(ctx, tx, buf.ParentQR)
			if err != nil {
				return err
			}
			linked := 0
			for _, childQR := range buf.QRs() {
				child, err := bags.ByQR(ctx, tx, childQR)
				if err != nil {
					return err
				}
				existing, err := bags.ParentOf(ctx, tx, child.ID)
				if err != nil {
					return err
				}
				if existing != nil {
					return &apperr.Error{
						Kind:   apperr.KindConflict,
						Msg:    fmt.Sprintf("child %q is already linked to parent %q", childQR, existing.QRID),
						Detail: existing.QRID,
					}
				}
				if _, err := bags.InsertLink(ctx, tx, parent.ID, child.ID, &sess.UserID); err != nil {
					return err
				}
				linked++
			}
			res.Linked = linked
			return p.auditor.RecordTx(ctx, tx, audit.Event{
				ActorID: &sess.UserID, Action: audit.ActionScanCommit,
				TargetKind: "bag", TargetID: buf.ParentQR,
				IP: ip, RequestID: requestID,
				After: audit.Snapshot(map[string]interface{}{
					"parent":   buf.ParentQR,
					"children": buf.QRs(),
				}),
				Detail: fmt.Sprintf("linked %d children", linked),
			})
		})
	})
	if err != nil {
		p.auditor.RecordAsync(audit.Event{
			ActorID: &sess.UserID, Action: audit.Failed(audit.ActionScanCommit),
			TargetKind: "bag", TargetID: buf.ParentQR,
			IP: ip, RequestID: requestID,
			Detail: apperr.Message(err),
		})
		return nil, err
	}

	if err := p.buffers.Delete(ctx, sess.Token); err != nil {
		slog.Warn("[scan] buffer cleanup failed", "error", err)
	}
	p.dropSessionLock(sess.Token)
	p.notify(sess.UserID)
	return res, nil
}

// Recent returns the caller's latest scans.
func (p *Pipeline) Recent(ctx context.Context, userID int64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Record
	err := p.db.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := p.db.SQL().QueryContext(ctx, `
			SELECT s.id, s.scanned_at, s.elapsed_ms,
			       pb.qr_id, cb.qr_id
			FROM scans s
			LEFT JOIN bags pb ON pb.id = s.parent_bag_id
			LEFT JOIN bags cb ON cb.id = s.child_bag_id
			WHERE s.user_id = $1
			ORDER BY s.scanned_at DESC
			LIMIT $2`, userID, limit)
		if err != nil {
			return database.Classify(err)
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r Record
			var parentQR, childQR sql.NullString
			if err := rows.Scan(&r.ID, &r.ScannedAt, &r.ElapsedMS, &parentQR, &childQR); err != nil {
				return database.Classify(err)
			}
			r.ParentQR = parentQR.String
			r.ChildQR = childQR.String
			out = append(out, r)
		}
		return database.Classify(rows.Err())
	})
	return out, err
}

// Record is a historical scan row for the recent-scans listing.
type Record struct {
	ID        int64     `json:"id"`
	ParentQR  string    `json:"parent_qr,omitempty"`
	ChildQR   string    `json:"child_qr,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

// BufferFor exposes the session's current buffer for status displays.
func (p *Pipeline) BufferFor(ctx context.Context, sess *auth.Session) (*Buffer, error) {
	buf, err := p.buffers.Get(ctx, sess.Token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "scan buffer unavailable", err)
	}
	return buf, nil
}

// Buffers exposes the store for health reporting.
func (p *Pipeline) Buffers() BufferStore { return p.buffers }

func (p *Pipeline) notify(userID int64) {
	if p.onScan != nil {
		p.onScan(userID)
	}
}

func insertScanRow(ctx context.Context, tx *sql.Tx, userID int64, parentID, childID *int64, started time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scans (user_id, parent_bag_id, child_bag_id, elapsed_ms)
		VALUES ($1, $2, $3, $4)`,
		userID, parentID, childID, float64(time.Since(started).Microseconds())/1000.0)
	return database.Classify(err)
}
