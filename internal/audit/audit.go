// Package audit records an append-only trail of every mutation, with
// before/after snapshots and the request correlation id.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tracetrack/backend/internal/database"
)

// Well-known actions. Failed variants are derived with Failed().
const (
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionRegister       = "USER_REGISTER"
	ActionPasswordChange = "PASSWORD_CHANGE"
	ActionRoleChange     = "ROLE_CHANGE"
	Action2FAEnable      = "2FA_ENABLE"
	Action2FADisable     = "2FA_DISABLE"
	ActionBagCreate      = "BAG_CREATE"
	ActionBagDelete      = "BAG_DELETE"
	ActionLinkCreate     = "LINK_CREATE"
	ActionLinkDelete     = "LINK_DELETE"
	ActionScanCommit     = "SCAN_COMMIT"
	ActionBillCreate     = "BILL_CREATE"
	ActionBillAttach     = "BILL_ATTACH"
	ActionBillDetach     = "BILL_DETACH"
	ActionBillFinalize   = "BILL_FINALIZE"
	ActionBillDelete     = "BILL_DELETE"
)

// Failed derives the rollback/denial variant of an action.
func Failed(action string) string { return action + "_FAILED" }

// Event is one audit row.
type Event struct {
	ActorID    *int64
	Action     string
	TargetKind string
	TargetID   string
	IP         string
	RequestID  string
	Before     string
	After      string
	Detail     string
}

// Snapshot serializes v for a before/after column. Serialization failures
// degrade to a marker string rather than blocking the mutation.
func Snapshot(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return `{"_snapshot_error":true}`
	}
	return string(data)
}

// Recorder writes audit rows. Security-critical callers use Record
// (synchronous); the rest use RecordAsync, which buffers through a single
// writer goroutine so the hot path never waits on the audit insert.
type Recorder struct {
	db    *database.DB
	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

const asyncBuffer = 1024

func NewRecorder(db *database.DB) *Recorder {
	r := &Recorder{
		db:    db,
		queue: make(chan Event, asyncBuffer),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

const insertSQL = `
	INSERT INTO audit_log (actor_id, action, target_kind, target_id, ip,
		request_id, before_state, after_state, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Record writes the event synchronously.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	_, err := r.db.SQL().ExecContext(ctx, insertSQL,
		e.ActorID, e.Action, nullable(e.TargetKind), nullable(e.TargetID),
		nullable(e.IP), nullable(e.RequestID), nullable(e.Before),
		nullable(e.After), nullable(e.Detail))
	if err != nil {
		slog.Error("[audit] synchronous write failed", "action", e.Action, "error", err)
	}
	return database.Classify(err)
}

// RecordTx writes the event inside the caller's transaction so the audit
// row commits or rolls back with the mutation it describes.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, insertSQL,
		e.ActorID, e.Action, nullable(e.TargetKind), nullable(e.TargetID),
		nullable(e.IP), nullable(e.RequestID), nullable(e.Before),
		nullable(e.After), nullable(e.Detail))
	return database.Classify(err)
}

// RecordAsync enqueues the event for the background writer. When the buffer
// is full the event is written inline instead of being dropped.
func (r *Recorder) RecordAsync(e Event) {
	select {
	case r.queue <- e:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Record(ctx, e)
	}
}

// Close flushes the queue and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.Record(ctx, e)
		cancel()
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
