// Package scan implements the hot-path scan pipeline: the per-session
// parent/child state machine, the staging buffer for scanned children, and
// the atomic commit that turns a buffer into link rows.
package scan

import (
	"context"
	"time"
)

// DefaultBufferTTL bounds how long an abandoned buffer survives before the
// store evicts it.
const DefaultBufferTTL = 30 * time.Minute

// ChildEntry is one staged child scan.
type ChildEntry struct {
	QR        string    `json:"qr"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Buffer is the server-side staging area for one session's current parent.
// It exists from scan_parent until finish_scanning or TTL expiry.
type Buffer struct {
	ParentQR  string       `json:"parent_qr"`
	ParentID  int64        `json:"parent_id"`
	Children  []ChildEntry `json:"children"`
	StartedAt time.Time    `json:"started_at"`
}

// Contains reports whether qr is already staged, and when it was last seen.
func (b *Buffer) Contains(qr string) (time.Time, bool) {
	for i := range b.Children {
		if b.Children[i].QR == qr {
			return b.Children[i].ScannedAt, true
		}
	}
	return time.Time{}, false
}

// Touch refreshes the staged entry's last-seen time (for the double-scan
// window) without changing buffer membership.
func (b *Buffer) Touch(qr string, at time.Time) {
	for i := range b.Children {
		if b.Children[i].QR == qr {
			b.Children[i].ScannedAt = at
			return
		}
	}
}

// QRs returns the staged child qr ids in scan order.
func (b *Buffer) QRs() []string {
	out := make([]string, len(b.Children))
	for i := range b.Children {
		out[i] = b.Children[i].QR
	}
	return out
}

// BufferStore persists scan buffers keyed by session token. Implementations
// mirror the session store: in-process map or Redis.
type BufferStore interface {
	Get(ctx context.Context, sessionToken string) (*Buffer, error)
	Put(ctx context.Context, sessionToken string, b *Buffer) error
	Delete(ctx context.Context, sessionToken string) error
	Count(ctx context.Context) (int, error)
}
