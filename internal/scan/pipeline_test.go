package scan

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/auth"
	"github.com/tracetrack/backend/internal/database"
)

func mockPipeline(t *testing.T) (*Pipeline, sqlmock.Sqlmock, BufferStore) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	buffers := NewMemoryBufferStore(time.Minute)
	t.Cleanup(buffers.Close)
	p := NewPipeline(database.FromSQL(raw), buffers, nil)
	t.Cleanup(p.Close)
	return p, mock, buffers
}

// Rescanning a staged child writes a second scan row but leaves the buffer
// membership, and therefore the count, unchanged.
func TestScanChildRepeatSuppressed(t *testing.T) {
	p, mock, buffers := mockPipeline(t)
	ctx := context.Background()
	sess := &auth.Session{Token: "tok", UserID: 7, Username: "ops"}

	require.NoError(t, buffers.Put(ctx, sess.Token,
		&Buffer{ParentQR: "P1", ParentID: 1, StartedAt: time.Now()}))

	bagCols := []string{"id", "qr_id", "type", "owner_id", "notes", "created_at"}

	// First scan: the child does not exist yet and is created.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM bags WHERE qr_id`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO bags`).
		WillReturnRows(sqlmock.NewRows(bagCols).AddRow(2, "C1", "child", 7, nil, time.Now()))
	mock.ExpectExec(`INSERT INTO scans`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Repeat: the bag resolves, another scan row is written for the trail.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM bags WHERE qr_id`).
		WillReturnRows(sqlmock.NewRows(bagCols).AddRow(2, "C1", "child", 7, nil, time.Now()))
	mock.ExpectExec(`INSERT INTO scans`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	first, err := p.ScanChild(ctx, sess, "C1")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.Suppressed)
	assert.Equal(t, 1, first.Count)

	second, err := p.ScanChild(ctx, sess, "C1")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.Suppressed)
	assert.Equal(t, 1, second.Count)

	buf, err := buffers.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, buf.QRs())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepLocksEvictsIdleSessions(t *testing.T) {
	p := NewPipeline(nil, nil, nil)
	defer p.Close()

	p.sessionLock("stale")
	busy := p.sessionLock("busy")
	busy.Lock()
	defer busy.Unlock()

	past := time.Now().Add(-2 * lockIdleTTL)
	p.mu.Lock()
	p.locks["stale"].lastUsed = past
	p.locks["busy"].lastUsed = past
	p.mu.Unlock()

	p.sweepLocks(time.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotContains(t, p.locks, "stale")
	assert.Contains(t, p.locks, "busy") // a held mutex is never evicted
}

func TestSweepLocksKeepsActiveSessions(t *testing.T) {
	p := NewPipeline(nil, nil, nil)
	defer p.Close()

	p.sessionLock("fresh")
	p.sweepLocks(time.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Contains(t, p.locks, "fresh")
}
