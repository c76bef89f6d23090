// Package stats serves dashboard counters. The global counters live in a
// single denormalized row maintained by database triggers; reads are one
// row fetch. A background reconciler recomputes the row from the
// authoritative tables to correct trigger drift. Per-user derived numbers
// are computed on demand behind a short TTL cache.
package stats

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tracetrack/backend/internal/database"
)

// ReconcileInterval is how often the counters are recomputed from scratch.
const ReconcileInterval = 5 * time.Minute

// userCacheTTL bounds staleness of per-user derived statistics.
const userCacheTTL = 30 * time.Second

// Snapshot is the single statistics row.
type Snapshot struct {
	TotalBags        int64     `json:"total_bags"`
	ParentBags       int64     `json:"parent_bags"`
	ChildBags        int64     `json:"child_bags"`
	TotalLinks       int64     `json:"total_links"`
	TotalScans       int64     `json:"total_scans"`
	ScansToday       int64     `json:"scans_today"`
	ScansThisHour    int64     `json:"scans_this_hour"`
	ActiveUsersToday int64     `json:"active_users_today"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserStats are per-user derived numbers for the dashboard.
type UserStats struct {
	ScansToday int64     `json:"scans_today"`
	ScansTotal int64     `json:"scans_total"`
	OwnedBags  int64     `json:"owned_bags"`
	ComputedAt time.Time `json:"computed_at"`
}

// Service reads the cache row and maintains the per-user cache.
type Service struct {
	db *database.DB

	mu        sync.RWMutex
	userCache map[int64]*UserStats
	group     singleflight.Group

	// onUpdate is invoked with a fresh snapshot after reconciliation and
	// after scan-driven invalidation; the websocket hub subscribes here.
	onUpdate func(Snapshot)

	done chan struct{}
	once sync.Once
}

func NewService(db *database.DB) *Service {
	return &Service{
		db:        db,
		userCache: make(map[int64]*UserStats),
		done:      make(chan struct{}),
	}
}

// OnUpdate registers the push hook for dashboard streaming.
func (s *Service) OnUpdate(fn func(Snapshot)) { s.onUpdate = fn }

// Global reads the statistics row. O(1): one row, no joins, no locks.
func (s *Service) Global(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.SQL().QueryRowContext(ctx, `
			SELECT total_bags, parent_bags, child_bags, total_links,
			       total_scans, scans_today, scans_this_hour,
			       active_users_today, updated_at
			FROM statistics_cache WHERE id = 1`)
		return database.Classify(row.Scan(
			&snap.TotalBags, &snap.ParentBags, &snap.ChildBags, &snap.TotalLinks,
			&snap.TotalScans, &snap.ScansToday, &snap.ScansThisHour,
			&snap.ActiveUsersToday, &snap.UpdatedAt))
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ForUser computes the caller's derived statistics, serving from the TTL
// cache when fresh. Concurrent misses for the same user collapse into one
// query via singleflight.
func (s *Service) ForUser(ctx context.Context, userID int64) (*UserStats, error) {
	s.mu.RLock()
	cached, ok := s.userCache[userID]
	s.mu.RUnlock()
	if ok && time.Since(cached.ComputedAt) < userCacheTTL {
		return cached, nil
	}

	v, err, _ := s.group.Do(userKey(userID), func() (interface{}, error) {
		var us UserStats
		err := s.db.WithRetry(ctx, func(ctx context.Context) error {
			row := s.db.SQL().QueryRowContext(ctx, `
				SELECT
					(SELECT COUNT(*) FROM scans WHERE user_id = $1 AND scanned_at::date = now()::date),
					(SELECT COUNT(*) FROM scans WHERE user_id = $1),
					(SELECT COUNT(*) FROM bags WHERE owner_id = $1 AND deleted_at IS NULL)`,
				userID)
			return database.Classify(row.Scan(&us.ScansToday, &us.ScansTotal, &us.OwnedBags))
		})
		if err != nil {
			return nil, err
		}
		us.ComputedAt = time.Now()
		s.mu.Lock()
		s.userCache[userID] = &us
		s.mu.Unlock()
		return &us, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserStats), nil
}

// InvalidateUser drops the user's cached numbers; the scan pipeline calls
// this on every committed scan.
func (s *Service) InvalidateUser(userID int64) {
	s.mu.Lock()
	delete(s.userCache, userID)
	s.mu.Unlock()
}

// NotifyMutation pushes a fresh snapshot to subscribers, best effort. The
// read is cheap so the scan hot path can afford it asynchronously.
func (s *Service) NotifyMutation() {
	if s.onUpdate == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if snap, err := s.Global(ctx); err == nil {
			s.onUpdate(*snap)
		}
	}()
}

// StartReconciler launches the periodic recomputation loop.
func (s *Service) StartReconciler(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.Reconcile(ctx); err != nil {
					slog.Error("[stats] reconciliation failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the reconciler.
func (s *Service) Close() {
	s.once.Do(func() { close(s.done) })
}

// Reconcile recomputes every counter from the authoritative tables and
// replaces the row in one transaction, correcting drift from failed
// triggers or bulk imports.
func (s *Service) Reconcile(ctx context.Context) error {
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE statistics_cache SET
					total_bags  = (SELECT COUNT(*) FROM bags WHERE deleted_at IS NULL),
					parent_bags = (SELECT COUNT(*) FROM bags WHERE type = 'parent' AND deleted_at IS NULL),
					child_bags  = (SELECT COUNT(*) FROM bags WHERE type = 'child' AND deleted_at IS NULL),
					total_links = (SELECT COUNT(*) FROM links),
					total_scans = (SELECT COUNT(*) FROM scans),
					scans_today = (SELECT COUNT(*) FROM scans WHERE scanned_at::date = now()::date),
					scans_this_hour = (SELECT COUNT(*) FROM scans WHERE date_trunc('hour', scanned_at) = date_trunc('hour', now())),
					active_users_today = (SELECT COUNT(DISTINCT user_id) FROM scans WHERE scanned_at::date = now()::date),
					updated_at = now()
				WHERE id = 1`)
			return database.Classify(err)
		})
	})
	if err != nil {
		return err
	}
	slog.Debug("[stats] counters reconciled")
	s.NotifyMutation()
	return nil
}

func userKey(userID int64) string {
	return "u" + strconv.FormatInt(userID, 10)
}
