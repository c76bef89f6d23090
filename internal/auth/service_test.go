package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
	"github.com/tracetrack/backend/internal/config"
)

func resolveService(t *testing.T, idle time.Duration) (*Service, *MemorySessionStore) {
	t.Helper()
	st := NewMemorySessionStore()
	t.Cleanup(st.Close)
	cfg := &config.Config{
		IdleSessionTTL:     idle,
		AbsoluteSessionTTL: time.Hour,
		LockoutThreshold:   5,
		LockoutWindow:      15 * time.Minute,
	}
	return NewService(nil, st, nil, cfg), st
}

func TestResolveSlidesIdleWindow(t *testing.T) {
	svc, st := resolveService(t, 30*time.Minute)
	ctx := context.Background()

	s := testSession("tok", 1)
	s.LastActivity = time.Now().Add(-10 * time.Minute)
	require.NoError(t, st.Put(ctx, s))

	got, err := svc.Resolve(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UserID)

	// LastActivity slid forward in the store.
	stored, err := st.Get(ctx, "tok")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stored.LastActivity, time.Second)
}

func TestResolveRejectsIdleExpiry(t *testing.T) {
	svc, st := resolveService(t, 30*time.Minute)
	ctx := context.Background()

	s := testSession("tok-idle", 1)
	s.LastActivity = time.Now().Add(-31 * time.Minute)
	require.NoError(t, st.Put(ctx, s))

	_, err := svc.Resolve(ctx, "tok-idle")
	assert.True(t, apperr.Is(err, apperr.KindAuth))

	// Expired sessions are removed, not left behind.
	stored, serr := st.Get(ctx, "tok-idle")
	require.NoError(t, serr)
	assert.Nil(t, stored)
}

func TestResolveRejectsAbsoluteExpiry(t *testing.T) {
	svc, st := resolveService(t, 30*time.Minute)
	ctx := context.Background()

	s := testSession("tok-abs", 1)
	s.AbsoluteExpiry = time.Now().Add(-time.Second)
	require.NoError(t, st.Put(ctx, s))

	_, err := svc.Resolve(ctx, "tok-abs")
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestResolveRejectsPendingSession(t *testing.T) {
	svc, st := resolveService(t, 30*time.Minute)
	ctx := context.Background()

	s := testSession("tok-pending", 1)
	s.Pending2FA = true
	require.NoError(t, st.Put(ctx, s))

	_, err := svc.Resolve(ctx, "tok-pending")
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestResolveEmptyToken(t *testing.T) {
	svc, _ := resolveService(t, 30*time.Minute)
	_, err := svc.Resolve(context.Background(), "")
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestUserLocked(t *testing.T) {
	now := time.Now()
	u := &User{}
	assert.False(t, u.Locked(now))

	until := now.Add(time.Minute)
	u.LockoutUntil = &until
	assert.True(t, u.Locked(now))
	assert.False(t, u.Locked(now.Add(2*time.Minute)))
}

func TestRoleRanking(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleDispatcher))
	assert.True(t, RoleAdmin.AtLeast(RoleBiller))
	assert.True(t, RoleBiller.AtLeast(RoleDispatcher))
	assert.False(t, RoleDispatcher.AtLeast(RoleBiller))
	assert.False(t, RoleBiller.AtLeast(RoleAdmin))
	assert.True(t, RoleDispatcher.AtLeast(RoleDispatcher))

	assert.True(t, RoleBiller.Valid())
	assert.False(t, Role("superuser").Valid())
}
