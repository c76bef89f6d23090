package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(token string, userID int64) *Session {
	now := time.Now()
	return &Session{
		Token:          token,
		UserID:         userID,
		Username:       "alice",
		Role:           RoleDispatcher,
		CreatedAt:      now,
		LastActivity:   now,
		AbsoluteExpiry: now.Add(time.Hour),
	}
}

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	st := NewMemorySessionStore()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, testSession("tok-1", 1)))

	got, err := st.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.UserID)

	missing, err := st.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, st.Delete(ctx, "tok-1"))
	got, err = st.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	st := NewMemorySessionStore()
	defer st.Close()
	ctx := context.Background()

	s := testSession("tok-exp", 2)
	s.AbsoluteExpiry = time.Now().Add(-time.Minute)
	require.NoError(t, st.Put(ctx, s))

	got, err := st.Get(ctx, "tok-exp")
	require.NoError(t, err)
	assert.Nil(t, got, "expired session must not resolve")
}

func TestMemorySessionStoreDeleteAllForUser(t *testing.T) {
	st := NewMemorySessionStore()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, testSession("a", 1)))
	require.NoError(t, st.Put(ctx, testSession("b", 1)))
	require.NoError(t, st.Put(ctx, testSession("c", 2)))

	require.NoError(t, st.DeleteAllForUser(ctx, 1))

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Get(ctx, "c")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestNewSessionToken(t *testing.T) {
	t1, err := NewSessionToken()
	require.NoError(t, err)
	t2, err := NewSessionToken()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.GreaterOrEqual(t, len(t1), 20)
}
