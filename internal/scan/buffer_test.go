package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferContainsAndTouch(t *testing.T) {
	now := time.Now()
	b := &Buffer{
		ParentQR:  "P1",
		ParentID:  1,
		StartedAt: now,
		Children: []ChildEntry{
			{QR: "C1", ScannedAt: now.Add(-time.Second)},
		},
	}

	at, ok := b.Contains("C1")
	assert.True(t, ok)
	assert.Equal(t, now.Add(-time.Second), at)

	_, ok = b.Contains("C2")
	assert.False(t, ok)

	b.Touch("C1", now)
	at, _ = b.Contains("C1")
	assert.Equal(t, now, at)

	// Touch never changes membership.
	b.Touch("C2", now)
	_, ok = b.Contains("C2")
	assert.False(t, ok)
	assert.Equal(t, []string{"C1"}, b.QRs())
}

func TestMemoryBufferStoreRoundTrip(t *testing.T) {
	st := NewMemoryBufferStore(time.Minute)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sess-1", &Buffer{ParentQR: "P1", ParentID: 1, StartedAt: time.Now()}))

	got, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "P1", got.ParentQR)

	missing, err := st.Get(ctx, "sess-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.Delete(ctx, "sess-1"))
	got, err = st.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryBufferStoreTTL(t *testing.T) {
	st := NewMemoryBufferStore(10 * time.Millisecond)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sess-ttl", &Buffer{ParentQR: "P1"}))
	time.Sleep(25 * time.Millisecond)

	got, err := st.Get(ctx, "sess-ttl")
	require.NoError(t, err)
	assert.Nil(t, got, "buffer past its TTL must not resolve")
}

func TestBufferReplaceSemantics(t *testing.T) {
	st := NewMemoryBufferStore(time.Minute)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sess-1", &Buffer{ParentQR: "P1", Children: []ChildEntry{{QR: "C1"}}}))
	require.NoError(t, st.Put(ctx, "sess-1", &Buffer{ParentQR: "P2"}))

	got, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "P2", got.ParentQR)
	assert.Empty(t, got.Children)
}
