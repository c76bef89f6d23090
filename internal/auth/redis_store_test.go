package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The session gauge must not count the per-user index sets, which share the
// key prefix with session keys.
func TestRedisSessionStoreIndexKeysExcludedFromCount(t *testing.T) {
	st := NewRedisSessionStore(nil, "")

	assert.True(t, st.isIndexKey("tt:session:user:42"))
	assert.False(t, st.isIndexKey("tt:session:8a6f0c1e-1b7e-4c2f-9f67-6f1f1a2b3c4d"))
}

func TestRedisSessionStoreCustomPrefix(t *testing.T) {
	st := NewRedisSessionStore(nil, "custom:")

	assert.True(t, st.isIndexKey("custom:user:1"))
	assert.False(t, st.isIndexKey("custom:sometoken"))
	assert.False(t, st.isIndexKey("tt:session:user:1"))
}
