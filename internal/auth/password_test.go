package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "correct horse battery stapl"))
	assert.False(t, VerifyPassword(hash, ""))
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	h1, err := HashPassword("same password")
	require.NoError(t, err)
	h2, err := HashPassword("same password")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.True(t, VerifyPassword(h1, "same password"))
	assert.True(t, VerifyPassword(h2, "same password"))
}

func TestVerifyPasswordRejectsGarbageEncoding(t *testing.T) {
	assert.False(t, VerifyPassword("", "x"))
	assert.False(t, VerifyPassword("not-a-phc-string", "x"))
	assert.False(t, VerifyPassword("$argon2id$v=19$m=65536,t=1,p=4$!!$!!", "x"))
}
