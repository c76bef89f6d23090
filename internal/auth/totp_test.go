package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecret(t *testing.T) {
	secret, url, err := GenerateTOTPSecret("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.True(t, strings.HasPrefix(url, "otpauth://totp/"))
	assert.Contains(t, url, "alice")
}

func TestVerifyTOTPCode(t *testing.T) {
	secret, _, err := GenerateTOTPSecret("bob")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	assert.True(t, VerifyTOTPCode(secret, code))

	// One step back stays inside the ±1 skew window.
	old, err := totp.GenerateCode(secret, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, VerifyTOTPCode(secret, old))

	// Far outside the window.
	stale, err := totp.GenerateCode(secret, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, VerifyTOTPCode(secret, stale))

	assert.False(t, VerifyTOTPCode(secret, "000000"))
	assert.False(t, VerifyTOTPCode(secret, ""))
}
