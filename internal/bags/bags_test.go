package bags

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
)

func TestNormalizeQR(t *testing.T) {
	qr, err := NormalizeQR("  PARENT-001  ")
	require.NoError(t, err)
	assert.Equal(t, "PARENT-001", qr)

	// Case is preserved; comparison stays byte-exact.
	qr, err = NormalizeQR("pArEnT-001")
	require.NoError(t, err)
	assert.Equal(t, "pArEnT-001", qr)
}

func TestNormalizeQRRejectsEmpty(t *testing.T) {
	_, err := NormalizeQR("")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = NormalizeQR("   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestNormalizeQRRejectsOverlong(t *testing.T) {
	qr, err := NormalizeQR(strings.Repeat("x", 64))
	require.NoError(t, err)
	assert.Len(t, qr, 64)

	_, err = NormalizeQR(strings.Repeat("x", 65))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBagTypeValid(t *testing.T) {
	assert.True(t, TypeParent.Valid())
	assert.True(t, TypeChild.Valid())
	assert.False(t, BagType("pallet").Valid())
	assert.False(t, BagType("").Valid())
}
