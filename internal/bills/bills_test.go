package bills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
)

func TestWeightContribution(t *testing.T) {
	// Each child contributes 1 kg, capped at the per-parent weight.
	assert.Equal(t, 0.0, WeightContribution(0, 30))
	assert.Equal(t, 10.0, WeightContribution(10, 30))
	assert.Equal(t, 30.0, WeightContribution(30, 30))
	assert.Equal(t, 30.0, WeightContribution(45, 30))
	assert.Equal(t, 25.0, WeightContribution(40, 25))
}

// A bill of 3 required parents with 10, 30, and 45 children weighs
// 10+30+30 = 70 kg against an expected 90 kg.
func TestWeightRuleScenario(t *testing.T) {
	total := WeightContribution(10, 30) + WeightContribution(30, 30) + WeightContribution(45, 30)
	assert.Equal(t, 70.0, total)
	expected := 3 * 30.0
	assert.Equal(t, 90.0, expected)
	assert.Less(t, total, expected)
}

func TestNormalizeBillID(t *testing.T) {
	id, err := NormalizeBillID("  BILL-2026-001  ")
	require.NoError(t, err)
	assert.Equal(t, "BILL-2026-001", id)

	_, err = NormalizeBillID("   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
