package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
)

func TestWithRetryFiresHookPerTransientRetry(t *testing.T) {
	db := FromSQL(nil)
	var hooks int
	db.OnRetry(func() { hooks++ })

	attempts := 0
	err := db.WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return apperr.New(apperr.KindTransient, "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, hooks)
}

func TestWithRetrySkipsHookOnNonTransientErrors(t *testing.T) {
	db := FromSQL(nil)
	var hooks int
	db.OnRetry(func() { hooks++ })

	err := db.WithRetry(context.Background(), func(ctx context.Context) error {
		return apperr.New(apperr.KindConflict, "duplicate")
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Zero(t, hooks)
}
