package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tracetrack/backend/internal/config"
)

func testLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(&config.Config{
		RateLimitDefault: config.RateLimit{Limit: 2, Window: time.Hour},
		RateLimitLogin:   config.RateLimit{Limit: 3, Window: time.Minute},
	})
	t.Cleanup(rl.Close)
	return rl
}

func TestRateLimiterEnforcesLoginLimit(t *testing.T) {
	rl := testLimiter(t)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("10.0.0.1", ClassLogin)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, retryAfter := rl.Allow("10.0.0.1", ClassLogin)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateLimiterIdentitiesAreIndependent(t *testing.T) {
	rl := testLimiter(t)

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1", ClassLogin)
	}
	ok, _ := rl.Allow("10.0.0.2", ClassLogin)
	assert.True(t, ok, "a different client must not inherit the exhausted window")
}

func TestRateLimiterClassesAreIndependent(t *testing.T) {
	rl := testLimiter(t)

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1", ClassLogin)
	}
	ok, _ := rl.Allow("10.0.0.1", ClassRegister)
	assert.True(t, ok)
}

func TestRateLimiterUnknownClassFallsBack(t *testing.T) {
	rl := testLimiter(t)

	ok, _ := rl.Allow("10.0.0.9", RouteClass("mystery"))
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.9", RouteClass("mystery"))
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.9", RouteClass("mystery"))
	assert.False(t, ok, "default limit is 2/hour here")
}

func TestRetryAfterHeader(t *testing.T) {
	assert.Equal(t, "1", RetryAfterHeader(0))
	assert.Equal(t, "1", RetryAfterHeader(300*time.Millisecond))
	assert.Equal(t, "30", RetryAfterHeader(30*time.Second))
	assert.Equal(t, "31", RetryAfterHeader(30*time.Second+time.Millisecond))
}
