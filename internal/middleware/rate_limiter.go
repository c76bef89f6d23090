package middleware

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tracetrack/backend/internal/config"
)

// RouteClass buckets endpoints for rate limiting purposes.
type RouteClass string

const (
	ClassLogin          RouteClass = "login"
	ClassRegister       RouteClass = "register"
	ClassForgotPassword RouteClass = "forgot_password"
	ClassTwoFA          RouteClass = "twofa"
	ClassAPI            RouteClass = "api"
	ClassDefault        RouteClass = "default"
)

// RateLimiter enforces fixed-window counters per (identity, route class).
// Identity is the session token when authenticated and the client IP
// otherwise. Counters live in process memory; per-node over-limits in a
// multi-node deployment are acceptable by design of the window sizes.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limits  map[RouteClass]config.RateLimit

	done chan struct{}
	once sync.Once
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds the limiter with the spec defaults, overridden by
// the configured login and default limits.
func NewRateLimiter(cfg *config.Config) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		limits: map[RouteClass]config.RateLimit{
			ClassLogin:          cfg.RateLimitLogin,
			ClassRegister:       {Limit: 5, Window: time.Minute},
			ClassForgotPassword: {Limit: 3, Window: time.Minute},
			ClassTwoFA:          {Limit: 5, Window: time.Minute},
			ClassAPI:            {Limit: 10000, Window: time.Minute},
			ClassDefault:        cfg.RateLimitDefault,
		},
		done: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow consumes one slot for identity on the given class. When the limit
// is exceeded it returns false and the seconds the caller should wait.
func (rl *RateLimiter) Allow(identity string, class RouteClass) (ok bool, retryAfter time.Duration) {
	limit, exists := rl.limits[class]
	if !exists {
		limit = rl.limits[ClassDefault]
	}
	key := string(class) + ":" + identity
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, found := rl.windows[key]
	if !found || now.Sub(w.windowStart) >= limit.Window {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true, 0
	}
	w.count++
	if w.count > limit.Limit {
		remaining := limit.Window - now.Sub(w.windowStart)
		slog.Warn("[ratelimit] over limit",
			"class", class, "count", w.count, "limit", limit.Limit)
		return false, remaining
	}
	return true, 0
}

// RetryAfterHeader formats a duration for the Retry-After header, rounding
// up so clients never retry early.
func RetryAfterHeader(d time.Duration) string {
	secs := int(d.Seconds())
	if d > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Close stops the background cleanup.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// cleanup drops windows idle for longer than the largest configured window
// so abandoned identities don't leak memory.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			var maxWindow time.Duration
			for _, l := range rl.limits {
				if l.Window > maxWindow {
					maxWindow = l.Window
				}
			}
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*maxWindow {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
