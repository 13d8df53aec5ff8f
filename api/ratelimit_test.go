package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*verifyRateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	rl := newVerifyRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestVerifyRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("09123456789")
		blocked, _ := rl.check("09123456789")
		assert.False(t, blocked)
	}
}

func TestVerifyRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("09123456789")
	}

	blocked, retryAfter := rl.check("09123456789")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	blocked, _ = rl.check("09120000000")
	assert.False(t, blocked, "other phones are unaffected")

	clock.advance(baseLockout)
	blocked, _ = rl.check("09123456789")
	assert.False(t, blocked, "lockout ends")
}

func TestVerifyRateLimiter_BackoffIsCapped(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("p")
	}
	_, first := rl.check("p")
	rl.recordFailure("p")
	_, second := rl.check("p")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 10; i++ {
		rl.recordFailure("p")
	}
	_, capped := rl.check("p")
	assert.Equal(t, maxLockout, capped)
}

func TestVerifyRateLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("p")
	}
	rl.recordSuccess("p")
	blocked, _ := rl.check("p")
	assert.False(t, blocked)
}

func TestVerifyRateLimiter_Sweep(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("old")
	clock.advance(attemptExpiry + time.Second)
	rl.recordFailure("new")

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "old")
	assert.Contains(t, rl.attempts, "new")
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRateLimited(rec, 1500*time.Millisecond)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), codeRateLimited)

	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}
