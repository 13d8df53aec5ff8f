package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// verifyRateLimiter tracks rejected OTP codes per phone number and enforces
// exponential backoff, so a code can't be brute forced across devices.
type verifyRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive rejections before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last rejection a record is kept.
	attemptExpiry = 1 * time.Hour
)

func newVerifyRateLimiter() *verifyRateLimiter {
	return &verifyRateLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether phone is locked out and for how long.
func (rl *verifyRateLimiter) check(phone string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[phone]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, phone)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a rejected code and applies backoff once maxFailures
// is reached.
func (rl *verifyRateLimiter) recordFailure(phone string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[phone]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[phone] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess resets the counter after a successful login.
func (rl *verifyRateLimiter) recordSuccess(phone string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, phone)
}

// sweep removes expired records.
func (rl *verifyRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for phone, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, phone)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Code:  codeRateLimited,
		Error: "تعداد تلاش‌های ناموفق زیاد است. کمی بعد دوباره تلاش کنید.",
	})
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
