package gameapi

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds process-wide token buckets keyed by (service, endpoint).
// Fail-secure: a key with no configured per-minute limit gets the strict
// default, never unlimited.
type RateLimiter struct {
	defaultPerMin int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter registry with the given strict default
// (RATE_LIMIT_DEFAULT_PER_MIN, 30 unless configured).
func NewRateLimiter(defaultPerMin int) *RateLimiter {
	if defaultPerMin <= 0 {
		defaultPerMin = 30
	}
	return &RateLimiter{
		defaultPerMin: defaultPerMin,
		buckets:       make(map[string]*rate.Limiter),
	}
}

// Decision is the outcome of one admission check, with everything the
// response headers need.
type Decision struct {
	Allowed    bool
	Limit      int           // requests/min in force
	Remaining  int           // whole tokens left in the bucket
	RetryAfter time.Duration // meaningful only when !Allowed
}

// Allow admits or rejects one request for (service, endpoint). perMin <= 0
// selects the strict default.
func (rl *RateLimiter) Allow(service, endpoint string, perMin int) Decision {
	if perMin <= 0 {
		perMin = rl.defaultPerMin
	}
	key := fmt.Sprintf("%s|%s|%d", service, endpoint, perMin)

	rl.mu.Lock()
	lim, ok := rl.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		rl.buckets[key] = lim
	}
	rl.mu.Unlock()

	d := Decision{Limit: perMin}
	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		d.RetryAfter = delay
		d.Remaining = 0
		return d
	}
	d.Allowed = true
	d.Remaining = int(math.Floor(lim.Tokens()))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}
