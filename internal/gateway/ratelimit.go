package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-connection request budget.
//
//	rpm > 0  → enabled at that requests-per-minute
//	rpm <= 0 → disabled
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
	burst    int
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
		burst:    burst,
	}
}

func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether the connection may issue another request now.
func (rl *RateLimiter) Allow(connID string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)
		rl.limiters[connID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Forget drops a connection's limiter state on disconnect.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	delete(rl.limiters, connID)
	rl.mu.Unlock()
}
