package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter tracks API weight usage reported by the venue.
type RateLimiter struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           *zap.Logger
	mu            sync.RWMutex
}

// NewRateLimiter creates a weight tracker.
// limit: maximum weight allowed in one window.
// resetInterval: window length (e.g. 1 minute).
func NewRateLimiter(limit int, resetInterval time.Duration, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader updates the used weight from an API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}

	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rl.log.Warn("rate limit critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	} else if percentage >= 80 {
		rl.log.Info("rate limit warning", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}

// UserLimiter caps outbound request rate per user account.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewUserLimiter returns a limiter allowing rps requests per second per user.
func NewUserLimiter(rps float64, burst int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	return &UserLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until userID may issue another request or ctx ends.
func (u *UserLimiter) Wait(ctx context.Context, userID string) error {
	if u == nil || u.rps <= 0 {
		return nil
	}
	return u.get(userID).Wait(ctx)
}

func (u *UserLimiter) get(userID string) *rate.Limiter {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(u.rps, u.burst)
		u.limiters[userID] = l
	}
	return l
}

// Forget drops the limiter for userID.
func (u *UserLimiter) Forget(userID string) {
	u.mu.Lock()
	delete(u.limiters, userID)
	u.mu.Unlock()
}
