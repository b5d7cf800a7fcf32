package dispatcher

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qsysbridge/core/internal/bridgecfg"
)

// RateLimiter is a token bucket per client, or one shared bucket when
// perClient is false or a client id is unavailable.
type RateLimiter struct {
	perClient bool
	rps       float64
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	global   *rate.Limiter
}

// NewRateLimiter builds a RateLimiter from the bridge's rate-limit config.
func NewRateLimiter(cfg bridgecfg.RateLimitConfig) *RateLimiter {
	rps := float64(cfg.RequestsPerMinute) / 60.0
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perClient: cfg.PerClient,
		rps:       rps,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
		global:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether a call for clientID may proceed now, and if not,
// how long the caller should wait before retrying.
func (r *RateLimiter) Allow(clientID string) (bool, time.Duration) {
	limiter := r.limiterFor(clientID)
	if limiter == nil {
		// Fail open: an internal rate-limiter error must not block traffic.
		return true, 0
	}
	if limiter.Allow() {
		return true, 0
	}

	retryAfter := time.Second
	if limiter.Limit() > 0 {
		retryAfter = time.Duration(float64(time.Second) / float64(limiter.Limit()))
	}
	if retryAfter > 60*time.Second {
		retryAfter = 60 * time.Second
	}
	return false, retryAfter
}

func (r *RateLimiter) limiterFor(clientID string) *rate.Limiter {
	if !r.perClient || clientID == "" {
		return r.global
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[clientID] = l
	}
	return l
}
