package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qsysbridge/core/internal/bridgecfg"
)

func TestRateLimiter_BurstSizeCapsImmediateCalls(t *testing.T) {
	r := NewRateLimiter(bridgecfg.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10, PerClient: false})

	allowed := 0
	for i := 0; i < 20; i++ {
		if ok, _ := r.Allow("irrelevant"); ok {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestRateLimiter_PerClientIsolatesBuckets(t *testing.T) {
	r := NewRateLimiter(bridgecfg.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2, PerClient: true})

	ok1a, _ := r.Allow("client-a")
	ok2a, _ := r.Allow("client-a")
	ok3a, _ := r.Allow("client-a")
	assert.True(t, ok1a)
	assert.True(t, ok2a)
	assert.False(t, ok3a)

	okB, _ := r.Allow("client-b")
	assert.True(t, okB, "a fresh client's bucket must be independent of client-a's")
}

func TestRateLimiter_NotPerClientSharesGlobalBucket(t *testing.T) {
	r := NewRateLimiter(bridgecfg.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, PerClient: false})

	okA, _ := r.Allow("client-a")
	okB, _ := r.Allow("client-b")
	assert.True(t, okA)
	assert.False(t, okB, "shared bucket should already be exhausted by client-a's call")
}

func TestRateLimiter_RetryAfterIsBoundedAndPositiveWhenDenied(t *testing.T) {
	r := NewRateLimiter(bridgecfg.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1, PerClient: false})
	r.Allow("x")
	ok, retryAfter := r.Allow("x")
	assert.False(t, ok)
	assert.Greater(t, retryAfter.Seconds(), 0.0)
	assert.LessOrEqual(t, retryAfter.Seconds(), 60.0)
}
