package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxPerWindow: 3, Window: time.Minute})
	now := time.Now()

	assert.True(t, rl.Allow("alice", now))
	assert.True(t, rl.Allow("alice", now))
	assert.True(t, rl.Allow("alice", now))
	assert.False(t, rl.Allow("alice", now), "fourth request in the same window should be rejected")
}

func TestRateLimiterPerClientIsolated(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxPerWindow: 1, Window: time.Minute})
	now := time.Now()

	assert.True(t, rl.Allow("alice", now))
	assert.True(t, rl.Allow("bob", now))
	assert.False(t, rl.Allow("alice", now))
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxPerWindow: 1, Window: time.Second})
	now := time.Now()

	assert.True(t, rl.Allow("alice", now))
	assert.False(t, rl.Allow("alice", now.Add(500*time.Millisecond)))
	assert.True(t, rl.Allow("alice", now.Add(2*time.Second)))
}

func TestRateLimiterDisabledAlwaysAllows(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false, MaxPerWindow: 0, Window: time.Minute})
	now := time.Now()
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("alice", now))
	}
}

func TestRecordFailureThreshold(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:                 true,
		MaxPerWindow:            1000,
		Window:                  time.Minute,
		TrackFailuresSeparately: true,
		MaxFailuresPerWindow:    2,
	})
	now := time.Now()

	assert.False(t, rl.RecordFailure("alice", now))
	assert.False(t, rl.RecordFailure("alice", now))
	assert.True(t, rl.RecordFailure("alice", now), "third failure should exceed the threshold")
}

func TestRecordFailureNoopWhenNotTracked(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxPerWindow: 10, Window: time.Minute})
	now := time.Now()
	assert.False(t, rl.RecordFailure("alice", now))
}
