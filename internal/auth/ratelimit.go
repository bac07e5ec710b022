package auth

import (
	"sync"
	"time"
)

// RateLimitConfig configures per-client admission (4.2's
// rate_limiting.{enabled,max_per_window,window,track_failures,
// max_failures}).
type RateLimitConfig struct {
	Enabled                bool
	MaxPerWindow           int
	Window                 time.Duration
	TrackFailuresSeparately bool
	MaxFailuresPerWindow   int
}

// RateLimiter tracks a rolling window of request (and, optionally,
// failure) timestamps per client and admits or rejects each request
// against MaxPerWindow / MaxFailuresPerWindow.
type RateLimiter struct {
	config RateLimitConfig

	mu       sync.Mutex
	requests map[string][]time.Time
	failures map[string][]time.Time
}

// NewRateLimiter creates a rate limiter from config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:   cfg,
		requests: make(map[string][]time.Time),
		failures: make(map[string][]time.Time),
	}
}

// Allow evicts entries older than Window from client's rolling window,
// reports whether the request is admitted, and pushes now into the
// window only when it is (a rejected request is not recorded). Step 3 of
// the verification algorithm calls this before any signature parsing.
func (rl *RateLimiter) Allow(client string, now time.Time) bool {
	if !rl.config.Enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := prune(rl.requests[client], now, rl.config.Window)
	if len(window) >= rl.config.MaxPerWindow {
		rl.requests[client] = window
		return false
	}
	rl.requests[client] = append(window, now)
	return true
}

// RecordFailure pushes now into client's failure window and reports
// whether the client has now exceeded MaxFailuresPerWindow. Only
// meaningful when TrackFailuresSeparately is set; the caller is
// responsible for deciding the request already failed for another
// reason (signature, nonce, timestamp) before calling this.
func (rl *RateLimiter) RecordFailure(client string, now time.Time) bool {
	if !rl.config.Enabled || !rl.config.TrackFailuresSeparately {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := prune(rl.failures[client], now, rl.config.Window)
	window = append(window, now)
	rl.failures[client] = window
	return len(window) > rl.config.MaxFailuresPerWindow
}

// prune drops every timestamp older than window relative to now,
// keeping the slice sorted ascending since entries are always
// appended in order.
func prune(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append([]time.Time(nil), timestamps[i:]...)
}

// CleanupStaleClients drops any client whose window has been empty
// for longer than maxAge, so long-lived processes don't accumulate an
// unbounded map of clients that stopped sending requests.
func (rl *RateLimiter) CleanupStaleClients(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for client, window := range rl.requests {
		pruned := prune(window, now, maxAge)
		if len(pruned) == 0 {
			delete(rl.requests, client)
		} else {
			rl.requests[client] = pruned
		}
	}
	for client, window := range rl.failures {
		pruned := prune(window, now, maxAge)
		if len(pruned) == 0 {
			delete(rl.failures, client)
		} else {
			rl.failures[client] = pruned
		}
	}
}
