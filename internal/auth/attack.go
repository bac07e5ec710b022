package auth

import (
	"sync"
	"time"
)

// AttackDetector tracks per-client rolling windows of failure
// timestamps and replay attempts, scoring suspicious activity per 4.2
// step 12.
type AttackDetector struct {
	config AttackDetectionConfig

	mu       sync.Mutex
	failures map[string][]time.Time
	replays  map[string][]time.Time
}

// NewAttackDetector creates a detector from config.
func NewAttackDetector(cfg AttackDetectionConfig) *AttackDetector {
	return &AttackDetector{
		config:   cfg,
		failures: make(map[string][]time.Time),
		replays:  make(map[string][]time.Time),
	}
}

// Severity classifies a SuspiciousActivity event.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RecordFailure pushes a generic authentication failure into client's
// window and returns a severity if the brute-force threshold is met.
func (d *AttackDetector) RecordFailure(client string, now time.Time) Severity {
	if !d.config.Enabled {
		return SeverityNone
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	window := prune(d.failures[client], now, d.config.Window)
	window = append(window, now)
	d.failures[client] = window

	return severityFor(len(window), d.config.BruteForceThreshold)
}

// RecordReplay pushes a nonce-replay event into client's window and
// returns a severity if the replay threshold is met.
func (d *AttackDetector) RecordReplay(client string, now time.Time) Severity {
	if !d.config.Enabled {
		return SeverityNone
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	window := prune(d.replays[client], now, d.config.Window)
	window = append(window, now)
	d.replays[client] = window

	return severityFor(len(window), d.config.ReplayThreshold)
}

func severityFor(count, threshold int) Severity {
	if threshold <= 0 || count < threshold {
		return SeverityNone
	}
	switch {
	case count >= threshold*3:
		return SeverityHigh
	case count >= threshold*2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Delay returns how long the caller should pad its response latency
// for timing protection (step 13): base delay when enabled, zero
// otherwise. The caller is responsible for sleeping for at most
// Delay-elapsed after measuring its own processing time, so total
// latency floors at BaseDelay regardless of outcome.
func (d *AttackDetector) Delay() time.Duration {
	if !d.config.TimingProtection {
		return 0
	}
	return d.config.BaseDelay
}
