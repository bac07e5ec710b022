package auth

import (
	"fmt"
	"time"
)

// SecurityProfile is a named preset for the options below it.
type SecurityProfile string

const (
	ProfileStrict   SecurityProfile = "strict"
	ProfileStandard SecurityProfile = "standard"
	ProfileLenient  SecurityProfile = "lenient"
)

// AttackDetectionConfig configures pattern scoring and timing
// protection (4.2's attack_detection.*).
type AttackDetectionConfig struct {
	Enabled            bool
	BruteForceThreshold int
	Window             time.Duration
	ReplayThreshold    int
	TimingProtection   bool
	BaseDelay          time.Duration
}

// ResponseSecurityConfig shapes the error response (4.2's
// response_security.*).
type ResponseSecurityConfig struct {
	IncludeHeaders       bool
	ConsistentTiming     bool
	DetailedErrors       bool
	IncludeCorrelationID bool
}

// SecurityLoggingConfig controls structured security event emission
// (4.2's security_logging.*).
type SecurityLoggingConfig struct {
	Enabled            bool
	IncludeClientInfo  bool
	IncludePerformance bool
	LogSuccessful      bool
	MinSeverity        string
	MaxEntrySize       int
}

// Config is the full C7 configuration surface.
type Config struct {
	SecurityProfile SecurityProfile

	AllowedTimeWindow     time.Duration
	ClockSkewTolerance    time.Duration
	MaxFutureTimestamp    time.Duration
	NonceTTL              time.Duration
	MaxNonceStoreSize     int
	EnforceRFC3339Timestamps bool
	RequireUUID4Nonces    bool
	RequiredSignatureComponents []string

	RateLimit       RateLimitConfig
	AttackDetection AttackDetectionConfig
	ResponseSecurity ResponseSecurityConfig
	SecurityLogging SecurityLoggingConfig

	KeyCacheCapacity int
	KeyCacheTTL      time.Duration
}

// DefaultConfig returns the Standard security profile.
func DefaultConfig() Config {
	return Config{
		SecurityProfile:          ProfileStandard,
		AllowedTimeWindow:         5 * time.Minute,
		ClockSkewTolerance:        30 * time.Second,
		MaxFutureTimestamp:        time.Minute,
		NonceTTL:                  10 * time.Minute,
		MaxNonceStoreSize:         100_000,
		EnforceRFC3339Timestamps:  false,
		RequireUUID4Nonces:        true,
		RequiredSignatureComponents: []string{"@method", "@target-uri"},
		RateLimit: RateLimitConfig{
			Enabled:                 true,
			MaxPerWindow:            120,
			Window:                  time.Minute,
			TrackFailuresSeparately: true,
			MaxFailuresPerWindow:    20,
		},
		AttackDetection: AttackDetectionConfig{
			Enabled:             true,
			BruteForceThreshold: 10,
			Window:              time.Minute,
			ReplayThreshold:     3,
			TimingProtection:    true,
			BaseDelay:           50 * time.Millisecond,
		},
		ResponseSecurity: ResponseSecurityConfig{
			IncludeHeaders:       true,
			ConsistentTiming:     true,
			DetailedErrors:       false,
			IncludeCorrelationID: true,
		},
		SecurityLogging: SecurityLoggingConfig{
			Enabled:            true,
			IncludeClientInfo:  true,
			IncludePerformance: true,
			LogSuccessful:      false,
			MinSeverity:        "warn",
			MaxEntrySize:       4096,
		},
		KeyCacheCapacity: 10_000,
		KeyCacheTTL:      5 * time.Minute,
	}
}

// Validate enforces the configuration rule from 4.2: clock skew
// tolerance must not exceed the allowed time window, and neither the
// window nor the nonce TTL may be zero.
func (c Config) Validate() error {
	if c.AllowedTimeWindow <= 0 {
		return fmt.Errorf("%w: allowed_time_window_secs must be > 0", ErrConfigurationError)
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("%w: nonce_ttl_secs must be > 0", ErrConfigurationError)
	}
	if c.ClockSkewTolerance > c.AllowedTimeWindow {
		return fmt.Errorf("%w: clock_skew_tolerance_secs must be <= allowed_time_window_secs", ErrConfigurationError)
	}
	return nil
}

// skipPaths lists the ambient exemption from step 1: requests to
// these paths bypass every verification step.
var skipPaths = map[string]bool{
	"/api/system/status":           true,
	"/api/crypto/keys/register":    true,
	"/":                            true,
	"/index.html":                  true,
}

// Skip reports whether path is in the ambient exemption list, matching
// "/static/*" by prefix.
func Skip(path string) bool {
	if skipPaths[path] {
		return true
	}
	return len(path) >= len("/static/") && path[:len("/static/")] == "/static/"
}
