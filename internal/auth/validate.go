package auth

import "regexp"

var uuid4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
var genericNoncePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidNonceFormat implements step 6: a UUIDv4 string when
// requireUUID4 is set, otherwise any non-empty string up to 128
// characters over [A-Za-z0-9_-].
func ValidNonceFormat(nonce string, requireUUID4 bool) bool {
	if requireUUID4 {
		return uuid4Pattern.MatchString(nonce)
	}
	return genericNoncePattern.MatchString(nonce)
}

// ValidTimestamp implements step 5. delta is created-now in seconds.
// Future timestamps beyond maxFuture are always rejected; a small
// future skew within clockSkew is accepted outright; otherwise the
// absolute delta must fall within allowedWindow+clockSkew.
func ValidTimestamp(deltaSeconds float64, allowedWindowSeconds, clockSkewSeconds, maxFutureSeconds float64) bool {
	if deltaSeconds > maxFutureSeconds {
		return false
	}
	if deltaSeconds > 0 && deltaSeconds <= clockSkewSeconds {
		return true
	}
	abs := deltaSeconds
	if abs < 0 {
		abs = -abs
	}
	return abs <= allowedWindowSeconds+clockSkewSeconds
}

// HasRequiredComponents implements step 8: every name in required must
// appear in covered.
func HasRequiredComponents(covered, required []string) (missing string, ok bool) {
	present := make(map[string]bool, len(covered))
	for _, c := range covered {
		present[c] = true
	}
	for _, r := range required {
		if !present[r] {
			return r, false
		}
	}
	return "", true
}
