// Package auth implements the signed-request authentication core
// (C7): RFC 9421-style HTTP message signatures over Ed25519, gated by
// a nonce store, timestamp window, public-key cache, rate limiter, and
// attack detector.
package auth

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/datafold/datafold-node/internal/metrics"
	"github.com/datafold/datafold-node/internal/pubkey"
)

// AuthenticatedClient is the successful result of Verify.
type AuthenticatedClient struct {
	KeyID         string
	ClientID      string
	CorrelationID string
}

// KeyLookup resolves the Signature-Input keyid parameter (which is the
// registration's client_id) to its active registration. The node
// orchestrator wires this to internal/pubkey's store; Verify only
// needs this narrow read contract.
type KeyLookup interface {
	ActiveForClient(ctx context.Context, clientID string) (*pubkey.Registration, error)
}

// Verifier runs the C7 verification algorithm end to end.
type Verifier struct {
	config  Config
	lookup  KeyLookup
	nonces  *NonceStore
	cache   *KeyCache
	limiter *RateLimiter
	attack  *AttackDetector
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink recording every Verify outcome
// and rate-limit rejection. Optional: a Verifier with none set simply
// skips recording, the same nil-tolerant pattern internal/network and
// internal/transform use for their own optional collaborators.
func (v *Verifier) SetMetrics(m *metrics.Metrics) {
	v.metrics = m
}

// NewVerifier wires a Verifier from config and a key lookup.
func NewVerifier(cfg Config, lookup KeyLookup, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		config:  cfg,
		lookup:  lookup,
		nonces:  NewNonceStore(cfg.NonceTTL, cfg.MaxNonceStoreSize),
		cache:   NewKeyCache(cfg.KeyCacheCapacity, cfg.KeyCacheTTL),
		limiter: NewRateLimiter(cfg.RateLimit),
		attack:  NewAttackDetector(cfg.AttackDetection),
		log:     log,
		now:     time.Now,
	}
}

// InvalidateKey removes keyID from the public key cache; key rotation
// calls this as part of its post-commit steps (4.3).
func (v *Verifier) InvalidateKey(keyID string) {
	v.cache.Invalidate(keyID)
}

// Verify runs the full algorithm described in 4.2 against r and
// returns either an AuthenticatedClient or a typed
// AuthenticationError.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (*AuthenticatedClient, *AuthenticationError) {
	start := v.now()
	correlationID := uuid.NewString()

	// Step 1: ambient exemption.
	if Skip(r.URL.Path) {
		return &AuthenticatedClient{CorrelationID: correlationID}, nil
	}

	client := clientIdentifier(r)

	result, authErr := v.verifyInner(ctx, r, client, correlationID)

	if v.config.AttackDetection.TimingProtection {
		v.padLatency(start)
	}
	if v.metrics != nil {
		reason := ""
		if authErr != nil {
			reason = string(authErr.Code)
			if authErr.Code == CodeRateLimitExceeded {
				v.metrics.RecordRateLimitHit(client)
			}
		}
		v.metrics.RecordAuthAttempt("ed25519", authErr == nil, reason, v.now().Sub(start))
	}
	return result, authErr
}

func (v *Verifier) verifyInner(ctx context.Context, r *http.Request, client, correlationID string) (*AuthenticatedClient, *AuthenticationError) {
	now := v.now()

	// Step 3: rate limit.
	if !v.limiter.Allow(client, now) {
		v.logSecurityEvent(ctx, "rate_limit_exceeded", client, correlationID, SeverityNone)
		return nil, newAuthError(CodeRateLimitExceeded, correlationID, "client exceeded max requests per window")
	}

	// Step 4: parse signature headers.
	sigInputHeader := r.Header.Get("Signature-Input")
	sigHeader := r.Header.Get("Signature")
	if sigInputHeader == "" || sigHeader == "" {
		return v.fail(ctx, client, correlationID, now, CodeMissingHeaders, "Signature-Input or Signature header absent")
	}

	input, err := ParseSignatureInput(sigInputHeader)
	if err != nil {
		return v.fail(ctx, client, correlationID, now, CodeInvalidSignatureFormat, err.Error())
	}
	signature, err := ParseSignature(sigHeader)
	if err != nil {
		return v.fail(ctx, client, correlationID, now, CodeInvalidSignatureFormat, err.Error())
	}
	if input.Algorithm != "ed25519" {
		return v.fail(ctx, client, correlationID, now, CodeUnsupportedAlgorithm, input.Algorithm)
	}

	// Step 5: timestamp.
	delta := float64(input.Created) - float64(now.Unix())
	if !ValidTimestamp(delta, v.config.AllowedTimeWindow.Seconds(), v.config.ClockSkewTolerance.Seconds(), v.config.MaxFutureTimestamp.Seconds()) {
		return v.fail(ctx, client, correlationID, now, CodeTimestampValidationFailed, "created timestamp outside allowed window")
	}

	// Step 6: nonce format.
	if !ValidNonceFormat(input.Nonce, v.config.RequireUUID4Nonces) {
		return v.fail(ctx, client, correlationID, now, CodeNonceInvalidFormat, "nonce does not match required shape")
	}

	// Step 7: nonce replay check.
	if v.nonces.CheckAndInsert(input.Nonce, now) == nonceReplay {
		severity := v.attack.RecordReplay(client, now)
		v.logSecurityEvent(ctx, "nonce_replay", client, correlationID, severity)
		return v.failWithoutRecordingFailure(correlationID, CodeNonceReplay, "nonce already used")
	}

	// Step 8: required components.
	if missing, ok := HasRequiredComponents(input.Components, v.config.RequiredSignatureComponents); !ok {
		return v.fail(ctx, client, correlationID, now, CodeRequiredComponentMissing, missing)
	}

	// Step 9: public key lookup (cache, then storage). keyid doubles as
	// the registration's client_id (pk_idx:<client_id>).
	clientID := input.KeyID
	keyBytes, active := v.cache.Get(input.KeyID, now)
	if !active {
		reg, err := v.lookup.ActiveForClient(ctx, clientID)
		if err != nil {
			return v.fail(ctx, client, correlationID, now, CodePublicKeyLookupFailed, input.KeyID)
		}
		keyBytes = reg.PublicKeyBytes
		v.cache.Put(input.KeyID, keyBytes, pubkey.StatusActive, now)
	}

	// Step 10: canonicalize.
	message := CanonicalMessage(r, input)

	// Step 11: verify.
	if !ed25519.Verify(ed25519.PublicKey(keyBytes), []byte(message), signature) {
		severity := v.attack.RecordFailure(client, now)
		v.logSecurityEvent(ctx, "signature_verification_failed", client, correlationID, severity)
		v.limiter.RecordFailure(client, now)
		return nil, newAuthError(CodeSignatureVerificationFailed, correlationID, input.KeyID)
	}

	if v.config.SecurityLogging.LogSuccessful {
		v.logSecurityEvent(ctx, "authenticated", client, correlationID, SeverityNone)
	}

	return &AuthenticatedClient{KeyID: input.KeyID, ClientID: clientID, CorrelationID: correlationID}, nil
}

// fail records a generic authentication failure against the rate
// limiter's failure window and the attack detector before returning
// the typed error.
func (v *Verifier) fail(ctx context.Context, client, correlationID string, now time.Time, code ErrorCode, detail string) (*AuthenticatedClient, *AuthenticationError) {
	severity := v.attack.RecordFailure(client, now)
	v.limiter.RecordFailure(client, now)
	v.logSecurityEvent(ctx, string(code), client, correlationID, severity)
	return nil, newAuthError(code, correlationID, detail)
}

func (v *Verifier) failWithoutRecordingFailure(correlationID string, code ErrorCode, detail string) (*AuthenticatedClient, *AuthenticationError) {
	return nil, newAuthError(code, correlationID, detail)
}

func (v *Verifier) logSecurityEvent(ctx context.Context, kind, client, correlationID string, severity Severity) {
	if !v.config.SecurityLogging.Enabled {
		return
	}
	attrs := []any{"event", kind, "correlation_id", correlationID}
	if v.config.SecurityLogging.IncludeClientInfo {
		attrs = append(attrs, "client", client)
	}
	if severity != SeverityNone {
		attrs = append(attrs, "severity", string(severity))
	}
	v.log.WarnContext(ctx, "security event", attrs...)
}

// padLatency sleeps, if necessary, so the total call duration since
// start is at least the attack detector's configured base delay
// (4.2 step 13).
func (v *Verifier) padLatency(start time.Time) {
	delay := v.attack.Delay()
	if delay <= 0 {
		return
	}
	elapsed := v.now().Sub(start)
	if elapsed < delay {
		time.Sleep(delay - elapsed)
	}
}

// clientIdentifier resolves the client from the first X-Forwarded-For
// entry, then X-Real-IP, then RemoteAddr, falling back to "unknown".
// The request's key_id is not used: a request without any peer address
// is identified as "unknown", and the verifier does not re-identify it
// once the key_id is parsed.
func clientIdentifier(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return firstCommaField(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func firstCommaField(s string) string {
	for i, c := range s {
		if c == ',' {
			return trimSpace(s[:i])
		}
	}
	return trimSpace(s)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
