package auth

import "errors"

// ErrorCode enumerates the C7 error taxonomy (4.2). Every
// AuthenticationError carries one of these plus a correlation id.
type ErrorCode string

const (
	CodeMissingHeaders           ErrorCode = "missing_headers"
	CodeInvalidSignatureFormat   ErrorCode = "invalid_signature_format"
	CodeUnsupportedAlgorithm     ErrorCode = "unsupported_algorithm"
	CodeTimestampValidationFailed ErrorCode = "timestamp_validation_failed"
	CodeNonceInvalidFormat       ErrorCode = "nonce_validation_failed_invalid_format"
	CodeNonceReplay              ErrorCode = "nonce_validation_failed_replay"
	CodeRequiredComponentMissing ErrorCode = "required_component_missing"
	CodePublicKeyLookupFailed    ErrorCode = "public_key_lookup_failed"
	CodeSignatureVerificationFailed ErrorCode = "signature_verification_failed"
	CodeRateLimitExceeded        ErrorCode = "rate_limit_exceeded"
	CodeConfigurationError       ErrorCode = "configuration_error"
)

// ErrConfigurationError is the sentinel wrapped by Config.Validate.
var ErrConfigurationError = errors.New("auth: configuration error")

// AuthenticationError is the typed failure result of Verify: a code,
// a correlation id, and an optional detail message shown only when
// response_security.detailed_errors is enabled.
type AuthenticationError struct {
	Code          ErrorCode
	CorrelationID string
	KeyID         string
	Detail        string
}

func (e *AuthenticationError) Error() string {
	if e.Detail != "" {
		return string(e.Code) + ": " + e.Detail
	}
	return string(e.Code)
}

func newAuthError(code ErrorCode, correlationID, detail string) *AuthenticationError {
	return &AuthenticationError{Code: code, CorrelationID: correlationID, Detail: detail}
}

// Response is the JSON shape returned on failure: { error: true,
// error_code, message, correlation_id?, timestamp, details? }.
type Response struct {
	Error         bool      `json:"error"`
	ErrorCode     ErrorCode `json:"error_code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     int64     `json:"timestamp"`
	Details       string    `json:"details,omitempty"`
}

// ToResponse shapes an AuthenticationError per response_security
// config: the correlation id is included only if configured, and
// Details is populated only when detailed errors are enabled.
func (e *AuthenticationError) ToResponse(cfg ResponseSecurityConfig, now int64) Response {
	resp := Response{
		Error:     true,
		ErrorCode: e.Code,
		Message:   genericMessage(e.Code),
		Timestamp: now,
	}
	if cfg.IncludeCorrelationID {
		resp.CorrelationID = e.CorrelationID
	}
	if cfg.DetailedErrors {
		resp.Details = e.Detail
	}
	return resp
}

func genericMessage(code ErrorCode) string {
	switch code {
	case CodeMissingHeaders:
		return "required signature headers are missing"
	case CodeInvalidSignatureFormat:
		return "signature header could not be parsed"
	case CodeUnsupportedAlgorithm:
		return "signature algorithm is not supported"
	case CodeTimestampValidationFailed:
		return "request timestamp is outside the allowed window"
	case CodeNonceInvalidFormat:
		return "nonce does not meet the required format"
	case CodeNonceReplay:
		return "nonce has already been used"
	case CodeRequiredComponentMissing:
		return "a required signature component is missing"
	case CodePublicKeyLookupFailed:
		return "no active public key for this request"
	case CodeSignatureVerificationFailed:
		return "signature verification failed"
	case CodeRateLimitExceeded:
		return "rate limit exceeded"
	case CodeConfigurationError:
		return "authentication is misconfigured"
	default:
		return "authentication failed"
	}
}
