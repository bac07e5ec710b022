// Package dferr is the domain-level error taxonomy the node
// orchestrator's operation surface returns to the HTTP adapter (§7):
// sentinel kinds plus a correlation-carrying wrapper, following the
// teacher's storage.ErrXxx sentinel-var style.
package dferr

import (
	"errors"
	"fmt"
)

// Kind is one of the domain-level error categories in the taxonomy.
// It is transport-agnostic; the HTTP adapter maps Kind to a status
// code, not the other way around.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindInvalidField        Kind = "InvalidField"
	KindInvalidData         Kind = "InvalidData"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindValidationFailed    Kind = "ValidationFailed"
	KindConflict            Kind = "Conflict"
	KindAuthenticationError Kind = "AuthenticationError"
	KindKeyRotationError    Kind = "KeyRotationError"
	KindNetwork             Kind = "Network"
	KindConfigurationError  Kind = "ConfigurationError"
)

// KeyRotationSubKind enumerates §4.3/§7's KeyRotationError sub-kinds.
type KeyRotationSubKind string

const (
	InvalidRotationRequest KeyRotationSubKind = "INVALID_ROTATION_REQUEST"
	KeyNotFound            KeyRotationSubKind = "KEY_NOT_FOUND"
	KeyAlreadyExists       KeyRotationSubKind = "KEY_ALREADY_EXISTS"
	TransactionFailed      KeyRotationSubKind = "TRANSACTION_FAILED"
	StorageError           KeyRotationSubKind = "STORAGE_ERROR"
)

// NetworkSubKind enumerates §7's Network sub-kinds.
type NetworkSubKind string

const (
	NetworkTimeout    NetworkSubKind = "Timeout"
	NetworkConnection NetworkSubKind = "Connection"
	NetworkProtocol   NetworkSubKind = "Protocol"
)

// Error is the wrapper every operation-surface method returns on
// failure: a Kind, a human message, an optional sub-kind (only
// meaningful for KeyRotationError/Network), a correlation id for
// cross-referencing logs/events, and the wrapped cause.
type Error struct {
	Kind        Kind
	SubKind     string
	Message     string
	Correlation string
	Cause       error
}

func (e *Error) Error() string {
	if e.SubKind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.SubKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error with no sub-kind or correlation id.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that preserves cause for errors.Is/As chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSubKind attaches a sub-kind (KeyRotationSubKind or
// NetworkSubKind) to an existing Error, returning a new value.
func (e *Error) WithSubKind(sub fmt.Stringer) *Error {
	cp := *e
	cp.SubKind = sub.String()
	return &cp
}

func (k KeyRotationSubKind) String() string { return string(k) }
func (k NetworkSubKind) String() string     { return string(k) }

// WithCorrelation attaches a correlation id, returning a new value.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.Correlation = id
	return &cp
}

// Is lets errors.Is(err, dferr.NotFound) match any *Error of that Kind
// regardless of message/cause, by comparing against the Kind markers
// below rather than a fixed sentinel instance.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Cause != nil || other.SubKind != "" || other.Message != "" {
		return false
	}
	return e.Kind == other.Kind
}

// Kind markers: errors.Is(err, dferr.NotFound) matches any *Error
// whose Kind is KindNotFound, independent of message/cause/sub-kind.
var (
	NotFound            = &Error{Kind: KindNotFound}
	InvalidField        = &Error{Kind: KindInvalidField}
	InvalidData         = &Error{Kind: KindInvalidData}
	PermissionDenied    = &Error{Kind: KindPermissionDenied}
	ValidationFailed    = &Error{Kind: KindValidationFailed}
	Conflict            = &Error{Kind: KindConflict}
	AuthenticationError = &Error{Kind: KindAuthenticationError}
	KeyRotationError    = &Error{Kind: KindKeyRotationError}
	NetworkError        = &Error{Kind: KindNetwork}
	ConfigurationError  = &Error{Kind: KindConfigurationError}
)

// As is a thin convenience wrapper over errors.As for callers that
// want the concrete *Error to read Kind/SubKind/Correlation off an
// arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
