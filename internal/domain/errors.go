package domain

import "errors"

// ErrorKind is the machine-readable class of a domain error.
type ErrorKind string

const (
	KindUnauthorized      ErrorKind = "unauthorized"
	KindClaimMismatch     ErrorKind = "claim_mismatch"
	KindUnknownCluster    ErrorKind = "unknown_cluster"
	KindMalformedRequest  ErrorKind = "malformed_request"
	KindPolicyDenied      ErrorKind = "policy_denied"
	KindTokenReplayed     ErrorKind = "token_replayed"
	KindSessionNotFound   ErrorKind = "session_not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindEmptyCluster      ErrorKind = "empty_cluster"
	KindInternal          ErrorKind = "internal"
)

// Error is a structured failure reported synchronously to the caller.
type Error struct {
	Kind   ErrorKind
	Detail string // safe to return to the caller
	Cause  error  // diagnostics only, never serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// NewError creates a domain error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError creates a domain error carrying a diagnostic cause.
func WrapError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
