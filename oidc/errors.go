package oidc

import (
	"errors"
	"fmt"
)

// Kind classifies a verification failure for the calling middleware.
type Kind int

const (
	// KindForbidden means the token itself is untrusted: structurally
	// invalid, badly signed, failing claim policy, or signed with a key id
	// the provider does not vouch for. Retrying the same token is useless.
	KindForbidden Kind = iota + 1
	// KindTransient means an infrastructure failure while resolving keys.
	// The sender may legitimately retry later.
	KindTransient
)

// Error is the only error type returned by the verifier. The two kinds map
// directly to the caller's reject-vs-retry decision; there are deliberately
// no further variants.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransient:
		return "oidc: transient: " + e.Reason
	default:
		return "oidc: forbidden: " + e.Reason
	}
}

// Forbidden builds a non-retryable verification error.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Reason: fmt.Sprintf(format, args...)}
}

// Transient builds a retryable infrastructure error.
func Transient(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Reason: fmt.Sprintf(format, args...)}
}

// IsForbidden reports whether err is a non-retryable verification failure.
func IsForbidden(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindForbidden
}

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}
