// Package apperr defines the failure taxonomy shared by the resilience layer,
// the secret chain and the orchestrator.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Match them with errors.Is.
var (
	ErrTransient             = errors.New("transient upstream failure")
	ErrPermanent             = errors.New("permanent upstream failure")
	ErrRateLimited           = errors.New("rate limited")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrCapability            = errors.New("capability error")
)

// ErrUnauthorized marks a permanent failure caused by rejected credentials.
// Callers seeing it should drop cached credentials.
var ErrUnauthorized = errors.New("credentials rejected")

// Error carries a failure kind together with the upstream it came from.
type Error struct {
	Kind     error
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Upstream, e.Kind)
	case e.Upstream == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Upstream, e.Kind, e.Err)
	}
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as a retryable upstream failure.
func Transient(upstream string, err error) error {
	return &Error{Kind: ErrTransient, Upstream: upstream, Err: err}
}

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(upstream string, err error) error {
	return &Error{Kind: ErrPermanent, Upstream: upstream, Err: err}
}

// RateLimited reports that no token could be obtained for upstream.
func RateLimited(upstream string, err error) error {
	return &Error{Kind: ErrRateLimited, Upstream: upstream, Err: err}
}

// CircuitOpen reports a short-circuited call.
func CircuitOpen(upstream string) error {
	return &Error{Kind: ErrCircuitOpen, Upstream: upstream}
}

// CredentialUnavailable reports that every secret backend failed for account.
func CredentialUnavailable(account string, err error) error {
	return &Error{Kind: ErrCredentialUnavailable, Upstream: account, Err: err}
}

// Capability wraps a classification or generation failure. The inner
// classification (transient/permanent) stays visible through errors.Is.
func Capability(op string, err error) error {
	return &Error{Kind: ErrCapability, Upstream: op, Err: err}
}

// IsContext reports whether err stems from context cancellation or deadline.
func IsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a retry policy may try again after err.
// Unclassified errors are treated as transient (network failures rarely come
// pre-classified).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if IsContext(err) ||
		errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrCredentialUnavailable) {
		return false
	}
	return true
}

// CountsAsFailure reports whether err should count against a circuit breaker.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(err)
}

// KindOf returns a short label for metrics and audit entries.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsContext(err):
		return "canceled"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCredentialUnavailable):
		return "credential_unavailable"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unclassified"
	}
}
