package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the retry policy: rate
// limits and outages earn another attempt, config and client errors do
// not.
type ErrorKind string

const (
	// KindNotConfigured marks missing or malformed provider
	// credentials. Never retried.
	KindNotConfigured ErrorKind = "not_configured"

	// KindRateLimited marks a provider 429. Retried after backoff.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAPIError marks a non-429 4xx: the request itself is bad.
	// Never retried.
	KindAPIError ErrorKind = "api_error"

	// KindUnavailable marks 5xx, timeouts, and transport failures.
	// Retried.
	KindUnavailable ErrorKind = "unavailable"
)

// Error is the typed failure adapters return.
type Error struct {
	Kind     ErrorKind
	Provider string
	msg      string
	cause    error
}

func NewError(kind ErrorKind, providerName, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Provider: providerName,
		msg:      fmt.Sprintf(format, args...),
	}
}

// WrapError keeps the underlying transport error reachable through
// errors.Is/As.
func WrapError(kind ErrorKind, providerName string, cause error, msg string) *Error {
	return &Error{
		Kind:     kind,
		Provider: providerName,
		msg:      msg,
		cause:    cause,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether another attempt could plausibly succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

// IsRetryable is the retry predicate for provider operations. Typed
// errors answer for themselves; cancellation is terminal; anything
// unknown is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

func IsNotConfigured(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindNotConfigured
}

func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRateLimited
}
