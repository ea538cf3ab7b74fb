// Package failures defines the failure taxonomy shared by the vault, connectors and orchestrator.
package failures

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why a sync run could not complete.
type Kind string

const (
	KindCredentialsNotConfigured Kind = "credentials_not_configured"
	KindSyncAlreadyInProgress    Kind = "sync_already_in_progress"
	KindAuthInvalid              Kind = "auth_invalid"
	KindRateLimited              Kind = "rate_limited"
	KindUpstreamUnavailable      Kind = "upstream_unavailable"
	KindMalformedResponse        Kind = "malformed_response"
	KindInternal                 Kind = "internal_error"
)

// Error is a classified failure. Platform is empty for failures outside a connector.
type Error struct {
	Kind       Kind
	Platform   string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Platform != "" {
		msg = e.Platform + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuthInvalid) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Platform == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrCredentialsNotConfigured = &Error{Kind: KindCredentialsNotConfigured}
	ErrSyncAlreadyInProgress    = &Error{Kind: KindSyncAlreadyInProgress}
	ErrAuthInvalid              = &Error{Kind: KindAuthInvalid}
	ErrRateLimited              = &Error{Kind: KindRateLimited}
	ErrUpstreamUnavailable      = &Error{Kind: KindUpstreamUnavailable}
	ErrMalformedResponse        = &Error{Kind: KindMalformedResponse}
	ErrInternal                 = &Error{Kind: KindInternal}
)

func New(kind Kind, platform, format string, args ...any) *Error {
	return &Error{Kind: kind, Platform: platform, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, platform string, err error, message string) *Error {
	return &Error{Kind: kind, Platform: platform, Message: message, Err: err}
}

func AuthInvalid(platform, format string, args ...any) *Error {
	return New(KindAuthInvalid, platform, format, args...)
}

func RateLimited(platform string, retryAfter time.Duration, format string, args ...any) *Error {
	e := New(KindRateLimited, platform, format, args...)
	e.RetryAfter = retryAfter
	return e
}

func UpstreamUnavailable(platform string, err error, message string) *Error {
	return Wrap(KindUpstreamUnavailable, platform, err, message)
}

func MalformedResponse(platform string, err error, message string) *Error {
	return Wrap(KindMalformedResponse, platform, err, message)
}

func Internal(err error, message string) *Error {
	return Wrap(KindInternal, "", err, message)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns err as *Error, classifying unknown errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, err.Error())
}
