package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can tell retryable from fatal.
type ErrorKind string

const (
	// KindAuth: the credential was rejected. Fatal for the session, never
	// retried automatically — retrying with the same cookie cannot succeed.
	KindAuth ErrorKind = "auth"

	// KindConnectionLost: the channel died and the reconnect budget is
	// exhausted. Transient failures below the budget are never surfaced.
	KindConnectionLost ErrorKind = "connection_lost"

	// KindBusy: admission control rejected the request. Retry later.
	KindBusy ErrorKind = "busy"

	// KindUnknownModel: the requested model has no upstream adapter.
	KindUnknownModel ErrorKind = "unknown_model"

	// KindRateLimit: the upstream reported throttling.
	KindRateLimit ErrorKind = "rate_limit"

	// KindUpstream: an opaque failure reported by the remote side.
	KindUpstream ErrorKind = "upstream"

	// KindTimeout: a caller-configured deadline expired. Treated as a
	// cancellation, not an upstream fault.
	KindTimeout ErrorKind = "timeout"
)

// Error is the bridge-wide failure type. Kind is preserved end to end so the
// outward layer can map it 1:1 onto a wire error shape.
type Error struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on kind: errors.Is(err, &Error{Kind: KindAuth}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// NewError builds an Error with a formatted detail message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause while preserving the kind taxonomy.
func WrapError(kind ErrorKind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// KindOf extracts the kind from any error, defaulting to KindUpstream for
// errors that did not originate in this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}
