// Package dialogerr defines the stable error kinds surfaced by the dialogue core.
// Every component classifies its failures into one of these kinds; only
// InvalidInput, SessionBusy and Internal escape to the transport layer, all
// other kinds are transformed into a valid business response upstream.
package dialogerr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error code.
type Kind string

const (
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindSessionBusy         Kind = "SESSION_BUSY"
	KindSessionExpired      Kind = "SESSION_EXPIRED"
	KindConfigError         Kind = "CONFIG_ERROR"
	KindClassifierDegraded  Kind = "CLASSIFIER_DEGRADED"
	KindExtractorError      Kind = "EXTRACTOR_ERROR"
	KindValidationError     Kind = "VALIDATION_ERROR"
	KindDispatchTransient   Kind = "DISPATCH_TRANSIENT"
	KindDispatchFailed      Kind = "DISPATCH_FAILED"
	KindFallbackFailed      Kind = "FALLBACK_FAILED"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindOverloaded          Kind = "OVERLOADED"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
