// Package errkind defines the error taxonomy shared by every spine
// component. Errors carry a Kind (the coarse class mapped to HTTP) and an
// optional Reason (a stable machine-readable code such as
// "dissolve_auth_required"). Callers branch on kinds, never on message text.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse error class.
type Kind string

const (
	Validation           Kind = "validation_error"
	Unauthenticated      Kind = "unauthenticated"
	PermissionDenied     Kind = "permission_denied"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	PreconditionRequired Kind = "precondition_required"
	ResourceExhausted    Kind = "resource_exhausted"
	Internal             Kind = "internal"
	ServiceUnavailable   Kind = "service_unavailable"
	Timeout              Kind = "timeout"
)

// Reasons used as preconditions and denial codes across the spine.
const (
	ReasonDissolveAuthRequired = "dissolve_auth_required"
	ReasonBurnProofRequired    = "burn_proof_required"
	ReasonBurnProofInvalid     = "burn_proof_invalid"
	ReasonLedgerUnavailable    = "ledger_unavailable"
	ReasonAccessDenied         = "access_denied"
	ReasonInvalidTransition    = "invalid_transition"
)

// Error is the concrete error type returned by spine components.
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithReason builds an error carrying a stable reason code.
func WithReason(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind, preserving the chain for errors.Is/As.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// Internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ReasonOf extracts the reason code, if any, from an error chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a network call that produced err may be retried.
// Only unavailability and timeouts qualify; 4xx-class kinds never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ServiceUnavailable, Timeout, Internal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PreconditionRequired:
		return http.StatusPreconditionFailed
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies an HTTP status received from a downstream service.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return Validation
	case status == http.StatusUnauthorized:
		return Unauthenticated
	case status == http.StatusForbidden:
		return PermissionDenied
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusConflict:
		return Conflict
	case status == http.StatusPreconditionFailed, status == http.StatusPreconditionRequired:
		return PreconditionRequired
	case status == http.StatusTooManyRequests:
		return ResourceExhausted
	case status == http.StatusGatewayTimeout:
		return Timeout
	case status >= 500:
		return ServiceUnavailable
	case status >= 400:
		return Validation
	default:
		return Internal
	}
}
