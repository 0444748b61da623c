package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so the transport layer can choose a status code
// without inspecting error text.
type Kind string

// All failure kinds surfaced by the service.
const (
	ValidationFailed         Kind = "ValidationFailed"
	NotFound                 Kind = "NotFound"
	Unauthorized             Kind = "Unauthorized"
	Forbidden                Kind = "Forbidden"
	Conflict                 Kind = "Conflict"
	OutOfOrderApproval       Kind = "OutOfOrderApproval"
	CommentRequired          Kind = "CommentRequired"
	CurrencyUnsupported      Kind = "CurrencyUnsupported"
	CurrencyUnavailable      Kind = "CurrencyUnavailable"
	PendingWorkBlocksRemoval Kind = "PendingWorkBlocksRemoval"
	Internal                 Kind = "Internal"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while preserving it as the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the Kind from err, walking wrapped chains. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code the API contract prescribes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationFailed, OutOfOrderApproval, CommentRequired, CurrencyUnsupported, PendingWorkBlocksRemoval:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case CurrencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
