// Package apperr classifies every failure of the login flow into a small set
// of kinds that callers can act on without inspecting transport errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an Error.
type Kind int

const (
	// KindUnknown is reported by KindOf for errors that were never classified.
	KindUnknown Kind = iota
	// KindValidation is local input rejected before any network call.
	KindValidation
	// KindNetwork means the request never reached the server.
	KindNetwork
	// KindServer means the server was reached and reported a failure.
	KindServer
	// KindAuthorization means a session exists but may not perform the action.
	KindAuthorization
	// KindIntegrity means persisted or received session data is unusable.
	KindIntegrity
	// KindInternal is a local failure that is neither input nor transport.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuthorization:
		return "authorization"
	case KindIntegrity:
		return "integrity"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error codes.
const (
	CodeInvalidPhone    = "INVALID_PHONE"
	CodeEmptyCode       = "EMPTY_CODE"
	CodeInvalidCode     = "INVALID_CODE"
	CodeNotSent         = "OTP_NOT_SENT"
	CodeUnreachable     = "BACKEND_UNREACHABLE"
	CodeTimeout         = "BACKEND_TIMEOUT"
	CodeRejected        = "BACKEND_REJECTED"
	CodeBadResponse     = "BACKEND_BAD_RESPONSE"
	CodeNoSession       = "NO_SESSION"
	CodeRoleMismatch    = "ROLE_MISMATCH"
	CodeCorruptSession  = "CORRUPT_SESSION"
	CodeIncompleteUser  = "INCOMPLETE_USER"
	CodeInvalidProfile  = "INVALID_PROFILE"
	CodeInvalidCallback = "INVALID_PAYMENT_CALLBACK"
	CodeSessionChanged  = "SESSION_CHANGED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is a classified failure. Message and Action are meant for end users.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Action  string
	// Status is the upstream HTTP status for KindServer, 0 otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and code so sentinel-style comparisons
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether re-submitting the same request may succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// UserMessage returns the message to show for err. Unclassified errors get
// the generic server fallback so raw transport text never reaches a view.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return msgServerFallback
}
