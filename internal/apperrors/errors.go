// Package apperrors provides structured error handling with context
// propagation and HTTP status code mapping.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/syncer"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeNotAuthorized indicates a permission failure (HTTP 403)
	TypeNotAuthorized ErrorType = "not_authorized"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeConflict indicates a state conflict (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeGone indicates a terminally ended resource (HTTP 410)
	TypeGone ErrorType = "gone"
	// TypeInternal indicates a server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
	// TypeExternal indicates a store or backend failure (HTTP 502)
	TypeExternal ErrorType = "external"
)

// Error is a structured error with type, message, and context fields.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField attaches a context field and returns the error for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// HTTPStatus returns the HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotAuthorized:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeGone:
		return http.StatusGone
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse renders the JSON body returned to clients. Internal causes are
// never exposed.
func (e *Error) ToResponse() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    string(e.Type),
			"message": e.Message,
		},
	}
}

func ValidationError(message string) *Error {
	return &Error{Type: TypeValidation, Message: message}
}

func NotAuthorizedError(message string) *Error {
	return &Error{Type: TypeNotAuthorized, Message: message}
}

func NotFoundError(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message}
}

func ConflictError(message string) *Error {
	return &Error{Type: TypeConflict, Message: message}
}

func GoneError(message string) *Error {
	return &Error{Type: TypeGone, Message: message}
}

func InternalError(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause}
}

func ExternalError(message string, cause error) *Error {
	return &Error{Type: TypeExternal, Message: message, Cause: cause}
}

// AsStructuredError converts any error into a structured Error, translating
// the domain and sync sentinels into their HTTP-facing categories.
func AsStructuredError(err error) *Error {
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return &Error{Type: TypeNotFound, Message: "session not found", Cause: err}
	case errors.Is(err, domain.ErrSessionEnded):
		return &Error{Type: TypeGone, Message: "session has ended", Cause: err}
	case errors.Is(err, domain.ErrBadJoinCode):
		return &Error{Type: TypeNotAuthorized, Message: "join code does not match", Cause: err}
	case errors.Is(err, domain.ErrNotAuthorized):
		return &Error{Type: TypeNotAuthorized, Message: "not authorized", Cause: err}
	case errors.Is(err, domain.ErrAlreadyJoined):
		return &Error{Type: TypeConflict, Message: "already joined", Cause: err}
	case errors.Is(err, domain.ErrInvalidState):
		return &Error{Type: TypeConflict, Message: "operation not valid in current session state", Cause: err}
	case errors.Is(err, domain.ErrEmptyQueue):
		return &Error{Type: TypeValidation, Message: "queue must not be empty", Cause: err}
	case errors.Is(err, domain.ErrQueueInconsistent):
		return &Error{Type: TypeConflict, Message: "queue is out of sync, retry after resync", Cause: err}
	case errors.Is(err, syncer.ErrWriteFailed):
		return &Error{Type: TypeExternal, Message: "failed to persist session", Cause: err}
	case errors.Is(err, syncer.ErrConnectionLost):
		return &Error{Type: TypeExternal, Message: "store connection lost", Cause: err}
	default:
		return &Error{Type: TypeInternal, Message: "internal error", Cause: err}
	}
}

// WrapHTTPError converts an echo.HTTPError (from framework middleware) into
// a structured Error for metrics purposes.
func WrapHTTPError(httpErr *echo.HTTPError) *Error {
	t := TypeInternal
	switch httpErr.Code {
	case http.StatusBadRequest:
		t = TypeValidation
	case http.StatusForbidden, http.StatusUnauthorized:
		t = TypeNotAuthorized
	case http.StatusNotFound:
		t = TypeNotFound
	case http.StatusConflict:
		t = TypeConflict
	}
	return &Error{Type: t, Message: fmt.Sprintf("%v", httpErr.Message), Cause: httpErr}
}
