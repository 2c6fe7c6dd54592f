package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds map one-to-one onto the HTTP statuses the platform emits.
// Background jobs reuse the same kinds for classification even though
// their failures never reach a client.
const (
	KindValidation      = "ValidationError"
	KindUnauthorized    = "UnauthorizedError"
	KindForbidden       = "ForbiddenError"
	KindNotFound        = "NotFoundError"
	KindPayloadTooLarge = "PayloadTooLargeError"
	KindRetryable       = "RetryableError"
	KindFatal           = "InternalError"
)

// AppError is the application error type carried through handlers and
// middleware until the terminal error handler serializes it.
type AppError struct {
	Kind    string
	Status  int
	Message string
	Issues  []Issue
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Body converts the error to its wire form. Stack traces (represented
// by the cause chain) are only exposed outside production.
func (e *AppError) Body(includeStack bool) *ErrorBody {
	body := &ErrorBody{Name: e.Kind, Message: e.Message, Issues: e.Issues}
	if includeStack && e.cause != nil {
		body.Stack = e.cause.Error()
	}
	return body
}

func NewValidation(issues ...Issue) *AppError {
	return &AppError{Kind: KindValidation, Status: http.StatusUnprocessableEntity, Message: "Validation failed", Issues: issues}
}

func NewUnauthorized(message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

func NewForbidden(message string) *AppError {
	return &AppError{Kind: KindForbidden, Status: http.StatusForbidden, Message: message}
}

func NewNotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Status: http.StatusNotFound, Message: message}
}

func NewPayloadTooLarge(message string) *AppError {
	return &AppError{Kind: KindPayloadTooLarge, Status: http.StatusRequestEntityTooLarge, Message: message}
}

func NewBadRequest(message string) *AppError {
	return &AppError{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

// NewRetryable marks a transient downstream failure (database, broker,
// outbound HTTP) that surfaces as a 5xx.
func NewRetryable(message string, cause error) *AppError {
	return &AppError{Kind: KindRetryable, Status: http.StatusServiceUnavailable, Message: message, cause: cause}
}

// NewFatal wraps an unhandled error as a 500.
func NewFatal(cause error) *AppError {
	return &AppError{Kind: KindFatal, Status: http.StatusInternalServerError, Message: "Internal Server Error", cause: cause}
}

// AsAppError extracts an *AppError from an error chain, wrapping unknown
// errors as fatal so the terminal handler always has a structured body.
func AsAppError(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return NewFatal(err)
}
