// Package errors provides the structured error taxonomy of the device trust engine.
//
// Every failure that crosses a component boundary carries an ErrorCode so that the
// transport layer can map it to a status without string matching:
//
//	err := errors.New(errors.ErrCodeNotFound, "device session not found")
//	if errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode) {
//		// generic "invalid or expired code" response
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Step-up verification
	ErrCodeInvalidOrExpiredCode ErrorCode = "INVALID_OR_EXPIRED_CODE"
	ErrCodeVerificationRequired ErrorCode = "VERIFICATION_REQUIRED"

	// Collaborators
	ErrCodeUpstreamFailure  ErrorCode = "UPSTREAM_FAILURE"
	ErrCodeMisconfiguration ErrorCode = "MISCONFIGURATION"
)

// InvalidOrExpiredCodeMessage is the only message returned for a failed code or
// factor check. Wrong and expired codes are deliberately indistinguishable.
const InvalidOrExpiredCodeMessage = "invalid or expired code"

// Error represents a structured error with code, message, and optional details
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with code and message. It returns nil for a nil err.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Wrapf wraps an existing error with code and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
// Returns ErrCodeInternal if the error is not a structured Error.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// DetailsOf returns the details of a structured error, or nil.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// PublicMessage returns the message that may be shown to a client.
// Unstructured errors never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == ErrCodeInternal || e.Code == ErrCodeUpstreamFailure || e.Code == ErrCodeMisconfiguration {
			return http.StatusText(e.HTTPStatusCode())
		}
		return e.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

// MapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized, ErrCodeInvalidOrExpiredCode:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeVerificationRequired:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeUpstreamFailure:
		return http.StatusBadGateway
	case ErrCodeMisconfiguration, ErrCodeInternal:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// NotFound creates a "not found" error
func NotFound(resourceType, identifier string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resourceType, identifier)
}

// InvalidInput creates an "invalid input" error
func InvalidInput(field, reason string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, reason)
}

// Unauthorized creates an "unauthorized" error
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// InvalidOrExpiredCode is the generic verification failure.
func InvalidOrExpiredCode() *Error {
	return New(ErrCodeInvalidOrExpiredCode, InvalidOrExpiredCodeMessage)
}

// Upstream wraps a failed collaborator call.
func Upstream(err error, collaborator string) error {
	return Wrapf(err, ErrCodeUpstreamFailure, "%s call failed", collaborator)
}

// Misconfiguration reports a request that cannot proceed safely under the current setup.
func Misconfiguration(message string) *Error {
	return New(ErrCodeMisconfiguration, message)
}

// RateLimitExceeded creates a "rate limit exceeded" error
func RateLimitExceeded(retryAfter string) *Error {
	err := New(ErrCodeRateLimitExceeded, "rate limit exceeded")
	if retryAfter != "" {
		err.WithDetail("retry_after", retryAfter)
	}
	return err
}
