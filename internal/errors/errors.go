// Package errors provides the error taxonomy shared by the capture pipeline,
// the report lifecycle and the HTTP surface.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the report service.
type ErrorCode string

const (
	// Request errors
	RPT_VALIDATION  ErrorCode = "RPT_VALIDATION"  // General validation error
	RPT_BAD_REQUEST ErrorCode = "RPT_BAD_REQUEST" // Malformed request

	// Capture and submission errors
	RPT_DEVICE_UNAVAILABLE ErrorCode = "RPT_DEVICE_UNAVAILABLE" // Permission denied or no hardware
	RPT_UNSUPPORTED_FORMAT ErrorCode = "RPT_UNSUPPORTED_FORMAT" // Imported file is neither video nor image
	RPT_INCOMPLETE_REPORT  ErrorCode = "RPT_INCOMPLETE_REPORT"  // Missing location or description
	RPT_NO_MEDIA           ErrorCode = "RPT_NO_MEDIA"           // Submission without an artifact
	RPT_MEDIA_SIZE         ErrorCode = "RPT_MEDIA_SIZE"         // Upload exceeds the size limit

	// Lifecycle errors
	RPT_INVALID_TRANSITION ErrorCode = "RPT_INVALID_TRANSITION" // Status change off the forward path

	// Authentication/Authorization errors
	RPT_AUTHN ErrorCode = "RPT_AUTHN" // Missing or invalid credentials
	RPT_AUTHZ ErrorCode = "RPT_AUTHZ" // Authenticated but not allowed

	// Resource errors
	RPT_NOT_FOUND ErrorCode = "RPT_NOT_FOUND" // Report not found
	RPT_CONFLICT  ErrorCode = "RPT_CONFLICT"  // Resource conflict

	// Server errors
	RPT_INTERNAL    ErrorCode = "RPT_INTERNAL"    // Internal server error
	RPT_UNAVAILABLE ErrorCode = "RPT_UNAVAILABLE" // Service unavailable
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrDeviceUnavailable = &Error{Code: RPT_DEVICE_UNAVAILABLE}
	ErrUnsupportedFormat = &Error{Code: RPT_UNSUPPORTED_FORMAT}
	ErrIncompleteReport  = &Error{Code: RPT_INCOMPLETE_REPORT}
	ErrNoMedia           = &Error{Code: RPT_NO_MEDIA}
	ErrInvalidTransition = &Error{Code: RPT_INVALID_TRANSITION}
	ErrNotFound          = &Error{Code: RPT_NOT_FOUND}
	ErrConflict          = &Error{Code: RPT_CONFLICT}
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	cause         error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the given correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	if c.HTTPStatus == 0 {
		c.HTTPStatus = httpStatusCodeForCode(c.Code)
	}
	return &c
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case RPT_VALIDATION, RPT_BAD_REQUEST, RPT_INCOMPLETE_REPORT, RPT_NO_MEDIA:
		return http.StatusBadRequest
	case RPT_UNSUPPORTED_FORMAT:
		return http.StatusUnsupportedMediaType
	case RPT_MEDIA_SIZE:
		return http.StatusRequestEntityTooLarge
	case RPT_AUTHN:
		return http.StatusUnauthorized
	case RPT_AUTHZ:
		return http.StatusForbidden
	case RPT_NOT_FOUND:
		return http.StatusNotFound
	case RPT_CONFLICT, RPT_INVALID_TRANSITION:
		return http.StatusConflict
	case RPT_DEVICE_UNAVAILABLE, RPT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
