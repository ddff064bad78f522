package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the reconciliation core. Handlers map these to
// the webhook response contract: signature failures are the only 4xx,
// atomic write failures are 5xx so the gateway redelivers, and
// everything the gateway must not redeliver acks with 200.
var (
	ErrSignatureInvalid        = errors.New("signature verification failed")
	ErrVerificationUnavailable = errors.New("signature verification service unavailable")
	ErrTransactionNotFound     = errors.New("payment transaction not found")
	ErrStaleEvent              = errors.New("stale payment event")
	ErrUnsupportedEvent        = errors.New("unsupported event type")
	ErrAtomicWriteFailure      = errors.New("atomic write failure")
	ErrOverRefund              = errors.New("refund exceeds refundable amount")
	ErrRefundTransient         = errors.New("transient refund failure")
	ErrRefundTerminal          = errors.New("terminal refund failure")
	ErrConfigurationMissing    = errors.New("gateway configuration missing")
	ErrNotFound                = errors.New("resource not found")
	ErrBadRequest              = errors.New("bad request")
)

// AppError represents an application error with HTTP status and error code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorResponse represents the JSON error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAppError creates a new application error.
func NewAppError(code string, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NotFound creates a not found error.
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        ErrBadRequest,
	}
}

// Conflict creates a conflict error.
func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToResponse converts an AppError to ErrorResponse.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    e.Code,
			Message: e.Message,
		},
	}
}

// GetStatusCode returns the appropriate HTTP status code for an error.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrVerificationUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrOverRefund):
		return http.StatusBadRequest
	case errors.Is(err, ErrConfigurationMissing):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
