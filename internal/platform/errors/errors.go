// Package errors provides unified error handling for the sync core
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Wire codes the client dispatches on; these strings are stable.
	ErrCodeAuthDeclined           ErrorCode = "DEBITUM_AUTH_DECLINED"
	ErrCodeInsufficientPermission ErrorCode = "DEBITUM_INSUFFICIENT_WALLET_PERMISSION"

	// Validation errors
	ErrCodeInvalidInput     ErrorCode = "VAL_INVALID_INPUT"
	ErrCodeMissingParameter ErrorCode = "VAL_MISSING_PARAMETER"

	// Resource errors
	ErrCodeNotFound ErrorCode = "RES_NOT_FOUND"
	ErrCodeConflict ErrorCode = "RES_CONFLICT"

	// Service errors
	ErrCodeInternal          ErrorCode = "SVC_INTERNAL"
	ErrCodeDatabaseError     ErrorCode = "SVC_DATABASE"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_RATE_LIMIT"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// AuthDeclined is the 401 wire error. Clients must not drop local state on it.
func AuthDeclined(message string) *ServiceError {
	if message == "" {
		message = "Authentication declined"
	}
	return New(ErrCodeAuthDeclined, message, http.StatusUnauthorized)
}

// InsufficientWalletPermission is the 403 wire error. Clients drop their
// unsynced local events for the wallet when they receive it on a push.
func InsufficientWalletPermission() *ServiceError {
	return New(ErrCodeInsufficientPermission, "Insufficient permissions for this action", http.StatusForbidden)
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
