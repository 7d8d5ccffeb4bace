package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a chatrelay error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "VALIDATION_ERROR"       // 400
	ErrNotFound            ErrorCode = "NOT_FOUND"              // 404
	ErrRateLimited         ErrorCode = "RATE_LIMIT_EXCEEDED"    // 429
	ErrInvalidConfig       ErrorCode = "INVALID_CONFIG"         // startup only
	ErrUpstream            ErrorCode = "AI_SERVICE_ERROR"       // 502
	ErrUpstreamAuth        ErrorCode = "AI_AUTH_ERROR"          // 502
	ErrUpstreamRateLimit   ErrorCode = "AI_RATE_LIMIT"          // 503
	ErrUpstreamUnavailable ErrorCode = "AI_SERVICE_UNAVAILABLE" // 503
	ErrInternal            ErrorCode = "INTERNAL"               // 500
)

// RelayError represents a structured error with code, status, and details.
type RelayError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *RelayError {
	return &RelayError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewValidationFailed creates a 400 error listing every violated rule.
func NewValidationFailed(problems []string) *RelayError {
	return &RelayError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: "Validation failed",
		Details: map[string]any{"errors": problems},
	}
}

// NewNotFound creates a 404 error for when a conversation cannot be found.
func NewNotFound(id string) *RelayError {
	return &RelayError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("conversation not found: %s", id),
		Details: map[string]any{"conversation_id": id},
	}
}

// NewRateLimited creates a 429 error used by transports to surface a rejected
// admission decision.
func NewRateLimited(limiter string, retryAfterSeconds int) *RelayError {
	return &RelayError{
		Code:    ErrRateLimited,
		Status:  429,
		Message: "Rate limit exceeded. Please try again later.",
		Details: map[string]any{"limiter": limiter, "retry_after": retryAfterSeconds},
	}
}

// NewInvalidConfig creates an error for configuration rejected at startup.
func NewInvalidConfig(field, reason string) *RelayError {
	return &RelayError{
		Code:    ErrInvalidConfig,
		Status:  500,
		Message: fmt.Sprintf("invalid config %s: %s", field, reason),
		Details: map[string]any{"field": field},
	}
}

// NewUpstream maps an upstream HTTP status to the matching AI_* error.
// A zero status means the request never produced a response.
func NewUpstream(status int, cause string) *RelayError {
	e := &RelayError{
		Code:    ErrUpstream,
		Status:  502,
		Message: "AI service error",
		Details: map[string]any{"status_code": status, "original_error": cause},
	}
	switch {
	case status == 429:
		e.Code, e.Status, e.Message = ErrUpstreamRateLimit, 503, "AI service rate limit reached"
	case status == 401:
		e.Code, e.Message = ErrUpstreamAuth, "AI service authentication failed"
	case status >= 500:
		e.Code, e.Status, e.Message = ErrUpstreamUnavailable, 503, "AI service temporarily unavailable"
	}
	return e
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *RelayError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &RelayError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// As returns the RelayError in err's chain, if any.
func As(err error) (*RelayError, bool) {
	var rErr *RelayError
	if stderrors.As(err, &rErr) {
		return rErr, true
	}
	return nil, false
}

// Is checks if an error is a RelayError with the given code.
func Is(err error, code ErrorCode) bool {
	if rErr, ok := As(err); ok {
		return rErr.Code == code
	}
	return false
}
