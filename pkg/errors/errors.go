package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of application errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeRateLimit      ErrorType = "rate_limit"

	// Session lifecycle outcomes
	ErrorTypeUserCancelled ErrorType = "user_cancelled"
	ErrorTypeProvider      ErrorType = "provider"
	ErrorTypeDecode        ErrorType = "decode"
	ErrorTypeStore         ErrorType = "store"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeUpstreamProxy ErrorType = "upstream_proxy"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Internal   error                  `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Internal.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// NewValidationError creates a new validation error
func NewValidationError(message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewInternalError creates a new internal server error
func NewInternalError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   internal,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Internal:   internal,
	}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewUserCancelledError reports a hosted-UI hand-off that ended without a result
func NewUserCancelledError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUserCancelled,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewProviderError reports an error parameter in a redirect or an error
// payload from the token endpoint. code and description are the provider's
// "error" and "error_description" values.
func NewProviderError(code, description string) *AppError {
	details := map[string]interface{}{"error": code}
	if description != "" {
		details["error_description"] = description
	}
	return &AppError{
		Type:       ErrorTypeProvider,
		Message:    "identity provider returned " + code,
		StatusCode: http.StatusUnauthorized,
		Details:    details,
	}
}

// NewDecodeError reports a malformed token
func NewDecodeError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeDecode,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Internal:   internal,
	}
}

// NewStoreError reports a token persistence failure
func NewStoreError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeStore,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   internal,
	}
}

// NewNetworkError reports a transport failure
func NewNetworkError(message string, internal error) *AppError {
	return &AppError{
		Type:       ErrorTypeNetwork,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Internal:   internal,
	}
}

// NewUpstreamProxyError reports a failed directory lookup. payload is the
// upstream error body and is attached to the response as-is.
func NewUpstreamProxyError(message string, payload interface{}, internal error) *AppError {
	appErr := &AppError{
		Type:       ErrorTypeUpstreamProxy,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   internal,
	}
	if payload != nil {
		appErr.Details = map[string]interface{}{"upstream": payload}
	}
	return appErr
}

// As returns the first *AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of err, or "" when err carries no AppError
func TypeOf(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err's chain holds an AppError of type t
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// ErrorResponse represents the JSON error response
type ErrorResponse struct {
	Error struct {
		Type      ErrorType              `json:"type"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details,omitempty"`
		RequestID string                 `json:"request_id,omitempty"`
		Timestamp string                 `json:"timestamp"`
	} `json:"error"`
}
