package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these instead of literals;
// the prefix decides the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan  ErrorCode = "validation_invalid_plan"
	ErrCodeValidationInvalidEvent ErrorCode = "validation_invalid_event"

	// Authentication (401). Signature failures are fatal for the request and
	// never retried internally.
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeAuthSecretMissing    ErrorCode = "auth_secret_not_configured"
	ErrCodeAuthAdminKeyInvalid  ErrorCode = "auth_admin_key_invalid"

	// Limits (402)
	ErrCodeLimitGenerations ErrorCode = "limit_generations_exhausted"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundSession      ErrorCode = "not_found_session"
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"

	// Conflict (409). Never auto-resolved.
	ErrCodeConflictPlanHierarchy     ErrorCode = "conflict_plan_hierarchy"
	ErrCodeConflictPendingCheckout   ErrorCode = "conflict_pending_checkout"
	ErrCodeConflictReferenceMismatch ErrorCode = "conflict_reference_mismatch"
	ErrCodeConflictInvalidTransition ErrorCode = "conflict_invalid_transition"
	// Profile changed since it was read. Writers re-read and retry before
	// surfacing it.
	ErrCodeConflictProfileChanged ErrorCode = "conflict_profile_changed"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamProvider    ErrorCode = "upstream_payment_provider_unavailable"
	ErrCodeUpstreamIdentity    ErrorCode = "upstream_identity_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Warning. Logged, never returned as a request failure: the payment was
	// captured and the record is active.
	ErrCodeWarningPartialWrite ErrorCode = "warning_partial_write"
)

// HTTPStatus maps an ErrorCode to its HTTP status code.
// Returns 500 for unrecognized codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthSecretMissing):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "limit_"):
		return http.StatusPaymentRequired
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request later and
// expect a different outcome. Conflicts and authentication failures are final.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	return strings.HasPrefix(s, "upstream_") || strings.HasPrefix(s, "internal_")
}

// AppError is the application error type. It carries a code for status
// mapping, a client-safe message, the wrapped cause, and structured details.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates an AppError with the given code, message and cause.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates an AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode of err when it is (or wraps) an AppError,
// and ErrCodeInternalUnexpected otherwise.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsConflict reports whether err is any conflict_ error.
func IsConflict(err error) bool {
	return err != nil && strings.HasPrefix(string(CodeOf(err)), "conflict_")
}

// IsNotFound reports whether err is any not_found_ error.
func IsNotFound(err error) bool {
	return err != nil && strings.HasPrefix(string(CodeOf(err)), "not_found_")
}
