// Package errors provides the standardized error type shared by the HTTP surface and job workers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents a stable, machine-readable reason code.
type ErrorCode string

// Entitlement denials
const (
	ErrCodePrincipalNotFound  ErrorCode = "PRINCIPAL_NOT_FOUND"
	ErrCodeProductNotFound    ErrorCode = "PRODUCT_NOT_FOUND"
	ErrCodeNoEntitlement      ErrorCode = "NO_ENTITLEMENT"
	ErrCodeEntitlementInvalid ErrorCode = "ENTITLEMENT_INVALID"
	ErrCodePassExpired        ErrorCode = "PASS_EXPIRED"
	ErrCodePassInactive       ErrorCode = "PASS_INACTIVE"
	ErrCodePassQuotaExhausted ErrorCode = "PASS_QUOTA_EXHAUSTED"
	ErrCodeProductExcluded    ErrorCode = "PRODUCT_EXCLUDED"
)

// Download token failures
const (
	ErrCodeTokenInvalid          ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired          ErrorCode = "TOKEN_EXPIRED"
	ErrCodeFileNotAuthorized     ErrorCode = "FILE_NOT_AUTHORIZED"
	ErrCodeExhausted             ErrorCode = "EXHAUSTED"
	ErrCodeFileSelectionRequired ErrorCode = "FILE_SELECTION_REQUIRED"
	ErrCodeFileNotFound          ErrorCode = "FILE_NOT_FOUND"
)

// Request and infrastructure failures
const (
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Category groups reason codes into the error taxonomy clients render messages from.
type Category string

const (
	CategoryNotFound            Category = "NotFound"
	CategoryDenied              Category = "Denied"
	CategoryExpired             Category = "Expired"
	CategoryExhausted           Category = "Exhausted"
	CategoryUnauthorized        Category = "Unauthorized"
	CategorySelectionRequired   Category = "SelectionRequired"
	CategoryUpstreamUnavailable Category = "UpstreamUnavailable"
	CategoryInvalid             Category = "Invalid"
	CategoryRateLimited         Category = "RateLimited"
	CategoryOther               Category = "Other"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so errors.Is works against
// the sentinel-style values returned by New.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata returns the error with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	for k, v := range e.ErrorVariables {
		vars[k] = v
	}

	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

var messages = map[ErrorCode]string{
	ErrCodePrincipalNotFound:     "Principal not found",
	ErrCodeProductNotFound:       "Product not found",
	ErrCodeNoEntitlement:         "No license or access pass covers this product",
	ErrCodeEntitlementInvalid:    "Entitlement does not grant this product",
	ErrCodePassExpired:           "Your access pass has expired",
	ErrCodePassInactive:          "Your access pass is not active",
	ErrCodePassQuotaExhausted:    "Your access pass download allowance for this period is used up",
	ErrCodeProductExcluded:       "This product is not included in access passes",
	ErrCodeTokenInvalid:          "Download link is invalid",
	ErrCodeTokenExpired:          "Download link has expired",
	ErrCodeFileNotAuthorized:     "File is not covered by this download link",
	ErrCodeExhausted:             "Download link has been used up",
	ErrCodeFileSelectionRequired: "Download link covers several files; choose one",
	ErrCodeFileNotFound:          "File is not available in storage",
	ErrCodeInvalidRequest:        "Invalid request",
	ErrCodeUnauthenticated:       "Authentication required",
	ErrCodeRateLimited:           "Too many requests",
	ErrCodeUpstreamUnavailable:   "A backing service is temporarily unavailable",
	ErrCodeInternal:              "Unexpected error",
}

// New creates a StandardError for code with its canonical message.
func New(code ErrorCode, details string) *StandardError {
	msg, ok := messages[code]
	if !ok {
		msg = string(code)
	}
	return &StandardError{
		Code:      code,
		Message:   msg,
		Details:   details,
		Retryable: IsRetryableErrorCode(code),
		Timestamp: time.Now().UTC(),
	}
}

// NewDenied creates a non-retryable denial carrying one of the entitlement or token reason codes.
func NewDenied(code ErrorCode, details string) *StandardError {
	e := New(code, details)
	e.Retryable = false
	return e
}

// NewInvalidRequestError creates a non-retryable validation error.
func NewInvalidRequestError(details string) *StandardError {
	return New(ErrCodeInvalidRequest, details)
}

// NewUpstreamUnavailableError wraps a transient store or blob store failure.
func NewUpstreamUnavailableError(service string, err error) *StandardError {
	details := service
	if err != nil {
		details = fmt.Sprintf("%s: %s", service, err.Error())
	}
	return &StandardError{
		Code:      ErrCodeUpstreamUnavailable,
		Message:   fmt.Sprintf("Service '%s' unavailable", service),
		Details:   details,
		Retryable: true,
		Metadata:  map[string]interface{}{"service": service},
		Timestamp: time.Now().UTC(),
	}
}

// NewRateLimitedError creates a rate limit error telling the caller when to retry.
func NewRateLimitedError(scope string, retryAfter time.Duration) *StandardError {
	e := New(ErrCodeRateLimited, fmt.Sprintf("scope: %s", scope))
	e.Retryable = true
	return e.WithMetadata("retryAfterSeconds", int(retryAfter.Round(time.Second)/time.Second))
}

// NewAuthenticationError creates a non-retryable authentication error.
func NewAuthenticationError(details string) *StandardError {
	return New(ErrCodeUnauthenticated, details)
}

// NewInternalError wraps an unexpected error.
func NewInternalError(err error) *StandardError {
	return New(ErrCodeInternal, err.Error())
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// GetRetryCount returns the recommended job retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeUpstreamUnavailable:
		return 3
	case ErrCodeRateLimited:
		return 1
	default:
		return 0 // Business errors: no retry
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"errorCategory":     string(GetErrorCategory(stdErr.Code)),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the taxonomy category of the error code.
func GetErrorCategory(code ErrorCode) Category {
	switch code {
	case ErrCodePrincipalNotFound, ErrCodeProductNotFound, ErrCodeTokenInvalid, ErrCodeFileNotFound:
		return CategoryNotFound
	case ErrCodeNoEntitlement, ErrCodeEntitlementInvalid, ErrCodePassInactive, ErrCodeProductExcluded:
		return CategoryDenied
	case ErrCodePassExpired, ErrCodeTokenExpired:
		return CategoryExpired
	case ErrCodeExhausted, ErrCodePassQuotaExhausted:
		return CategoryExhausted
	case ErrCodeFileNotAuthorized, ErrCodeUnauthenticated:
		return CategoryUnauthorized
	case ErrCodeFileSelectionRequired:
		return CategorySelectionRequired
	case ErrCodeUpstreamUnavailable:
		return CategoryUpstreamUnavailable
	case ErrCodeInvalidRequest:
		return CategoryInvalid
	case ErrCodeRateLimited:
		return CategoryRateLimited
	}
	if strings.HasSuffix(string(code), "_NOT_FOUND") {
		return CategoryNotFound
	}
	return CategoryOther
}

// HTTPStatus maps a code to the status the HTTP surface answers with.
// Token failures answer 403 so clients treat them uniformly as "link unusable".
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodePrincipalNotFound, ErrCodeProductNotFound, ErrCodeFileNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

// AsStandard extracts a StandardError from err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}
