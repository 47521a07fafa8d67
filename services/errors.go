package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeConfiguration       ErrorType = "configuration"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeModelNotFound       ErrorType = "model_not_found"
	ErrorTypeProviderNotFound    ErrorType = "provider_not_found"
	ErrorTypeNoProvidersForModel ErrorType = "no_providers_for_model"
	ErrorTypeNoHealthyProviders  ErrorType = "no_healthy_providers"
	ErrorTypeModelMappingMissing ErrorType = "model_mapping_missing"
	ErrorTypeNotSupported        ErrorType = "not_supported"
	ErrorTypeProviderUnhealthy   ErrorType = "provider_unhealthy"
	ErrorTypeNetwork             ErrorType = "network"
	ErrorTypeHTTPStatus          ErrorType = "http_status"
	ErrorTypeSandboxTimeout      ErrorType = "sandbox_timeout"
	ErrorTypeSandboxNonZeroExit  ErrorType = "sandbox_non_zero_exit"
	ErrorTypeSandboxOutputLimit  ErrorType = "sandbox_output_limit"
	ErrorTypeCancelled           ErrorType = "cancelled"
	ErrorTypeCircuitOpen         ErrorType = "circuit_open"
	ErrorTypeCallTimeout         ErrorType = "call_timeout"
	ErrorTypeFallbackExhausted   ErrorType = "fallback_exhausted"
	ErrorTypeInternal            ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons; matching is by type only.
var (
	ErrConfiguration       = NewDomainError(ErrorTypeConfiguration, "invalid configuration", nil)
	ErrValidation          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrModelNotFound       = NewDomainError(ErrorTypeModelNotFound, "model not found", nil)
	ErrProviderNotFound    = NewDomainError(ErrorTypeProviderNotFound, "provider not found", nil)
	ErrNoProvidersForModel = NewDomainError(ErrorTypeNoProvidersForModel, "no providers for model", nil)
	ErrNoHealthyProviders  = NewDomainError(ErrorTypeNoHealthyProviders, "no healthy providers", nil)
	ErrModelMappingMissing = NewDomainError(ErrorTypeModelMappingMissing, "model mapping missing", nil)
	ErrNotSupported        = NewDomainError(ErrorTypeNotSupported, "operation not supported", nil)
	ErrProviderUnhealthy   = NewDomainError(ErrorTypeProviderUnhealthy, "provider unhealthy", nil)
	ErrNetwork             = NewDomainError(ErrorTypeNetwork, "network error", nil)
	ErrHTTPStatus          = NewDomainError(ErrorTypeHTTPStatus, "upstream returned an error status", nil)
	ErrSandboxTimeout      = NewDomainError(ErrorTypeSandboxTimeout, "sandbox execution timed out", nil)
	ErrSandboxNonZeroExit  = NewDomainError(ErrorTypeSandboxNonZeroExit, "sandbox process exited with non-zero status", nil)
	ErrSandboxOutputLimit  = NewDomainError(ErrorTypeSandboxOutputLimit, "sandbox output exceeded its limit", nil)
	ErrCancelled           = NewDomainError(ErrorTypeCancelled, "request cancelled", nil)
	ErrCircuitOpen         = NewDomainError(ErrorTypeCircuitOpen, "circuit breaker is open", nil)
	ErrCallTimeout         = NewDomainError(ErrorTypeCallTimeout, "provider call timed out", nil)
	ErrFallbackExhausted   = NewDomainError(ErrorTypeFallbackExhausted, "all fallback attempts failed", nil)
	ErrInternal            = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Constructors

// NewConfigurationError reports invalid or missing adapter configuration.
// Every problem found is listed in the "errors" detail.
func NewConfigurationError(message string, problems []string) *DomainError {
	e := NewDomainError(ErrorTypeConfiguration, message, nil)
	if len(problems) > 0 {
		e.WithDetail("errors", problems)
	}
	return e
}

// NewValidationError reports a malformed request
func NewValidationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, err)
}

// NewModelNotFoundError reports that no registered provider serves a model
func NewModelNotFoundError(modelID string) *DomainError {
	return NewDomainError(ErrorTypeModelNotFound, fmt.Sprintf("no provider found for model %q", modelID), nil).
		WithDetail("model", modelID)
}

// NewProviderNotFoundError reports an unknown provider id
func NewProviderNotFoundError(providerID string) *DomainError {
	return NewDomainError(ErrorTypeProviderNotFound, fmt.Sprintf("provider %q not found", providerID), nil).
		WithDetail("provider_id", providerID)
}

// NewNoProvidersForModelError reports an empty registry lookup inside the fallback engine
func NewNoProvidersForModelError(modelID string) *DomainError {
	return NewDomainError(ErrorTypeNoProvidersForModel, fmt.Sprintf("no provider found for model %q", modelID), nil).
		WithDetail("model", modelID)
}

// NewNoHealthyProvidersError reports that every candidate was filtered out
func NewNoHealthyProvidersError(modelID string) *DomainError {
	return NewDomainError(ErrorTypeNoHealthyProviders, fmt.Sprintf("no healthy providers available for model %q", modelID), nil).
		WithDetail("model", modelID)
}

// NewModelMappingMissingError reports a provider without a mapping for the model
func NewModelMappingMissingError(providerID, modelID string) *DomainError {
	return NewDomainError(ErrorTypeModelMappingMissing,
		fmt.Sprintf("model %q not found in mappings of provider %q", modelID, providerID), nil).
		WithDetail("provider_id", providerID).
		WithDetail("model", modelID)
}

// NewNotSupportedError reports an operation the adapter cannot serve
func NewNotSupportedError(operation string, providerType string) *DomainError {
	return NewDomainError(ErrorTypeNotSupported,
		fmt.Sprintf("%s is not supported by %s adapter", operation, providerType), nil).
		WithDetail("operation", operation)
}

// NewProviderUnhealthyError reports a failed pre-flight health check
func NewProviderUnhealthyError(providerID string, err error) *DomainError {
	return NewDomainError(ErrorTypeProviderUnhealthy, fmt.Sprintf("provider %q failed health check", providerID), err).
		WithDetail("provider_id", providerID)
}

// NewNetworkError wraps a transport failure
func NewNetworkError(err error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, "upstream connection failed", err)
}

// NewHTTPStatusError reports a non-success upstream status with its payload
func NewHTTPStatusError(status int, payload []byte) *DomainError {
	return NewDomainError(ErrorTypeHTTPStatus, fmt.Sprintf("upstream returned HTTP %d", status), nil).
		WithDetail("status", status).
		WithDetail("payload", truncate(string(payload), 2048))
}

// NewSandboxTimeoutError reports a sandboxed process killed at its deadline
func NewSandboxTimeoutError(timeout time.Duration) *DomainError {
	return NewDomainError(ErrorTypeSandboxTimeout, fmt.Sprintf("sandbox execution timed out after %s", timeout), nil).
		WithDetail("timeout_ms", timeout.Milliseconds())
}

// NewSandboxNonZeroExitError reports a failed process with its sanitized stderr
func NewSandboxNonZeroExitError(exitCode int, stderr string) *DomainError {
	return NewDomainError(ErrorTypeSandboxNonZeroExit, fmt.Sprintf("sandbox process exited with code %d", exitCode), nil).
		WithDetail("exit_code", exitCode).
		WithDetail("stderr", truncate(stderr, 2048))
}

// NewSandboxOutputLimitError reports tool output cut off at the byte limit
func NewSandboxOutputLimitError(limit int) *DomainError {
	return NewDomainError(ErrorTypeSandboxOutputLimit,
		fmt.Sprintf("sandbox output exceeded %d bytes", limit), nil).
		WithDetail("limit", limit)
}

// NewCancelledError reports caller cancellation
func NewCancelledError(err error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, "request cancelled by caller", err)
}

// NewCircuitOpenError reports a rejected call while the breaker is open
func NewCircuitOpenError(providerID string, nextAttempt time.Time) *DomainError {
	return NewDomainError(ErrorTypeCircuitOpen, fmt.Sprintf("circuit breaker is open for provider %q", providerID), nil).
		WithDetail("provider_id", providerID).
		WithDetail("next_attempt_time", nextAttempt)
}

// NewCallTimeoutError reports a breaker-guarded call exceeding its per-call timeout
func NewCallTimeoutError(providerID string, timeout time.Duration) *DomainError {
	return NewDomainError(ErrorTypeCallTimeout, fmt.Sprintf("call to provider %q timed out after %s", providerID, timeout), nil).
		WithDetail("provider_id", providerID)
}

// NewFallbackExhaustedError reports that every attempted provider failed
func NewFallbackExhaustedError(modelID string, attempts int, last error) *DomainError {
	return NewDomainError(ErrorTypeFallbackExhausted,
		fmt.Sprintf("all %d fallback attempts failed for model %q", attempts, modelID), last).
		WithDetail("attempts", attempts).
		WithDetail("model", modelID)
}

// Error type checking helper functions

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return GetErrorType(err) == ErrorTypeConfiguration
}

// IsNotSupportedError checks if an error is a not-supported error
func IsNotSupportedError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotSupported
}

// IsCircuitOpenError checks if an error is a circuit-open rejection
func IsCircuitOpenError(err error) bool {
	return GetErrorType(err) == ErrorTypeCircuitOpen
}

// IsCancelled checks if an error stems from caller cancellation
func IsCancelled(err error) bool {
	if GetErrorType(err) == ErrorTypeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsPermanent reports errors that another attempt cannot fix:
// configuration, validation and caller cancellation.
func IsPermanent(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeConfiguration, ErrorTypeValidation, ErrorTypeCancelled:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// HTTPStatusOf returns the upstream status carried by an http_status error
func HTTPStatusOf(err error) (int, bool) {
	details := GetErrorDetails(err)
	if details == nil {
		return 0, false
	}
	status, ok := details["status"].(int)
	return status, ok
}

// AttemptsOf returns the attempt count carried by a fallback_exhausted error
func AttemptsOf(err error) int {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Type == ErrorTypeFallbackExhausted {
		if n, ok := domainErr.Details["attempts"].(int); ok {
			return n
		}
	}
	return 0
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
