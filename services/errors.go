package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-bridge/services/providers"
	"github.com/upb/llm-bridge/services/routing"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeInternal    ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    string
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
		Code:    string(errType),
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func newCodedError(errType ErrorType, code, message string) *DomainError {
	de := NewDomainError(errType, message, nil)
	de.Code = code
	return de
}

// Wrap returns a fresh error with e's type and code caused by err.
// An empty message keeps e's message.
func (e *DomainError) Wrap(message string, err error) *DomainError {
	if message == "" {
		message = e.Message
	}
	de := NewDomainError(e.Type, message, err)
	de.Code = e.Code
	return de
}

// Domain error variables

var (
	ErrEmptyPrompt         = NewDomainError(ErrorTypeValidation, "prompt or messages required", nil)
	ErrProviderUnavailable = newCodedError(ErrorTypeNotFound, "provider_unavailable", "LLM provider unavailable")
	ErrProviderError       = NewDomainError(ErrorTypeExternal, "LLM provider error", nil)
	ErrProviderOverloaded  = NewDomainError(ErrorTypeUnavailable, "LLM provider temporarily unavailable", nil)
	ErrAllProvidersFailed  = newCodedError(ErrorTypeUnavailable, "all_providers_failed", "all LLM providers failed")
	ErrProviderTimeout     = NewDomainError(ErrorTypeTimeout, "LLM provider timeout", nil)
	ErrInternal            = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// ClassifyBridgeError maps a bridge or connector error onto the domain
// taxonomy. A DomainError passes through unchanged; nil stays nil.
func ClassifyBridgeError(err error) *DomainError {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var unavailable *routing.ProviderUnavailableError
	if errors.As(err, &unavailable) {
		return ErrProviderUnavailable.Wrap(unavailable.Error(), err).
			WithDetail("provider", unavailable.Provider)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrProviderTimeout.Wrap("request deadline exceeded", err)
	}

	var aggregate *routing.AllProvidersFailedError
	if errors.As(err, &aggregate) {
		return ErrAllProvidersFailed.Wrap("", err).
			WithDetail("providers", aggregate.Providers())
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		return classifyProviderError(provErr)
	}

	return ErrInternal.Wrap("", err)
}

func classifyProviderError(provErr *providers.ProviderError) *DomainError {
	var de *DomainError
	switch {
	case provErr.Code == providers.CodeInvalidRequest && provErr.StatusCode == 0:
		de = ErrEmptyPrompt.Wrap(provErr.Message, provErr)
	case provErr.Retryable:
		de = ErrProviderOverloaded.Wrap(provErr.Message, provErr)
	default:
		de = ErrProviderError.Wrap(provErr.Message, provErr)
	}

	de.Code = provErr.Code
	de.WithDetail("provider", provErr.Provider)
	if provErr.StatusCode != 0 {
		de.WithDetail("upstream_status", provErr.StatusCode)
	}
	return de
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeExternal
}

// IsUnavailableError checks if an error means no provider could serve the request
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// IsTimeoutError checks if an error is a timeout
func IsTimeoutError(err error) bool {
	return GetErrorType(err) == ErrorTypeTimeout
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
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
