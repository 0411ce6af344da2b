package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry, fallback, and breaker accounting.
// Only KindTransient and KindUpstreamUnavailable count toward opening a
// circuit breaker; KindClient is definitive and terminates fallback.
type Kind string

const (
	KindClient              Kind = "client_error"
	KindTransient           Kind = "transient"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindCircuitOpen         Kind = "circuit_open"
	KindRateLimited         Kind = "rate_limited"
	KindDeadline            Kind = "deadline_exceeded"
	KindExtractionFailed    Kind = "extraction_failed"
	KindServiceDegraded     Kind = "service_degraded"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindInternal            Kind = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewClientError(code, message string) *AppError {
	return &AppError{
		Kind:       KindClient,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Kind:       KindClient,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewTransientError(code, message string) *AppError {
	return &AppError{
		Kind:       KindTransient,
		Code:       code,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewUpstreamUnavailableError(upstream, message string) *AppError {
	return &AppError{
		Kind:       KindUpstreamUnavailable,
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    fmt.Sprintf("%s unavailable: %s", upstream, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"upstream": upstream},
	}
}

func NewCircuitOpenError(upstream string) *AppError {
	return &AppError{
		Kind:       KindCircuitOpen,
		Code:       "CIRCUIT_OPEN",
		Message:    fmt.Sprintf("circuit breaker open for %s", upstream),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"upstream": upstream},
	}
}

func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Kind:       KindRateLimited,
		Code:       "RATE_LIMITED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewDeadlineError(message string) *AppError {
	return &AppError{
		Kind:       KindDeadline,
		Code:       "DEADLINE_EXCEEDED",
		Message:    message,
		Retryable:  false,
		StatusCode: 504,
	}
}

func NewExtractionFailedError(url string) *AppError {
	return &AppError{
		Kind:       KindExtractionFailed,
		Code:       "EXTRACTION_FAILED",
		Message:    "all extraction tiers yielded below-minimum text",
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"url": url},
	}
}

func NewServiceDegradedError(message string) *AppError {
	return &AppError{
		Kind:       KindServiceDegraded,
		Code:       "SERVICE_DEGRADED",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewCapacityExceededError(message string) *AppError {
	return &AppError{
		Kind:       KindCapacityExceeded,
		Code:       "CAPACITY_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Classify returns the failure kind of err. Wrapped AppErrors keep their
// declared kind; context errors map to deadline; everything else is
// treated as transient so callers err on the side of falling through.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadline
	}
	return KindTransient
}

// CountsTowardBreaker reports whether a failure of this kind should
// increment breaker failure counts.
func CountsTowardBreaker(k Kind) bool {
	return k == KindTransient || k == KindUpstreamUnavailable
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsKind checks if an error carries a specific failure kind
func IsKind(err error, kind Kind) bool {
	return Classify(err) == kind
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
