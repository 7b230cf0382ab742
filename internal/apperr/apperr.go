package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into the dispatch outcome taxonomy. Every error
// that crosses a package boundary in this service carries exactly one Kind;
// retry, HTTP mapping and metrics all key off it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindIdempotencyReplay Kind = "idempotency_replay"
	KindRateLimited       Kind = "rate_limited"
	KindComplianceReject  Kind = "compliance_reject"
	KindProviderRetryable Kind = "provider_retryable"
	KindProviderPermanent Kind = "provider_permanent"
	KindCircuitOpen       Kind = "circuit_open"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is a structured service error.
type Error struct {
	Kind          Kind                   `json:"kind"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Detail        string                 `json:"detail,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	RetryAfter    time.Duration          `json:"-"`
	Cause         error                  `json:"-"`
	HTTPStatus    int                    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the dispatch pipeline may attempt the operation
// again. Permanent, compliance and caller errors are never retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindProviderRetryable, KindCircuitOpen, KindTimeout:
		return true
	default:
		return false
	}
}

// New creates a new service error
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: defaultHTTPStatus(kind),
	}
}

// Wrap creates a new service error with an underlying cause
func Wrap(kind Kind, code, message string, cause error) *Error {
	err := New(kind, code, message)
	err.Cause = cause
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// WithCorrelationID adds a correlation ID to the error
func (e *Error) WithCorrelationID(correlationID string) *Error {
	e.CorrelationID = correlationID
	return e
}

// WithDetail adds additional detail to the error
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithMeta adds metadata to the error
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// WithRetryAfter records the minimum wait before a retry may be attempted.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithHTTPStatus sets a custom HTTP status code
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func defaultHTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindIdempotencyReplay:
		return http.StatusOK
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindComplianceReject:
		return http.StatusUnprocessableEntity
	case KindProviderRetryable, KindProviderPermanent, KindCircuitOpen:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common constructors

// NewValidation creates a validation error for a specific field
func NewValidation(field, message string) *Error {
	return New(KindValidation, "VALIDATION_ERROR", message).
		WithMeta("field", field)
}

// NewAuth creates an authentication error
func NewAuth(message string) *Error {
	return New(KindAuth, "AUTH_ERROR", message)
}

// NewForbidden creates an authorization error
func NewForbidden(message string) *Error {
	return New(KindAuth, "FORBIDDEN", message).
		WithHTTPStatus(http.StatusForbidden)
}

// NewNotFound creates a not found error
func NewNotFound(resource string) *Error {
	return New(KindValidation, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithHTTPStatus(http.StatusNotFound).
		WithMeta("resource", resource)
}

// NewIdempotencyConflict signals reuse of an idempotency key with a
// different request body.
func NewIdempotencyConflict(key string) *Error {
	return New(KindValidation, "IDEMPOTENCY_KEY_REUSE",
		"idempotency key was already used with a different request body").
		WithHTTPStatus(http.StatusConflict).
		WithMeta("idempotency_key", key)
}

// NewIdempotencyReplay marks a request as a replay of a stored response.
func NewIdempotencyReplay(requestID string) *Error {
	return New(KindIdempotencyReplay, "IDEMPOTENT_REPLAY",
		"request was already accepted").
		WithMeta("request_id", requestID)
}

// NewRateLimited creates a rate limit refusal carrying the retry hint.
func NewRateLimited(scope string, retryAfter time.Duration) *Error {
	return New(KindRateLimited, "RATE_LIMIT_EXCEEDED", "rate limit exceeded").
		WithRetryAfter(retryAfter).
		WithMeta("scope", scope)
}

// NewComplianceReject creates a compliance rejection with a machine
// readable reason code (suppressed, no_consent, quiet_hours, venue_scope,
// compliance_error).
func NewComplianceReject(reason string) *Error {
	return New(KindComplianceReject, "COMPLIANCE_REJECTED",
		fmt.Sprintf("notification rejected by compliance gate: %s", reason)).
		WithMeta("reason", reason)
}

// NewProviderRetryable creates a transient provider failure
func NewProviderRetryable(provider string, cause error) *Error {
	return Wrap(KindProviderRetryable, "PROVIDER_RETRYABLE",
		fmt.Sprintf("provider %s failed transiently", provider), cause).
		WithMeta("provider", provider)
}

// NewProviderPermanent creates a non-retryable provider failure
func NewProviderPermanent(provider string, cause error) *Error {
	return Wrap(KindProviderPermanent, "PROVIDER_PERMANENT",
		fmt.Sprintf("provider %s rejected the message", provider), cause).
		WithMeta("provider", provider)
}

// NewCircuitOpen signals a refused call because the dependency breaker is open.
func NewCircuitOpen(dependency string) *Error {
	return New(KindCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker open for %s", dependency)).
		WithMeta("dependency", dependency)
}

// NewTimeout creates a timeout error
func NewTimeout(operation string, timeout time.Duration) *Error {
	return New(KindTimeout, "TIMEOUT",
		fmt.Sprintf("operation timed out: %s", operation)).
		WithMeta("operation", operation).
		WithMeta("timeout", timeout.String())
}

// NewInternal creates an internal error
func NewInternal(message string, cause error) *Error {
	return Wrap(KindInternal, "INTERNAL_ERROR", message, cause)
}

// NewDatabase creates an internal error for a failed database operation
func NewDatabase(operation string, cause error) *Error {
	return Wrap(KindInternal, "DATABASE_ERROR",
		fmt.Sprintf("database operation failed: %s", operation), cause).
		WithMeta("operation", operation)
}

// KindOf returns the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// From extracts the *Error from err, or wraps err as an internal error so
// callers always have a classified error to render.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternal("unexpected error", err)
}
