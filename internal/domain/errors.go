package domain

import (
	"errors"
	"fmt"
)

// Expected conditions the dispatch pipeline branches on. These are results,
// not failures: the orchestrator maps each to a specific response status.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrServiceUnresolved   = errors.New("service not registered in discovery")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrNotificationBlocked = errors.New("notification blocked by user preference")
	ErrUnsupportedType     = errors.New("unsupported notification type")
	ErrTemplateUnavailable = errors.New("notification template unavailable")
	ErrQueueUnavailable    = errors.New("message queue unavailable")
	ErrPublishFailed       = errors.New("message publish failed")
)

// ValidationError describes a user-fixable problem with the request payload.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// DownstreamError is a non-2xx response from a downstream service. Counted
// as a failure by the protecting circuit breaker.
type DownstreamError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e DownstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Message)
}

func NewDownstreamError(service string, statusCode int, message string) DownstreamError {
	return DownstreamError{Service: service, StatusCode: statusCode, Message: message}
}
