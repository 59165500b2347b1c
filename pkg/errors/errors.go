package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the application
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "config", "key", "queue")
	Domain() string

	// Code returns a stable error code for API responses
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error with the additional metadata entry
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Error domains
const (
	DomainConfig  = "config"
	DomainControl = "control"
	DomainQueue   = "queue"
	DomainKey     = "key"
	DomainDB      = "db"
	DomainSystem  = "system"
)

// Standardized error codes
const (
	// Config domain: the xray configuration document
	ErrCodeConfigUnreadable = "config_unreadable"
	ErrCodeConfigInvalid    = "config_invalid"
	ErrCodeInboundMissing   = "inbound_missing"
	ErrCodeConfigTestFailed = "config_test_failed"
	ErrCodeConfigSaveFailed = "config_save_failed"

	// Key domain
	ErrCodeKeyNotFound     = "key_not_found"
	ErrCodeKeyConflict     = "key_conflict"
	ErrCodeProvisionFailed = "provision_failed"

	// Queue domain
	ErrCodeQueueStopped = "queue_stopped"
	ErrCodeWaitTimeout  = "wait_timeout"

	// Infrastructure
	ErrCodeDatabase = "database_error"
	ErrCodeInternal = "internal_error"
)

// NewConfigError creates an error in the config domain
func NewConfigError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainConfig, code, message, retryable, cause, nil)
}

// NewKeyError creates an error in the key domain
func NewKeyError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainKey, code, message, retryable, cause, nil)
}

// NewQueueError creates an error in the queue domain
func NewQueueError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainQueue, code, message, retryable, cause, nil)
}

// NewSystemError creates an error in the system domain
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// WrapWithDomain wraps an existing error with domain context
func WrapWithDomain(err error, domain, code, message string, retryable bool) DomainError {
	return NewBaseError(domain, code, message, retryable, err, nil)
}

// IsErrorCode reports whether err (or any error in its chain) carries the given code
func IsErrorCode(err error, code string) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code() == code
	}
	return false
}

// IsRetryable reports whether err is a retryable domain error
func IsRetryable(err error) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable()
	}
	return false
}

// GetDomain returns the domain of err, or "" if it is not a DomainError
func GetDomain(err error) string {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Domain()
	}
	return ""
}
