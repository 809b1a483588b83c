// Package errors provides standardized error handling for Device Hub components.
// It includes error classification, standard error variables, and helper functions
// for consistent error wrapping across the ingestion pipeline.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Decoder and registry errors
	ErrUnknownModel       = errors.New("unknown device model")
	ErrDuplicateSlot      = errors.New("duplicate measure slot name")
	ErrDuplicateDecoder   = errors.New("decoder already registered")
	ErrPreconditionFailed = errors.New("payload precondition failed")

	// Pipeline errors
	ErrUnknownSlot    = errors.New("measure slot not declared by model")
	ErrHookFailed     = errors.New("hook handler failed")
	ErrDeviceNotFound = errors.New("device not found")
	ErrAssetNotFound  = errors.New("asset not found")
	ErrNotLinked      = errors.New("device not linked to an asset")
	ErrAlreadyLinked  = errors.New("device already linked to an asset")

	// Persistence errors
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrVersionConflict  = errors.New("document version conflict")
	ErrBulkItemFailed   = errors.New("bulk item failed")
	ErrCapacityExceeded = errors.New("write capacity exceeded")
	ErrWriterClosed     = errors.New("bulk writer closed")

	// Engine and lifecycle errors
	ErrEngineNotFound = errors.New("engine not found")
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrUnknownSlot) ||
		errors.Is(err, ErrUnknownModel)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDuplicateSlot) ||
		errors.Is(err, ErrDuplicateDecoder)
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		err = fmt.Errorf("%s", action)
	}
	return &ClassifiedError{
		Class:     class,
		Err:       fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return newClassified(ErrorFatal, err, component, method, action)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need to import both this package and stdlib errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Join wraps multiple errors into one. Nil entries are discarded.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
