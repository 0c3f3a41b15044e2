package errors

import (
	"context"
	"errors"
)

// ErrorCategory groups errors by what kind of problem they represent,
// mirroring the error taxonomy in §7 of the spec.
type ErrorCategory string

const (
	CategoryBroker        ErrorCategory = "broker"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryTransfer      ErrorCategory = "transfer"
	CategoryRuntime       ErrorCategory = "runtime"
	CategoryProtocol      ErrorCategory = "protocol"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryUnknown       ErrorCategory = "unknown"
)

// ErrorSeverity tells us how serious an error is.
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
)

// ClassifiedError is an error with category/severity/retryable metadata
// attached, so dispatcher loops can decide to log-and-continue versus
// surface a failure through job status.
type ClassifiedError struct {
	Err       error
	Category  ErrorCategory
	Severity  ErrorSeverity
	Retryable bool
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassifyError classifies err per §7's error taxonomy. A transient
// broker error is retryable; a missing entity, bad config, or protocol
// error is not.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case IsNotFound(err):
		return &ClassifiedError{Err: err, Category: CategoryNotFound, Severity: SeverityLow, Retryable: false}

	case IsBrokerError(err):
		return &ClassifiedError{Err: err, Category: CategoryBroker, Severity: SeverityMedium, Retryable: true}

	case IsTransferError(err):
		return &ClassifiedError{Err: err, Category: CategoryTransfer, Severity: SeverityMedium, Retryable: false}

	case errors.Is(err, ErrInvalidConfig):
		return &ClassifiedError{Err: err, Category: CategoryConfiguration, Severity: SeverityHigh, Retryable: false}

	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrMalformedPacket):
		return &ClassifiedError{Err: err, Category: CategoryProtocol, Severity: SeverityLow, Retryable: false}

	case errors.Is(err, context.DeadlineExceeded):
		return &ClassifiedError{Err: err, Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true}

	case errors.Is(err, context.Canceled):
		return &ClassifiedError{Err: err, Category: CategoryTimeout, Severity: SeverityLow, Retryable: false}

	default:
		var subErr *SubprocessError
		if errors.As(err, &subErr) {
			return &ClassifiedError{Err: err, Category: CategoryRuntime, Severity: SeverityMedium, Retryable: false}
		}
		return &ClassifiedError{Err: err, Category: CategoryUnknown, Severity: SeverityMedium, Retryable: false}
	}
}

// ShouldRetry reports whether the dispatcher may retry the operation
// that produced err (true only for transient broker/timeout errors).
func ShouldRetry(err error) bool {
	c := ClassifyError(err)
	if c == nil {
		return false
	}
	return c.Retryable
}

// GetCategory returns err's classified category, or CategoryUnknown.
func GetCategory(err error) ErrorCategory {
	c := ClassifyError(err)
	if c == nil {
		return CategoryUnknown
	}
	return c.Category
}
