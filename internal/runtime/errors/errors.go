package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrConfigRequired = sterrors.New("mediaflow: configuration is required")
	ErrLoggerRequired = sterrors.New("mediaflow: logger is required")
	ErrConnRequired   = sterrors.New("mediaflow: worker connection is required")
	ErrTopicRequired  = sterrors.New("mediaflow: topic is required")

	ErrPublisherRequired = sterrors.New("mediaflow: publisher is required")
	ErrUnknownFormat     = sterrors.New("mediaflow: unknown export format")
	ErrExporterClosed    = sterrors.New("mediaflow: observer exporter closed")
)

// Taxonomy of request failures. Every typed error below matches one of these
// through errors.Is.
var (
	// ErrInvalidState is returned when an operation targets a closed or not yet
	// ready entity, or a channel that has already shut down.
	ErrInvalidState = sterrors.New("mediaflow: invalid state")

	// ErrInvalidParameters is returned when the worker rejects request arguments.
	ErrInvalidParameters = sterrors.New("mediaflow: invalid parameters")

	// ErrNotImplemented marks a capability that an entity kind does not have.
	ErrNotImplemented = sterrors.New("mediaflow: not implemented")

	// ErrTimeout is returned when no reply arrives before the request deadline.
	ErrTimeout = sterrors.New("mediaflow: request timeout")

	// ErrChannelClosed is returned to requests outstanding while the channel was torn down.
	ErrChannelClosed = sterrors.New("mediaflow: channel closed")

	// ErrWorkerFailure is a generic failure reported by the worker.
	ErrWorkerFailure = sterrors.New("mediaflow: worker failure")

	// ErrUnsupported is returned for options the host build does not support.
	ErrUnsupported = sterrors.New("mediaflow: unsupported")
)

// InvalidStateError reports an operation attempted in the wrong state.
type InvalidStateError struct {
	Method string
	Reason string
}

// NewInvalidStateError builds an InvalidStateError for method.
func NewInvalidStateError(method, reason string) *InvalidStateError {
	return &InvalidStateError{Method: method, Reason: reason}
}

func (e *InvalidStateError) Error() string {
	return formatFailure("invalid state", e.Method, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// InvalidParametersError carries the reason given by the worker when it rejected
// request arguments.
type InvalidParametersError struct {
	Method string
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return formatFailure("invalid parameters", e.Method, e.Reason)
}

func (e *InvalidParametersError) Is(target error) bool { return target == ErrInvalidParameters }

// NotImplementedError is a static capability gap of an entity kind.
type NotImplementedError struct {
	Method string
	Kind   string
}

// NewNotImplementedError reports that method is not available on kind.
func NewNotImplementedError(method, kind string) *NotImplementedError {
	return &NotImplementedError{Method: method, Kind: kind}
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("mediaflow: %s() not implemented in %s", e.Method, e.Kind)
}

func (e *NotImplementedError) Is(target error) bool { return target == ErrNotImplemented }

// TimeoutError is returned when a request id was abandoned after its deadline.
type TimeoutError struct {
	Method  string
	ID      uint32
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mediaflow: request timeout [method:%s, id:%d, after:%v]", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ChannelClosedError is delivered to requests pending while the channel died.
type ChannelClosedError struct {
	Cause error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mediaflow: channel closed: %v", e.Cause)
	}
	return "mediaflow: channel closed"
}

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

func (e *ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }

// WorkerError is a generic failure reported by the worker for a request.
type WorkerError struct {
	Method string
	Code   string
	Reason string
}

func (e *WorkerError) Error() string {
	reason := e.Reason
	if e.Code != "" && e.Code != "Error" {
		reason = e.Code + ": " + reason
	}
	return formatFailure("worker error", e.Method, reason)
}

func (e *WorkerError) Is(target error) bool { return target == ErrWorkerFailure }

// UnsupportedError reports an option the host cannot handle.
type UnsupportedError struct {
	Reason string
}

func (e *UnsupportedError) Error() string {
	return "mediaflow: unsupported: " + e.Reason
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// FromWorker maps the error name and reason of a rejected reply to the taxonomy.
func FromWorker(method, code, reason string) error {
	switch code {
	case "InvalidStateError":
		return &InvalidStateError{Method: method, Reason: reason}
	case "TypeError":
		return &InvalidParametersError{Method: method, Reason: reason}
	default:
		return &WorkerError{Method: method, Code: code, Reason: reason}
	}
}

// ConfigValidationError wraps the joined problems found while validating a Config.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return "mediaflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

func formatFailure(kind, method, reason string) string {
	switch {
	case method == "" && reason == "":
		return "mediaflow: " + kind
	case method == "":
		return fmt.Sprintf("mediaflow: %s: %s", kind, reason)
	case reason == "":
		return fmt.Sprintf("mediaflow: %s [method:%s]", kind, method)
	default:
		return fmt.Sprintf("mediaflow: %s [method:%s]: %s", kind, method, reason)
	}
}
