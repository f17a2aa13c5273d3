package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrActorNameRequired  = sterrors.New("actorflow: actor name is required")
	ErrEventRequired      = sterrors.New("actorflow: event is required")
	ErrEventNameRequired  = sterrors.New("actorflow: event name is required")
	ErrSerializerRequired = sterrors.New("actorflow: event serializer is required")
	ErrHandlerRequired    = sterrors.New("actorflow: handler function is required")
	ErrExecuteInRequired  = sterrors.New("actorflow: execute_in must be set explicitly")
	ErrInvalidLimits      = sterrors.New("actorflow: invalid limits")
	ErrDuplicateActor     = sterrors.New("actorflow: duplicate actor for event")
	ErrConflictingEvent   = sterrors.New("actorflow: event declared twice with different settings")
	ErrBrokerRequired     = sterrors.New("actorflow: broker is required")
	ErrPublisherRequired  = sterrors.New("actorflow: publisher is required")
	ErrLoggerRequired     = sterrors.New("actorflow: logger is required")
	ErrConfigRequired     = sterrors.New("actorflow: configuration is required")
	ErrPoolClosed         = sterrors.New("actorflow: worker pool is closed")
	ErrCircuitOpen        = sterrors.New("actorflow: circuit is open")
	ErrThrottled          = sterrors.New("actorflow: call dropped by frequency limit")
	ErrUnknownHandler     = sterrors.New("actorflow: handler is not registered in the worker")
	ErrShuttingDown       = sterrors.New("actorflow: runtime is shutting down")
	ErrRequestTimeout     = sterrors.New("actorflow: no reply before the request deadline")
	ErrNotifierRequired   = sterrors.New("actorflow: broker does not support notifications")
)

// ConfigValidationError reports a single invalid field of an actor, event or
// engine configuration.
type ConfigValidationError struct {
	Scope  string
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("actorflow: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("actorflow: %s: invalid %s: %s", e.Scope, e.Field, e.Reason)
}

// Unwrap lets callers match every validation failure with ErrInvalidLimits.
func (e *ConfigValidationError) Unwrap() error { return ErrInvalidLimits }

// TimeoutError is the failure recorded when a handler outlives its job timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("actorflow: handler exceeded job timeout of %s", e.Timeout)
}

// InfrastructureError wraps failures of the execution context or the broker,
// as opposed to failures raised by the handler itself.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("actorflow: %s failed", e.Op)
	}
	return fmt.Sprintf("actorflow: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// PanicError carries a recovered panic value together with the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("actorflow: handler panicked: %v", e.Value)
}

// MiddlewareError is raised when a pre-dispatch hook rejects a message.
type MiddlewareError struct {
	Middleware string
	Err        error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("actorflow: middleware %s: %v", e.Middleware, e.Err)
}

func (e *MiddlewareError) Unwrap() error { return e.Err }

// HandlerError is the error reported by a handler running in a worker process.
// Only the message survives the process boundary.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// WorkerCrashError reports a worker process that exited after it received a
// job and before it answered. The handler is the likely cause, so the
// failure uses up an attempt like any handler error.
type WorkerCrashError struct {
	Handler string
	Err     error
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("actorflow: worker process crashed running %s: %v", e.Handler, e.Err)
}

func (e *WorkerCrashError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return sterrors.As(err, &target)
}

// IsInfrastructure reports whether err is, or wraps, an InfrastructureError.
func IsInfrastructure(err error) bool {
	var target *InfrastructureError
	return sterrors.As(err, &target)
}
