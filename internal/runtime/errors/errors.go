package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("servicemesh: configuration is required")
	ErrLoggerRequired       = sterrors.New("servicemesh: logger is required")
	ErrServiceNameRequired  = sterrors.New("servicemesh: service name is required")
	ErrMethodNameRequired   = sterrors.New("servicemesh: method name is required")
	ErrConsumerNameRequired = sterrors.New("servicemesh: durable consumer name is required")
	ErrStreamRequired       = sterrors.New("servicemesh: durable consumer stream is required")
	ErrHandlerRequired      = sterrors.New("servicemesh: handler function is required")
	ErrDuplicateSubject     = sterrors.New("servicemesh: duplicate subject")
	ErrNoHandler            = sterrors.New("servicemesh: no handler registered for subject")
	ErrUnknownType          = sterrors.New("servicemesh: unknown type name")
	ErrTypeDenied           = sterrors.New("servicemesh: type is not allowed")
	ErrGenericNotRegistered = sterrors.New("servicemesh: generic instantiation is not registered")
	ErrArgumentCount        = sterrors.New("servicemesh: argument count does not match method")
	ErrStreamReplyMissing   = sterrors.New("servicemesh: streaming call without return subject")
	ErrMeshClosed           = sterrors.New("servicemesh: mesh is closed")
	ErrDeveloperMode        = sterrors.New("servicemesh: listeners are disabled in developer mode")
)

// RemoteError carries the exception text a remote handler reported through
// the exception header.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("servicemesh: remote call %s failed: %s", e.Subject, e.Message)
}

// ReconcileError reports a broker state the reconciler refused or failed to
// converge. It is fatal at startup.
type ReconcileError struct {
	Stream string
	Reason string
	Err    error
}

func (e *ReconcileError) Error() string {
	msg := "servicemesh: reconcile stream " + e.Stream + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// ConfigValidationError wraps configuration problems detected before startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "servicemesh: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
