package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input, denied permissions
	// or protocol violations
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

// General errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("not initialized")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
)

// Capability errors
var (
	ErrCapabilityInvalid       = errors.New("capability invalid")
	ErrCapabilityExpired       = errors.New("capability expired")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrScopeMismatch           = errors.New("capability scope mismatch")
	ErrDelegationFailed        = errors.New("delegation failed")
	ErrResourceMismatch        = errors.New("capability resource mismatch")
	ErrNoDelegate              = errors.New("capability lacks delegate permission")
	ErrNoTransitiveDelegate    = errors.New("capability lacks transitive delegate permission")
)

// Network errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectFailed    = errors.New("connect failed")
	ErrSendFailed       = errors.New("send failed")
	ErrReceiveFailed    = errors.New("receive failed")
	ErrVLANMismatch     = errors.New("vlan mismatch")
	ErrTimeout          = errors.New("operation timeout")
	ErrPartialTransfer  = errors.New("partial transfer")
	ErrReconnectFailed  = errors.New("reconnect failed")
)

// Software errors
var (
	ErrFunctionNotSet  = errors.New("processing function not set")
	ErrResourceLimit   = errors.New("resource limit exceeded")
	ErrRateLimited     = errors.New("rate limited")
	ErrExecutionFailed = errors.New("execution failed")
)

// Remote errors
var (
	ErrRemoteNotConnected = errors.New("remote endpoint not connected")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrSignatureInvalid   = errors.New("token signature invalid")
	ErrSequenceError      = errors.New("token sequence error")
	ErrRemoteTransfer     = errors.New("remote transfer failed")
)

// Registry errors
var (
	ErrRegistryInvalid = errors.New("registry invalid")
	ErrNodeNotFound    = errors.New("node not found")
	ErrBufferNotFound  = errors.New("buffer not found")
	ErrNoNodesAvail    = errors.New("no nodes available")
	ErrRegistryStalled = errors.New("registry stalled")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
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

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrReceiveFailed) ||
		errors.Is(err, ErrReconnectFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRemoteTransfer) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Fall back to common transient wording for errors that cross process
	// boundaries and lose identity.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
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

	return errors.Is(err, ErrRegistryStalled) ||
		errors.Is(err, ErrResourceLimit) ||
		errors.Is(err, ErrExecutionFailed)
}

// IsInvalid checks if an error is due to invalid input or a denied request
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrCapabilityInvalid) ||
		errors.Is(err, ErrCapabilityExpired) ||
		errors.Is(err, ErrInsufficientPermissions) ||
		errors.Is(err, ErrScopeMismatch) ||
		errors.Is(err, ErrResourceMismatch) ||
		errors.Is(err, ErrNoDelegate) ||
		errors.Is(err, ErrNoTransitiveDelegate) ||
		errors.Is(err, ErrVLANMismatch) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrSequenceError)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
