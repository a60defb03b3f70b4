// Package deviceerr defines the error taxonomy shared by channels, the
// connection state machine and the sync core.
package deviceerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeTimeout indicates a network operation exceeded its deadline
	ErrTypeTimeout ErrorType = iota
	// ErrTypeConnection indicates the transport could not reach the device
	ErrTypeConnection
	// ErrTypeAuth indicates credentials were rejected
	ErrTypeAuth
	// ErrTypeDeviceReported indicates the device answered but flagged an internal fault
	ErrTypeDeviceReported
	// ErrTypeConfiguration indicates invalid thresholds or bounds
	ErrTypeConfiguration
	// ErrTypeUnknown indicates an unknown or unexpected error
	ErrTypeUnknown
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeTimeout:
		return "Transport Timeout"
	case ErrTypeConnection:
		return "Transport Connection Error"
	case ErrTypeAuth:
		return "Authentication Error"
	case ErrTypeDeviceReported:
		return "Device Reported Error"
	case ErrTypeConfiguration:
		return "Configuration Error"
	case ErrTypeUnknown:
		return "Unknown Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Sentinel errors surfaced by the sync core.
var (
	// ErrNoSnapshot is returned when a fetch fails and no snapshot was ever obtained
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrAllSourcesFailed is returned when every configured channel failed in a cycle
	ErrAllSourcesFailed = errors.New("all sources failed")

	// ErrNoChannel is returned when no channel is configured or available
	ErrNoChannel = errors.New("no channel available")
)

// DeviceError represents an error that occurred during device communication
type DeviceError struct {
	Type      ErrorType // Category of error
	Channel   string    // Channel that produced the error ("local", "cloud"), if any
	Message   string    // Human-readable error message
	Code      string    // Device fault code (DeviceReported only)
	Err       error     // Underlying error (if any)
	Retryable bool      // Whether retrying can succeed
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	prefix := e.Type.String()
	if e.Channel != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Channel)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a transport timeout error
func NewTimeoutError(message string, err error) *DeviceError {
	return &DeviceError{Type: ErrTypeTimeout, Message: message, Err: err, Retryable: true}
}

// NewConnectionError creates a transport connection error
func NewConnectionError(message string, err error) *DeviceError {
	return &DeviceError{Type: ErrTypeConnection, Message: message, Err: err, Retryable: true}
}

// NewAuthError creates an authentication error
func NewAuthError(message string) *DeviceError {
	return &DeviceError{Type: ErrTypeAuth, Message: message, Retryable: false}
}

// NewDeviceReportedError creates an error for a fault the device flagged itself
func NewDeviceReportedError(code, message string) *DeviceError {
	return &DeviceError{Type: ErrTypeDeviceReported, Code: code, Message: message, Retryable: false}
}

// NewConfigurationError creates a configuration validation error
func NewConfigurationError(message string) *DeviceError {
	return &DeviceError{Type: ErrTypeConfiguration, Message: message, Retryable: false}
}

// WithChannel returns a copy of e attributed to the named channel
func (e *DeviceError) WithChannel(channel string) *DeviceError {
	out := *e
	out.Channel = channel
	return &out
}

// Classify maps an arbitrary transport error onto the taxonomy. Errors that are
// already classified are returned as-is.
func Classify(err error) *DeviceError {
	if err == nil {
		return nil
	}

	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr
	}

	// Deadlines are timeouts; plain cancellation is treated as a connection error
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return NewTimeoutError("operation timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("operation timed out", err)
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return NewConnectionError("websocket handshake rejected", err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation {
			return &DeviceError{Type: ErrTypeAuth, Message: "session rejected by server", Err: err}
		}
		return NewConnectionError("websocket closed", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewConnectionError(fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name), err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return NewConnectionError("device refused connection", err)
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return NewConnectionError("host unreachable", err)
		case errors.Is(opErr.Err, syscall.ENETUNREACH):
			return NewConnectionError("network unreachable", err)
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return Classify(urlErr.Err)
	}

	return NewConnectionError("transport error", err)
}

func typeOf(err error) (ErrorType, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Type, true
	}
	return ErrTypeUnknown, false
}

// IsTimeout checks if an error is a transport timeout
func IsTimeout(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeTimeout
}

// IsTransport checks if an error is a timeout or connection error
func IsTransport(err error) bool {
	t, ok := typeOf(err)
	return ok && (t == ErrTypeTimeout || t == ErrTypeConnection)
}

// IsAuth checks if an error is an authentication error
func IsAuth(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeAuth
}

// IsDeviceReported checks if an error is a device-reported fault
func IsDeviceReported(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeDeviceReported
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeConfiguration
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Retryable
	}
	// Unknown errors are not retryable by default
	return false
}

// ShortMessage returns a concise, user-friendly error message
func ShortMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoSnapshot) {
		return "Device has not been reached yet"
	}

	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		return err.Error()
	}

	switch devErr.Type {
	case ErrTypeTimeout:
		return "Device not responding (timeout)"
	case ErrTypeConnection:
		return "Device unreachable - check network connection"
	case ErrTypeAuth:
		return "Authentication failed - refresh credentials and reconnect"
	case ErrTypeDeviceReported:
		if devErr.Code != "" {
			return fmt.Sprintf("Device fault %s: %s", devErr.Code, devErr.Message)
		}
		return "Device fault: " + devErr.Message
	default:
		return devErr.Message
	}
}
