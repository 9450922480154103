package emq

import (
	"errors"
)

// Sentinel errors for the connection lifecycle - check with errors.Is().
var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned for operations on a nil or closed client.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is returned when the connection drops while waiting.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTimeout is returned when a request or event wait exceeds its deadline.
	ErrTimeout = errors.New("timeout")
)

// Sentinel errors for authentication - check with errors.Is().
var (
	// ErrNotAuthenticated is returned for operations before a successful Auth.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Sentinel errors for protocol issues - check with errors.Is().
var (
	// ErrProtocolError is returned when the broker violates the protocol.
	ErrProtocolError = errors.New("protocol error")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrOperationFailed is returned when the broker rejects a command.
	ErrOperationFailed = errors.New("operation failed")

	// ErrQueueEmpty is returned by Get and Pop when no message is available.
	ErrQueueEmpty = errors.New("queue empty")
)

// OperationError contains details about a command the broker rejected.
// Extract with errors.As().
type OperationError struct {
	err     error
	Command Command
	Status  Status
	Reason  string
}

func (e *OperationError) Error() string {
	msg := e.Command.String() + " failed: " + e.Status.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.err }

// NewOperationError creates a new OperationError from a reply status.
func NewOperationError(cmd Command, status Status, reason string) *OperationError {
	baseErr := ErrOperationFailed
	switch status {
	case StatusNotAuthenticated:
		baseErr = ErrNotAuthenticated
	case StatusEmpty:
		baseErr = ErrQueueEmpty
	}
	return &OperationError{
		err:     baseErr,
		Command: cmd,
		Status:  status,
		Reason:  reason,
	}
}

// ConnectError contains details about a failed connection attempt.
// Extract with errors.As().
type ConnectError struct {
	Address string
	Cause   error
}

func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return "connect to " + e.Address + " failed: " + e.Cause.Error()
	}
	return "connect to " + e.Address + " failed"
}

// Unwrap exposes both ErrConnectionFailed and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionFailed}
	}
	return []error{ErrConnectionFailed, e.Cause}
}

// NewConnectError creates a new ConnectError.
func NewConnectError(address string, cause error) *ConnectError {
	return &ConnectError{Address: address, Cause: cause}
}

// ConnectionLostError contains details about an unexpected disconnection.
// Extract with errors.As().
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return ErrConnectionLost }

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{Cause: cause}
}
