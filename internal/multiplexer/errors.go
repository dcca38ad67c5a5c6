package multiplexer

import "errors"

// Domain errors for the request multiplexer.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTimeout is returned when no response arrived within an attempt's
	// deadline. Callers normally see it wrapped in ErrDeviceUnreachable.
	ErrTimeout = errors.New("multiplexer: request timed out")

	// ErrDeviceUnreachable is returned when every attempt of a request failed.
	ErrDeviceUnreachable = errors.New("multiplexer: device unreachable")

	// ErrCancelled is returned when a request was cancelled by its caller or
	// because its device was evicted.
	ErrCancelled = errors.New("multiplexer: request cancelled")

	// ErrProtocol is returned when the device answered with an Error, Reject
	// or Abort PDU. The typed bacnet error is wrapped alongside.
	ErrProtocol = errors.New("multiplexer: protocol error")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("multiplexer: closed")

	// ErrInvalidTarget is returned for a target without an address.
	ErrInvalidTarget = errors.New("multiplexer: invalid target")
)
