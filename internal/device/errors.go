package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device instance is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidInstance is returned for instance numbers outside 0..4194302.
	ErrInvalidInstance = errors.New("device: invalid instance")

	// ErrInvalidAddress is returned when an address is not "ip:port".
	ErrInvalidAddress = errors.New("device: invalid address")

	// ErrInvalidScope is returned for a discovery range with Low > High.
	ErrInvalidScope = errors.New("device: invalid discovery scope")

	// ErrNoTransport is returned when discovery is attempted without a transport.
	ErrNoTransport = errors.New("device: no transport")

	// ErrNoRequester is returned when an object-list scan has no requester.
	ErrNoRequester = errors.New("device: no requester")
)
