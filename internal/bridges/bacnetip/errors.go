package bacnetip

import "errors"

// Domain errors for the BACnet/IP bridge package.
var (
	// ErrNotConnected is returned when sending on a closed transport.
	ErrNotConnected = errors.New("bacnetip: transport not connected")

	// ErrBindFailed is returned when the UDP socket cannot be opened.
	ErrBindFailed = errors.New("bacnetip: bind failed")

	// ErrSendFailed is returned when a datagram cannot be written.
	ErrSendFailed = errors.New("bacnetip: send failed")

	// ErrInvalidAddress is returned for a destination that is not "ip:port".
	ErrInvalidAddress = errors.New("bacnetip: invalid address")

	// ErrInvalidTopic is returned for an MQTT command topic that does not
	// name a point.
	ErrInvalidTopic = errors.New("bacnetip: invalid command topic")

	// ErrInvalidCommand is returned for a command payload that cannot be
	// turned into a write.
	ErrInvalidCommand = errors.New("bacnetip: invalid command")
)
