package mqtt

import "errors"

// Sentinel errors for broker operations.
var (
	// ErrNotConnected is returned while the broker is unreachable. Point
	// state published meanwhile is kept for replay.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed is returned when the first connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic is returned for an empty topic or a command topic
	// outside graylogic/bacnet/command/{device}/{object}/{property}.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
