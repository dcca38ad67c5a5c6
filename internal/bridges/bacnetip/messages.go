package bacnetip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

// MQTT message types exchanged with the rest of Gray Logic.

// CommandMessage asks for a point write.
// Topic: graylogic/bacnet/command/{device}/{object}/{property}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Optional.
	ID string `json:"id,omitempty"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Value is the value to write; null relinquishes the priority slot.
	// Plain JSON is coerced to the object's datatype.
	Value any `json:"value"`

	// Priority is the BACnet write priority, 1 (highest) to 16.
	// Zero writes without a priority.
	Priority uint8 `json:"priority,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device acknowledged the write.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the write could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not answer.
	AckTimeout AckStatus = "timeout"
)

// AckMessage reports the outcome of a command.
// Topic: graylogic/bacnet/ack/{device}/{object}/{property}
type AckMessage struct {
	CommandID string    `json:"command_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Point     string    `json:"point"`
	Status    AckStatus `json:"status"`

	// Value is the cached value after the write, when accepted.
	Value any `json:"value,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidPriority   = "INVALID_PRIORITY"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeReadOnly          = "READ_ONLY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries a point's current value.
// Topic: graylogic/bacnet/state/{device}/{object}/{property}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Point       string            `json:"point"`
	Device      uint32            `json:"device"`
	Object      string            `json:"object"`
	Property    string            `json:"property"`
	Value       any               `json:"value"`
	Units       string            `json:"units,omitempty"`
	Reliability point.Reliability `json:"reliability"`
	Source      point.Source      `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
}

// DeviceStatusMessage carries a device's reachability.
// Topic: graylogic/bacnet/device/{device}/status
// QoS: 1, Retained: Yes
type DeviceStatusMessage struct {
	Device       uint32              `json:"device"`
	Address      string              `json:"address"`
	Reachability device.Reachability `json:"reachability"`
	LastSeen     time.Time           `json:"last_seen,omitzero"`
	Timestamp    time.Time           `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports operational status.
// Topic: graylogic/bacnet/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Transport contains UDP socket statistics.
	Transport *TransportStats `json:"transport,omitempty"`

	// Statistics contains bridge counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	DevicesManaged     int `json:"devices_managed"`
	DevicesUnreachable int `json:"devices_unreachable"`
	PointsManaged      int `json:"points_managed"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	StatesPublished  uint64 `json:"states_published"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	Errors           uint64 `json:"errors"`
}

// NewStateMessage builds the state message of a point change.
func NewStateMessage(c point.Change) StateMessage {
	p := c.Point
	return StateMessage{
		Point:       p.Key.String(),
		Device:      p.Key.Device,
		Object:      p.Key.Object.String(),
		Property:    p.Key.Property.String(),
		Value:       p.Value.Native(),
		Units:       p.Units,
		Reliability: p.Reliability,
		Source:      c.Source,
		Timestamp:   p.UpdatedAt.UTC(),
	}
}

// NewDeviceStatusMessage builds the status message of a device.
func NewDeviceStatusMessage(d *device.Device) DeviceStatusMessage {
	return DeviceStatusMessage{
		Device:       d.Instance,
		Address:      d.Address,
		Reachability: d.Reachability,
		LastSeen:     d.LastSeen,
		Timestamp:    time.Now().UTC(),
	}
}

// NewAckMessage builds an accepted acknowledgement.
func NewAckMessage(cmd CommandMessage, key point.Key, p *point.Point) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Point:     key.String(),
		Status:    AckAccepted,
	}
	if p != nil {
		ack.Value = p.Value.Native()
	}
	return ack
}

// NewAckError builds a failed acknowledgement.
func NewAckError(cmd CommandMessage, key point.Key, status AckStatus, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Point:     key.String(),
		Status:    status,
		Error:     &AckError{Code: code, Message: message},
	}
}

// ParseCommand decodes a command payload.
//
// Returns:
//   - CommandMessage: The command; numbers in Value are float64
//   - error: ErrInvalidCommand for malformed JSON
func ParseCommand(payload []byte) (CommandMessage, error) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return cmd, nil
}

// CommandValue coerces the command value for the point's object and
// property.
func (c CommandMessage) CommandValue(key point.Key) (bacnet.Value, error) {
	v, err := bacnet.ValueForProperty(key.Object.Type, key.Property, c.Value)
	if err != nil {
		return bacnet.Value{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return v, nil
}
