package mqtt

import (
	"fmt"
	"slices"
	"strings"
)

// TopicPrefix is the root of every topic the BACnet core publishes or
// consumes.
//
//	graylogic/bacnet/state/{device}/{object}/{property}    retained point values
//	graylogic/bacnet/command/{device}/{object}/{property}  inbound writes
//	graylogic/bacnet/ack/{device}/{object}/{property}      write outcomes
//	graylogic/bacnet/device/{device}/status                retained reachability
//	graylogic/bacnet/health                                retained health reports
//	graylogic/bacnet/status                                online/offline (LWT)
//
// {object} and {property} use the names of bacnet.ObjectID.String and
// bacnet.PropertyID.String, e.g. analogInput:1 and presentValue.
const TopicPrefix = "graylogic/bacnet"

// pointTopicParts is the segment count of state, command and ack topics.
const pointTopicParts = 6

// Topics builds and parses BACnet core topics.
type Topics struct{}

// PointState returns the retained state topic of one point.
func (Topics) PointState(device uint32, object, property string) string {
	return pointTopic("state", device, object, property)
}

// PointCommand returns the command topic of one point.
func (Topics) PointCommand(device uint32, object, property string) string {
	return pointTopic("command", device, object, property)
}

// PointAck returns the acknowledgement topic for commands to one point.
func (Topics) PointAck(device uint32, object, property string) string {
	return pointTopic("ack", device, object, property)
}

// DeviceStates returns the prefix shared by the state topics of every
// point of a device, with a trailing slash.
func (Topics) DeviceStates(device uint32) string {
	return fmt.Sprintf("%s/state/%d/", TopicPrefix, device)
}

// DeviceStatus returns the retained reachability topic of a device.
func (Topics) DeviceStatus(device uint32) string {
	return fmt.Sprintf("%s/device/%d/status", TopicPrefix, device)
}

// Health returns the health report topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// Status returns the process online/offline topic, also used for the LWT.
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// AllPointCommands returns the subscription pattern for every point command.
func (Topics) AllPointCommands() string {
	return TopicPrefix + "/command/+/+/+"
}

// ParseCommand splits a command topic into its device, object and
// property segments. The segments are not validated beyond being present.
func (Topics) ParseCommand(topic string) (device, object, property string, err error) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	parts := strings.Split(rest, "/")
	if !ok || len(parts) != pointTopicParts-3 || slices.Contains(parts, "") {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return parts[0], parts[1], parts[2], nil
}

func pointTopic(kind string, device uint32, object, property string) string {
	return fmt.Sprintf("%s/%s/%d/%s/%s", TopicPrefix, kind, device, object, property)
}
