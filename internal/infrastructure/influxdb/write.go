package influxdb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementPoint        = "bacnet_point"
	MeasurementReachability = "bacnet_reachability"
)

// WritePointSample records one point value.
//
// Numeric and boolean values go to the float field "value" (booleans as
// 0/1) so they can be graphed; anything else is stored in the string
// field "text". The write is non-blocking.
//
// Parameters:
//   - device: Device instance number
//   - object: Object identifier, e.g. "analogInput:1"
//   - property: Property name, e.g. "presentValue"
//   - value: Native value (float64, uint64, int64, bool, string, ...)
//   - reliable: False when the sample is the last good value of a failed read
//   - ts: Sample time
//
// Example:
//
//	client.WritePointSample(100, "analogInput:1", "presentValue", 21.5, true, time.Now())
func (c *Client) WritePointSample(device uint32, object, property string, value any, reliable bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]any{"reliable": reliable}
	if f, ok := numeric(value); ok {
		fields["value"] = f
	} else if value != nil {
		fields["text"] = toText(value)
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementPoint,
		map[string]string{
			"device":   strconv.FormatUint(uint64(device), 10),
			"object":   object,
			"property": property,
		},
		fields,
		ts,
	))
}

// WriteReachability records a device reachability transition.
//
// Parameters:
//   - device: Device instance number
//   - state: "online", "unreachable" or "unknown"
//   - ts: Transition time
func (c *Client) WriteReachability(device uint32, state string, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementReachability,
		map[string]string{"device": strconv.FormatUint(uint64(device), 10)},
		map[string]any{
			"state":  state,
			"online": state == "online",
		},
		ts,
	))
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case uint32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
