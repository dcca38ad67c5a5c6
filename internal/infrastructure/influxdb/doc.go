// Package influxdb provides InfluxDB connectivity for the Gray Logic BACnet core.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched non-blocking writes and health monitoring.
//
// # Purpose
//
// Two measurements are written:
//   - bacnet_point: one sample per point value change (tags device, object,
//     property; fields value or text, reliable)
//   - bacnet_reachability: device online/unreachable transitions
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePointSample(100, "analogInput:1", "presentValue", 21.5, true, time.Now())
//
// # Error Handling
//
// Writes never return errors; batch failures are delivered to the callback
// set with SetOnError. Connection and health check errors are returned
// directly.
package influxdb
