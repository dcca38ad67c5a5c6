// Package mqtt provides MQTT client connectivity for the Gray Logic BACnet core.
//
// This package manages:
//   - The broker connection, with auto-reconnect and an offline will
//   - Retained point state and device status, replayed after a reconnect
//     and cleared when a device is evicted
//   - Command subscriptions, restored after a reconnect
//
// # Architecture
//
// The BACnet core publishes point values and device reachability to MQTT so
// the rest of a Gray Logic site can consume them without speaking BACnet.
// Commands flow the other way and are turned into WriteProperty requests.
//
//	BACnet network ↔ BACnet core ↔ MQTT Broker ↔ Gray Logic Core / UIs
//
// Topic builders live in topics.go; the bridge that uses them lives in
// internal/bridges/bacnetip.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.PointState(100, "analogInput:1", "presentValue")
//	client.PublishState(topic, []byte(`{"value":21.5}`))
package mqtt
