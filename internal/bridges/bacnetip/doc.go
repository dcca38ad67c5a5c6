// Package bacnetip connects the BACnet core to the network and to MQTT.
//
// It has three parts:
//
//   - UDPTransport binds the BACnet/IP socket (UDP 47808), sends unicast
//     and broadcast datagrams and hands received ones to a bounded worker
//     pool.
//   - Dispatcher decodes received datagrams and routes each PDU: responses
//     to the request multiplexer, I-Am to the device registry, COV
//     notifications to the scheduler, Who-Is and confirmed requests to the
//     local virtual device.
//   - Bridge publishes point values and device reachability to MQTT as
//     retained state, executes write commands received on MQTT and
//     reports health.
//
// # MQTT Topics
//
//	graylogic/bacnet/state/{device}/{object}/{property}    point values (retained)
//	graylogic/bacnet/command/{device}/{object}/{property}  {"value": 22.5, "priority": 8}
//	graylogic/bacnet/ack/{device}/{object}/{property}      command outcome
//	graylogic/bacnet/device/{device}/status                reachability (retained)
//	graylogic/bacnet/health                                health (retained)
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package bacnetip
