// Package bacnet implements the subset of the BACnet/IP wire protocol used by
// the Gray Logic BACnet core.
//
// It is a pure codec: it turns service requests into bytes and bytes back into
// typed values. It never opens sockets; the transport lives in
// internal/bridges/bacnetip.
//
// # Layers
//
// A BACnet/IP datagram is three nested envelopes:
//
//	┌──────────┬──────────┬──────────────────────────────┐
//	│   BVLC   │   NPDU   │             APDU             │
//	│ 4 bytes  │ 2+ bytes │ header + service parameters  │
//	└──────────┴──────────┴──────────────────────────────┘
//
// EncodeFrame and DecodeFrame handle BVLC and NPDU. EncodeAPDU and
// DecodeAPDU handle the APDU header. The service types (ReadProperty,
// WriteProperty, SubscribeCOV, Who-Is, I-Am and friends) encode and decode
// the service parameters carried in APDU.Payload.
//
// # Values
//
// Property values are carried as Value, a closed tagged variant over the
// BACnet application data types. Anything this package does not understand
// decodes to KindOpaque with its raw tag and content, so vendor-proprietary
// data survives a round trip.
//
// # Not supported
//
// Segmentation, network-layer routing messages and BACnet/SC are out of
// scope. Segmented APDUs decode to ErrSegmentationNotSupported.
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use.
package bacnet
