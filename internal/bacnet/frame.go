package bacnet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// BVLC functions for BACnet/IP (Annex J).
const (
	BVLCResult            uint8 = 0x00
	BVLCForwardedNPDU     uint8 = 0x04
	BVLCOriginalUnicast   uint8 = 0x0a
	BVLCOriginalBroadcast uint8 = 0x0b
)

const (
	bvlcTypeBACnetIP     = 0x81
	bvlcHeaderLen        = 4
	bvlcForwardedAddrLen = 6
	maxFrameLen          = 1497

	npduVersion               = 0x01
	npduControlNetworkMsg     = 0x80
	npduControlDestination    = 0x20
	npduControlSource         = 0x08
	npduControlExpectingReply = 0x04
	npduControlPriorityMask   = 0x03
	defaultHopCount           = 0xFF
)

// NetworkAddress is a remote BACnet network number and MAC address, as
// carried in the NPDU when a message crosses a router.
type NetworkAddress struct {
	Net  uint16
	Addr []byte
}

// Frame is a decoded BVLC + NPDU envelope around one APDU.
type Frame struct {
	// Broadcast selects Original-Broadcast-NPDU on encode and reports it on decode.
	Broadcast bool

	// ForwardedFrom is the original source of a Forwarded-NPDU (BBMD relay).
	ForwardedFrom netip.AddrPort

	// ExpectingReply is set for confirmed requests.
	ExpectingReply bool

	// Priority is the 2-bit network priority (0 normal).
	Priority uint8

	Destination *NetworkAddress
	Source      *NetworkAddress
	HopCount    uint8

	// APDU is the application layer payload.
	APDU []byte
}

// EncodeFrame wraps an APDU into a BACnet/IP datagram.
//
// Parameters:
//   - f: Envelope fields and the APDU bytes
//
// Returns:
//   - []byte: The full datagram
//   - error: If the datagram would exceed the BACnet/IP maximum
func EncodeFrame(f Frame) ([]byte, error) {
	npdu := make([]byte, 0, 8+len(f.APDU))
	control := f.Priority & npduControlPriorityMask
	if f.ExpectingReply {
		control |= npduControlExpectingReply
	}
	if f.Destination != nil {
		control |= npduControlDestination
	}
	if f.Source != nil {
		control |= npduControlSource
	}
	npdu = append(npdu, npduVersion, control)

	if d := f.Destination; d != nil {
		npdu = binary.BigEndian.AppendUint16(npdu, d.Net)
		npdu = append(npdu, byte(len(d.Addr)))
		npdu = append(npdu, d.Addr...)
	}
	if s := f.Source; s != nil {
		npdu = binary.BigEndian.AppendUint16(npdu, s.Net)
		npdu = append(npdu, byte(len(s.Addr)))
		npdu = append(npdu, s.Addr...)
	}
	if f.Destination != nil {
		hop := f.HopCount
		if hop == 0 {
			hop = defaultHopCount
		}
		npdu = append(npdu, hop)
	}
	npdu = append(npdu, f.APDU...)

	total := bvlcHeaderLen + len(npdu)
	if total > maxFrameLen {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrUnsupported, total, maxFrameLen)
	}

	function := BVLCOriginalUnicast
	if f.Broadcast {
		function = BVLCOriginalBroadcast
	}
	out := make([]byte, 0, total)
	out = append(out, bvlcTypeBACnetIP, function)
	out = binary.BigEndian.AppendUint16(out, uint16(total))
	return append(out, npdu...), nil
}

// DecodeFrame parses a BACnet/IP datagram into its envelope and APDU.
//
// Parameters:
//   - data: Raw datagram bytes as received from UDP
//
// Returns:
//   - Frame: Decoded envelope; APDU aliases data
//   - error: ErrMalformed, ErrUnsupported for non-NPDU BVLC functions, or
//     ErrNetworkMessage for network-layer messages
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) < bvlcHeaderLen {
		return f, malformed("datagram too short: %d bytes", len(data))
	}
	if data[0] != bvlcTypeBACnetIP {
		return f, malformed("BVLC type 0x%02x is not BACnet/IP", data[0])
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length != len(data) {
		return f, malformed("BVLC length %d does not match datagram length %d", length, len(data))
	}

	p := bvlcHeaderLen
	switch data[1] {
	case BVLCOriginalUnicast:
	case BVLCOriginalBroadcast:
		f.Broadcast = true
	case BVLCForwardedNPDU:
		if len(data) < p+bvlcForwardedAddrLen {
			return f, malformed("forwarded NPDU too short")
		}
		ip := netip.AddrFrom4([4]byte(data[p : p+4]))
		port := binary.BigEndian.Uint16(data[p+4 : p+6])
		f.ForwardedFrom = netip.AddrPortFrom(ip, port)
		f.Broadcast = true
		p += bvlcForwardedAddrLen
	default:
		return f, fmt.Errorf("%w: BVLC function 0x%02x", ErrUnsupported, data[1])
	}

	if len(data) < p+2 {
		return f, malformed("NPDU header truncated")
	}
	if data[p] != npduVersion {
		return f, malformed("NPDU version %d", data[p])
	}
	control := data[p+1]
	p += 2
	if control&npduControlNetworkMsg != 0 {
		return f, ErrNetworkMessage
	}
	f.ExpectingReply = control&npduControlExpectingReply != 0
	f.Priority = control & npduControlPriorityMask

	readAddr := func() (*NetworkAddress, error) {
		if len(data) < p+3 {
			return nil, malformed("NPDU address truncated")
		}
		a := &NetworkAddress{Net: binary.BigEndian.Uint16(data[p:])}
		n := int(data[p+2])
		p += 3
		if len(data) < p+n {
			return nil, malformed("NPDU address of %d bytes truncated", n)
		}
		a.Addr = append([]byte(nil), data[p:p+n]...)
		p += n
		return a, nil
	}

	var err error
	if control&npduControlDestination != 0 {
		if f.Destination, err = readAddr(); err != nil {
			return f, err
		}
	}
	if control&npduControlSource != 0 {
		if f.Source, err = readAddr(); err != nil {
			return f, err
		}
	}
	if f.Destination != nil {
		if len(data) < p+1 {
			return f, malformed("NPDU hop count missing")
		}
		f.HopCount = data[p]
		p++
	}
	if p >= len(data) {
		return f, malformed("NPDU carries no APDU")
	}
	f.APDU = data[p:]
	return f, nil
}
