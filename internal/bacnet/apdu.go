package bacnet

import "fmt"

// PDUType is the APDU type carried in the high nibble of the first octet.
type PDUType uint8

// APDU types.
const (
	PDUConfirmedRequest   PDUType = 0
	PDUUnconfirmedRequest PDUType = 1
	PDUSimpleAck          PDUType = 2
	PDUComplexAck         PDUType = 3
	PDUSegmentAck         PDUType = 4
	PDUError              PDUType = 5
	PDUReject             PDUType = 6
	PDUAbort              PDUType = 7
)

var pduTypeNames = [...]string{
	"confirmed-request", "unconfirmed-request", "simple-ack", "complex-ack",
	"segment-ack", "error", "reject", "abort",
}

func (t PDUType) String() string {
	if int(t) < len(pduTypeNames) {
		return pduTypeNames[t]
	}
	return fmt.Sprintf("pdu-type(%d)", uint8(t))
}

// Header flag bits.
const (
	apduFlagSegmented   = 0x08
	apduFlagAbortServer = 0x01
)

// MaxAPDU1476 is the max-APDU-length-accepted field for 1476 octets, the
// largest that fits in a BACnet/IP datagram.
const MaxAPDU1476 uint8 = 0x05

// MaxAPDULength is the APDU size advertised in I-Am.
const MaxAPDULength = 1476

// APDU is a decoded application layer PDU header plus service parameters.
type APDU struct {
	Type     PDUType
	InvokeID uint8

	// Service is the confirmed or unconfirmed service choice. For Reject and
	// Abort it is unused.
	Service uint8

	// MaxAPDU is the max-APDU-length-accepted field of confirmed requests.
	MaxAPDU uint8

	// Payload holds the service parameters (requests, ComplexAck and Error).
	Payload []byte

	// Reason is set for Reject and Abort.
	Reason uint8

	// Server is set for an Abort sent by the server side.
	Server bool
}

// IsResponse reports whether the PDU answers a confirmed request.
func (a *APDU) IsResponse() bool {
	switch a.Type {
	case PDUSimpleAck, PDUComplexAck, PDUError, PDUReject, PDUAbort:
		return true
	}
	return false
}

// Err returns the protocol error carried by an Error, Reject or Abort PDU,
// or nil for any other type.
func (a *APDU) Err() error {
	switch a.Type {
	case PDUError:
		se, err := decodeServiceError(a.Service, a.Payload)
		if err != nil {
			return err
		}
		return se
	case PDUReject:
		return &RejectError{Reason: RejectReason(a.Reason)}
	case PDUAbort:
		return &AbortError{Reason: AbortReason(a.Reason), Server: a.Server}
	}
	return nil
}

// EncodeAPDU serialises the header and payload.
func EncodeAPDU(a APDU) []byte {
	out := make([]byte, 0, 4+len(a.Payload))
	first := byte(a.Type) << 4
	switch a.Type {
	case PDUConfirmedRequest:
		maxAPDU := a.MaxAPDU
		if maxAPDU == 0 {
			maxAPDU = MaxAPDU1476
		}
		out = append(out, first, maxAPDU&0x0F, a.InvokeID, a.Service)
		out = append(out, a.Payload...)
	case PDUUnconfirmedRequest:
		out = append(out, first, a.Service)
		out = append(out, a.Payload...)
	case PDUSimpleAck:
		out = append(out, first, a.InvokeID, a.Service)
	case PDUComplexAck, PDUError:
		out = append(out, first, a.InvokeID, a.Service)
		out = append(out, a.Payload...)
	case PDUReject:
		out = append(out, first, a.InvokeID, a.Reason)
	case PDUAbort:
		if a.Server {
			first |= apduFlagAbortServer
		}
		out = append(out, first, a.InvokeID, a.Reason)
	}
	return out
}

// DecodeAPDU parses an APDU header. The returned Payload aliases data.
//
// Parameters:
//   - data: APDU bytes, as found in Frame.APDU
//
// Returns:
//   - *APDU: Decoded header
//   - error: ErrMalformed, or ErrSegmentationNotSupported for segmented PDUs
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) == 0 {
		return nil, malformed("empty APDU")
	}
	a := &APDU{Type: PDUType(data[0] >> 4)}
	need := func(n int) error {
		if len(data) < n {
			return malformed("%s APDU truncated: %d bytes", a.Type, len(data))
		}
		return nil
	}

	switch a.Type {
	case PDUConfirmedRequest:
		if data[0]&apduFlagSegmented != 0 {
			if len(data) >= 3 { //nolint:mnd // invoke id offset
				a.InvokeID = data[2]
			}
			return a, ErrSegmentationNotSupported
		}
		if err := need(4); err != nil {
			return nil, err
		}
		a.MaxAPDU = data[1] & 0x0F
		a.InvokeID = data[2]
		a.Service = data[3]
		a.Payload = data[4:]
	case PDUUnconfirmedRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		a.Service = data[1]
		a.Payload = data[2:]
	case PDUSimpleAck:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Service = data[2]
	case PDUComplexAck:
		if data[0]&apduFlagSegmented != 0 {
			if len(data) >= 2 {
				a.InvokeID = data[1]
			}
			return a, ErrSegmentationNotSupported
		}
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Payload = data[3:]
	case PDUError:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Payload = data[3:]
	case PDUReject:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Reason = data[2]
	case PDUAbort:
		if err := need(3); err != nil {
			return nil, err
		}
		a.Server = data[0]&apduFlagAbortServer != 0
		a.InvokeID = data[1]
		a.Reason = data[2]
	case PDUSegmentAck:
		return a, ErrSegmentationNotSupported
	default:
		return nil, malformed("unknown APDU type %d", a.Type)
	}
	return a, nil
}

// ErrorAPDU builds an Error PDU answering invokeID.
func ErrorAPDU(invokeID, service uint8, class ErrorClass, code ErrorCode) APDU {
	var p []byte
	p = AppendValue(p, Enumerated(uint32(class)))
	p = AppendValue(p, Enumerated(uint32(code)))
	return APDU{Type: PDUError, InvokeID: invokeID, Service: service, Payload: p}
}

func decodeServiceError(service uint8, payload []byte) (*ServiceError, error) {
	d := newDecoder(payload)
	// Some services wrap the error in context tag [0].
	wrapped := d.isOpening(0)
	if wrapped {
		if err := d.expectOpening(0); err != nil {
			return nil, err
		}
	}
	class, err := d.appValue()
	if err != nil {
		return nil, err
	}
	code, err := d.appValue()
	if err != nil {
		return nil, err
	}
	c, ok1 := class.Uint()
	e, ok2 := code.Uint()
	if !ok1 || !ok2 {
		return nil, malformed("error PDU class/code are not enumerated")
	}
	return &ServiceError{Service: service, Class: ErrorClass(c), Code: ErrorCode(e)}, nil
}
