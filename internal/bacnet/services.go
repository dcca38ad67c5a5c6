package bacnet

import (
	"fmt"
	"time"
)

// ConfirmedService is a confirmed service choice.
type ConfirmedService uint8

// Confirmed services.
const (
	ServiceConfirmedCOVNotification ConfirmedService = 1
	ServiceSubscribeCOV             ConfirmedService = 5
	ServiceReadProperty             ConfirmedService = 12
	ServiceReadPropertyMultiple     ConfirmedService = 14
	ServiceWriteProperty            ConfirmedService = 15
	ServiceReinitializeDevice       ConfirmedService = 20
)

// UnconfirmedService is an unconfirmed service choice.
type UnconfirmedService uint8

// Unconfirmed services.
const (
	ServiceIAm                        UnconfirmedService = 0
	ServiceIHave                      UnconfirmedService = 1
	ServiceUnconfirmedCOVNotification UnconfirmedService = 2
	ServiceTimeSynchronization        UnconfirmedService = 6
	ServiceWhoHas                     UnconfirmedService = 7
	ServiceWhoIs                      UnconfirmedService = 8
	ServiceUTCTimeSynchronization     UnconfirmedService = 9
)

// ConfirmedRequest is a service request that expects an acknowledgement.
type ConfirmedRequest interface {
	// ServiceChoice returns the confirmed service number.
	ServiceChoice() ConfirmedService

	// EncodePayload returns the service parameters.
	EncodePayload() []byte
}

// UnconfirmedRequest is a fire-and-forget service request.
type UnconfirmedRequest interface {
	ServiceChoice() UnconfirmedService
	EncodePayload() []byte
}

// ConfirmedAPDU builds the request APDU for req with the given invoke-id.
func ConfirmedAPDU(invokeID uint8, req ConfirmedRequest) APDU {
	return APDU{
		Type:     PDUConfirmedRequest,
		InvokeID: invokeID,
		Service:  uint8(req.ServiceChoice()),
		MaxAPDU:  MaxAPDU1476,
		Payload:  req.EncodePayload(),
	}
}

// UnconfirmedAPDU builds the request APDU for req.
func UnconfirmedAPDU(req UnconfirmedRequest) APDU {
	return APDU{
		Type:    PDUUnconfirmedRequest,
		Service: uint8(req.ServiceChoice()),
		Payload: req.EncodePayload(),
	}
}

// ComplexAckAPDU builds a ComplexAck carrying payload.
func ComplexAckAPDU(invokeID uint8, service ConfirmedService, payload []byte) APDU {
	return APDU{Type: PDUComplexAck, InvokeID: invokeID, Service: uint8(service), Payload: payload}
}

// SimpleAckAPDU builds a SimpleAck.
func SimpleAckAPDU(invokeID uint8, service ConfirmedService) APDU {
	return APDU{Type: PDUSimpleAck, InvokeID: invokeID, Service: uint8(service)}
}

// RejectAPDU builds a Reject.
func RejectAPDU(invokeID uint8, reason RejectReason) APDU {
	return APDU{Type: PDUReject, InvokeID: invokeID, Reason: uint8(reason)}
}

// AbortAPDU builds a server-side Abort.
func AbortAPDU(invokeID uint8, reason AbortReason) APDU {
	return APDU{Type: PDUAbort, InvokeID: invokeID, Reason: uint8(reason), Server: true}
}

// ---------------------------------------------------------------------------
// ReadProperty
// ---------------------------------------------------------------------------

// ReadPropertyRequest reads one property of one object.
type ReadPropertyRequest struct {
	Object   ObjectID
	Property PropertyID
	// Index selects one array element; nil reads the whole property.
	Index *uint32
}

func (r ReadPropertyRequest) ServiceChoice() ConfirmedService { return ServiceReadProperty }

func (r ReadPropertyRequest) EncodePayload() []byte {
	var b []byte
	b = appendContextObjectID(b, 0, r.Object)
	b = appendContextEnumerated(b, 1, uint32(r.Property))
	if r.Index != nil {
		b = appendContextUnsigned(b, 2, uint64(*r.Index))
	}
	return b
}

// DecodeReadPropertyRequest parses ReadProperty service parameters.
func DecodeReadPropertyRequest(payload []byte) (ReadPropertyRequest, error) {
	var r ReadPropertyRequest
	d := newDecoder(payload)
	var err error
	if r.Object, err = d.contextObjectID(0); err != nil {
		return r, err
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return r, err
	}
	r.Property = PropertyID(prop)
	if !d.empty() {
		idx, err := d.contextUnsigned(2)
		if err != nil {
			return r, err
		}
		i := uint32(idx)
		r.Index = &i
	}
	if !d.empty() {
		return r, malformed("trailing data after ReadProperty request")
	}
	return r, nil
}

// ReadPropertyAck is the ComplexAck payload of ReadProperty.
type ReadPropertyAck struct {
	Object   ObjectID
	Property PropertyID
	Index    *uint32
	Value    Value
}

// EncodePayload serialises the acknowledgement.
func (a ReadPropertyAck) EncodePayload() []byte {
	var b []byte
	b = appendContextObjectID(b, 0, a.Object)
	b = appendContextEnumerated(b, 1, uint32(a.Property))
	if a.Index != nil {
		b = appendContextUnsigned(b, 2, uint64(*a.Index))
	}
	b = appendOpening(b, 3)
	b = AppendValue(b, a.Value)
	return appendClosing(b, 3)
}

// DecodeReadPropertyAck parses a ReadProperty ComplexAck payload.
func DecodeReadPropertyAck(payload []byte) (ReadPropertyAck, error) {
	var a ReadPropertyAck
	d := newDecoder(payload)
	var err error
	if a.Object, err = d.contextObjectID(0); err != nil {
		return a, err
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return a, err
	}
	a.Property = PropertyID(prop)
	if d.isContext(2) {
		idx, err := d.contextUnsigned(2)
		if err != nil {
			return a, err
		}
		i := uint32(idx)
		a.Index = &i
	}
	if err := d.expectOpening(3); err != nil {
		return a, err
	}
	if a.Value, err = d.valuesUntilClosing(3); err != nil {
		return a, err
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// ReadPropertyMultiple
// ---------------------------------------------------------------------------

// PropertyReference names a property and optional array index.
type PropertyReference struct {
	Property PropertyID
	Index    *uint32
}

// ReadAccessSpec lists the properties to read from one object.
type ReadAccessSpec struct {
	Object     ObjectID
	Properties []PropertyReference
}

// ReadPropertyMultipleRequest reads several properties in one exchange.
type ReadPropertyMultipleRequest struct {
	Specs []ReadAccessSpec
}

func (r ReadPropertyMultipleRequest) ServiceChoice() ConfirmedService {
	return ServiceReadPropertyMultiple
}

func (r ReadPropertyMultipleRequest) EncodePayload() []byte {
	var b []byte
	for _, spec := range r.Specs {
		b = appendContextObjectID(b, 0, spec.Object)
		b = appendOpening(b, 1)
		for _, ref := range spec.Properties {
			b = appendContextEnumerated(b, 0, uint32(ref.Property))
			if ref.Index != nil {
				b = appendContextUnsigned(b, 1, uint64(*ref.Index))
			}
		}
		b = appendClosing(b, 1)
	}
	return b
}

// DecodeReadPropertyMultipleRequest parses ReadPropertyMultiple parameters.
func DecodeReadPropertyMultipleRequest(payload []byte) (ReadPropertyMultipleRequest, error) {
	var r ReadPropertyMultipleRequest
	d := newDecoder(payload)
	for !d.empty() {
		var spec ReadAccessSpec
		var err error
		if spec.Object, err = d.contextObjectID(0); err != nil {
			return r, err
		}
		if err := d.expectOpening(1); err != nil {
			return r, err
		}
		for !d.isClosing(1) {
			prop, err := d.contextUnsigned(0)
			if err != nil {
				return r, err
			}
			ref := PropertyReference{Property: PropertyID(prop)}
			if d.isContext(1) {
				idx, err := d.contextUnsigned(1)
				if err != nil {
					return r, err
				}
				i := uint32(idx)
				ref.Index = &i
			}
			spec.Properties = append(spec.Properties, ref)
		}
		if err := d.expectClosing(1); err != nil {
			return r, err
		}
		r.Specs = append(r.Specs, spec)
	}
	if len(r.Specs) == 0 {
		return r, malformed("ReadPropertyMultiple request without specifications")
	}
	return r, nil
}

// PropertyResult is one element of a ReadPropertyMultiple result: either a
// value or a per-property error.
type PropertyResult struct {
	Property PropertyID
	Index    *uint32
	Value    Value
	Err      *ServiceError
}

// ReadAccessResult groups the results for one object.
type ReadAccessResult struct {
	Object  ObjectID
	Results []PropertyResult
}

// ReadPropertyMultipleAck is the ComplexAck payload of ReadPropertyMultiple.
type ReadPropertyMultipleAck struct {
	Results []ReadAccessResult
}

// EncodePayload serialises the acknowledgement.
func (a ReadPropertyMultipleAck) EncodePayload() []byte {
	var b []byte
	for _, res := range a.Results {
		b = appendContextObjectID(b, 0, res.Object)
		b = appendOpening(b, 1)
		for _, pr := range res.Results {
			b = appendContextEnumerated(b, 2, uint32(pr.Property))
			if pr.Index != nil {
				b = appendContextUnsigned(b, 3, uint64(*pr.Index))
			}
			if pr.Err != nil {
				b = appendOpening(b, 5)
				b = AppendValue(b, Enumerated(uint32(pr.Err.Class)))
				b = AppendValue(b, Enumerated(uint32(pr.Err.Code)))
				b = appendClosing(b, 5)
				continue
			}
			b = appendOpening(b, 4)
			b = AppendValue(b, pr.Value)
			b = appendClosing(b, 4)
		}
		b = appendClosing(b, 1)
	}
	return b
}

// DecodeReadPropertyMultipleAck parses a ReadPropertyMultiple ComplexAck.
func DecodeReadPropertyMultipleAck(payload []byte) (ReadPropertyMultipleAck, error) {
	var a ReadPropertyMultipleAck
	d := newDecoder(payload)
	for !d.empty() {
		var res ReadAccessResult
		var err error
		if res.Object, err = d.contextObjectID(0); err != nil {
			return a, err
		}
		if err := d.expectOpening(1); err != nil {
			return a, err
		}
		for !d.isClosing(1) {
			prop, err := d.contextUnsigned(2)
			if err != nil {
				return a, err
			}
			pr := PropertyResult{Property: PropertyID(prop)}
			if d.isContext(3) {
				idx, err := d.contextUnsigned(3)
				if err != nil {
					return a, err
				}
				i := uint32(idx)
				pr.Index = &i
			}
			switch {
			case d.isOpening(4):
				_ = d.expectOpening(4) //nolint:errcheck // peeked above
				if pr.Value, err = d.valuesUntilClosing(4); err != nil {
					return a, err
				}
			case d.isOpening(5):
				_ = d.expectOpening(5) //nolint:errcheck // peeked above
				class, err := d.appValue()
				if err != nil {
					return a, err
				}
				code, err := d.appValue()
				if err != nil {
					return a, err
				}
				c, _ := class.Uint()
				e, _ := code.Uint()
				pr.Err = &ServiceError{
					Service: uint8(ServiceReadPropertyMultiple),
					Class:   ErrorClass(c),
					Code:    ErrorCode(e),
				}
				if err := d.expectClosing(5); err != nil {
					return a, err
				}
			default:
				return a, malformed("property result without value or error")
			}
			res.Results = append(res.Results, pr)
		}
		if err := d.expectClosing(1); err != nil {
			return a, err
		}
		a.Results = append(a.Results, res)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// WriteProperty
// ---------------------------------------------------------------------------

// WritePropertyRequest writes one property. Priority 0 means no priority.
type WritePropertyRequest struct {
	Object   ObjectID
	Property PropertyID
	Index    *uint32
	Value    Value
	Priority uint8
}

func (r WritePropertyRequest) ServiceChoice() ConfirmedService { return ServiceWriteProperty }

func (r WritePropertyRequest) EncodePayload() []byte {
	var b []byte
	b = appendContextObjectID(b, 0, r.Object)
	b = appendContextEnumerated(b, 1, uint32(r.Property))
	if r.Index != nil {
		b = appendContextUnsigned(b, 2, uint64(*r.Index))
	}
	b = appendOpening(b, 3)
	b = AppendValue(b, r.Value)
	b = appendClosing(b, 3)
	if r.Priority != 0 {
		b = appendContextUnsigned(b, 4, uint64(r.Priority))
	}
	return b
}

// DecodeWritePropertyRequest parses WriteProperty service parameters.
func DecodeWritePropertyRequest(payload []byte) (WritePropertyRequest, error) {
	var r WritePropertyRequest
	d := newDecoder(payload)
	var err error
	if r.Object, err = d.contextObjectID(0); err != nil {
		return r, err
	}
	prop, err := d.contextUnsigned(1)
	if err != nil {
		return r, err
	}
	r.Property = PropertyID(prop)
	if d.isContext(2) {
		idx, err := d.contextUnsigned(2)
		if err != nil {
			return r, err
		}
		i := uint32(idx)
		r.Index = &i
	}
	if err := d.expectOpening(3); err != nil {
		return r, err
	}
	if r.Value, err = d.valuesUntilClosing(3); err != nil {
		return r, err
	}
	if !d.empty() {
		p, err := d.contextUnsigned(4)
		if err != nil {
			return r, err
		}
		if p < 1 || p > 16 {
			return r, fmt.Errorf("%w: write priority %d out of range 1..16", ErrInvalidValue, p)
		}
		r.Priority = uint8(p)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// SubscribeCOV
// ---------------------------------------------------------------------------

// SubscribeCOVRequest creates, renews or (with Cancel) cancels a COV
// subscription.
type SubscribeCOVRequest struct {
	ProcessID uint32
	Object    ObjectID
	Cancel    bool
	Confirmed bool
	// Lifetime in seconds; 0 asks for an indefinite subscription.
	Lifetime uint32
}

func (r SubscribeCOVRequest) ServiceChoice() ConfirmedService { return ServiceSubscribeCOV }

func (r SubscribeCOVRequest) EncodePayload() []byte {
	var b []byte
	b = appendContextUnsigned(b, 0, uint64(r.ProcessID))
	b = appendContextObjectID(b, 1, r.Object)
	if r.Cancel {
		return b
	}
	b = appendContextBool(b, 2, r.Confirmed)
	return appendContextUnsigned(b, 3, uint64(r.Lifetime))
}

// DecodeSubscribeCOVRequest parses SubscribeCOV service parameters.
func DecodeSubscribeCOVRequest(payload []byte) (SubscribeCOVRequest, error) {
	var r SubscribeCOVRequest
	d := newDecoder(payload)
	pid, err := d.contextUnsigned(0)
	if err != nil {
		return r, err
	}
	r.ProcessID = uint32(pid)
	if r.Object, err = d.contextObjectID(1); err != nil {
		return r, err
	}
	if d.empty() {
		r.Cancel = true
		return r, nil
	}
	if r.Confirmed, err = d.contextBool(2); err != nil {
		return r, err
	}
	if d.isContext(3) {
		life, err := d.contextUnsigned(3)
		if err != nil {
			return r, err
		}
		r.Lifetime = uint32(life)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// COV notification
// ---------------------------------------------------------------------------

// PropertyValue is one element of a COV notification's value list.
type PropertyValue struct {
	Property PropertyID
	Index    *uint32
	Value    Value
	Priority uint8
}

// COVNotification is the payload of both Confirmed and Unconfirmed
// COV notifications.
type COVNotification struct {
	ProcessID     uint32
	Device        ObjectID
	Object        ObjectID
	TimeRemaining uint32
	Values        []PropertyValue
}

func (n COVNotification) ServiceChoice() ConfirmedService { return ServiceConfirmedCOVNotification }

// EncodePayload serialises the notification parameters.
func (n COVNotification) EncodePayload() []byte {
	var b []byte
	b = appendContextUnsigned(b, 0, uint64(n.ProcessID))
	b = appendContextObjectID(b, 1, n.Device)
	b = appendContextObjectID(b, 2, n.Object)
	b = appendContextUnsigned(b, 3, uint64(n.TimeRemaining))
	b = appendOpening(b, 4)
	for _, pv := range n.Values {
		b = appendContextEnumerated(b, 0, uint32(pv.Property))
		if pv.Index != nil {
			b = appendContextUnsigned(b, 1, uint64(*pv.Index))
		}
		b = appendOpening(b, 2)
		b = AppendValue(b, pv.Value)
		b = appendClosing(b, 2)
		if pv.Priority != 0 {
			b = appendContextUnsigned(b, 3, uint64(pv.Priority))
		}
	}
	return appendClosing(b, 4)
}

// DecodeCOVNotification parses COV notification parameters.
func DecodeCOVNotification(payload []byte) (COVNotification, error) {
	var n COVNotification
	d := newDecoder(payload)
	pid, err := d.contextUnsigned(0)
	if err != nil {
		return n, err
	}
	n.ProcessID = uint32(pid)
	if n.Device, err = d.contextObjectID(1); err != nil {
		return n, err
	}
	if n.Object, err = d.contextObjectID(2); err != nil {
		return n, err
	}
	remaining, err := d.contextUnsigned(3)
	if err != nil {
		return n, err
	}
	n.TimeRemaining = uint32(remaining)
	if err := d.expectOpening(4); err != nil {
		return n, err
	}
	for !d.isClosing(4) {
		prop, err := d.contextUnsigned(0)
		if err != nil {
			return n, err
		}
		pv := PropertyValue{Property: PropertyID(prop)}
		if d.isContext(1) {
			idx, err := d.contextUnsigned(1)
			if err != nil {
				return n, err
			}
			i := uint32(idx)
			pv.Index = &i
		}
		if err := d.expectOpening(2); err != nil {
			return n, err
		}
		if pv.Value, err = d.valuesUntilClosing(2); err != nil {
			return n, err
		}
		if d.isContext(3) {
			p, err := d.contextUnsigned(3)
			if err != nil {
				return n, err
			}
			pv.Priority = uint8(p)
		}
		n.Values = append(n.Values, pv)
	}
	if err := d.expectClosing(4); err != nil {
		return n, err
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Who-Is / I-Am
// ---------------------------------------------------------------------------

// WhoIs asks devices to identify themselves. With HasRange unset every
// device responds.
type WhoIs struct {
	HasRange bool
	Low      uint32
	High     uint32
}

func (w WhoIs) ServiceChoice() UnconfirmedService { return ServiceWhoIs }

func (w WhoIs) EncodePayload() []byte {
	if !w.HasRange {
		return nil
	}
	var b []byte
	b = appendContextUnsigned(b, 0, uint64(w.Low))
	return appendContextUnsigned(b, 1, uint64(w.High))
}

// Matches reports whether instance falls within the requested range.
func (w WhoIs) Matches(instance uint32) bool {
	return !w.HasRange || (instance >= w.Low && instance <= w.High)
}

// DecodeWhoIs parses Who-Is service parameters.
func DecodeWhoIs(payload []byte) (WhoIs, error) {
	var w WhoIs
	if len(payload) == 0 {
		return w, nil
	}
	d := newDecoder(payload)
	low, err := d.contextUnsigned(0)
	if err != nil {
		return w, err
	}
	high, err := d.contextUnsigned(1)
	if err != nil {
		return w, err
	}
	if low > uint64(MaxInstance) || high > uint64(MaxInstance) {
		return w, malformed("Who-Is range %d..%d exceeds instance space", low, high)
	}
	return WhoIs{HasRange: true, Low: uint32(low), High: uint32(high)}, nil
}

// IAm announces a device.
type IAm struct {
	Device       ObjectID
	MaxAPDU      uint32
	Segmentation Segmentation
	VendorID     uint16
}

func (i IAm) ServiceChoice() UnconfirmedService { return ServiceIAm }

func (i IAm) EncodePayload() []byte {
	var b []byte
	b = AppendValue(b, ObjectIdentifier(i.Device))
	b = AppendValue(b, Unsigned(uint64(i.MaxAPDU)))
	b = AppendValue(b, Enumerated(uint32(i.Segmentation)))
	return AppendValue(b, Unsigned(uint64(i.VendorID)))
}

// DecodeIAm parses I-Am service parameters.
func DecodeIAm(payload []byte) (IAm, error) {
	var i IAm
	d := newDecoder(payload)
	vals := make([]Value, 0, 4) //nolint:mnd // I-Am has four parameters
	for range 4 {
		v, err := d.appValue()
		if err != nil {
			return i, err
		}
		vals = append(vals, v)
	}
	dev, ok := vals[0].Object()
	if !ok || dev.Type != ObjectDevice {
		return i, malformed("I-Am does not carry a device identifier")
	}
	maxAPDU, ok := vals[1].Uint()
	if !ok {
		return i, malformed("I-Am max APDU is not unsigned")
	}
	seg, ok := vals[2].Uint()
	if !ok {
		return i, malformed("I-Am segmentation is not enumerated")
	}
	vendor, ok := vals[3].Uint()
	if !ok {
		return i, malformed("I-Am vendor id is not unsigned")
	}
	return IAm{
		Device:       dev,
		MaxAPDU:      uint32(maxAPDU),
		Segmentation: Segmentation(seg),
		VendorID:     uint16(vendor),
	}, nil
}

// ---------------------------------------------------------------------------
// Who-Has / I-Have
// ---------------------------------------------------------------------------

// WhoHas asks devices within an optional instance range whether they hold
// an object, named either by identifier or by objectName. Exactly one of
// Object and Name is used; Name wins when ByName is set.
type WhoHas struct {
	HasRange bool
	Low      uint32
	High     uint32

	ByName bool
	Object ObjectID
	Name   string
}

func (w WhoHas) ServiceChoice() UnconfirmedService { return ServiceWhoHas }

func (w WhoHas) EncodePayload() []byte {
	var b []byte
	if w.HasRange {
		b = appendContextUnsigned(b, 0, uint64(w.Low))
		b = appendContextUnsigned(b, 1, uint64(w.High))
	}
	if w.ByName {
		return appendContextCharacterString(b, 3, w.Name)
	}
	return appendContextObjectID(b, 2, w.Object)
}

// Matches reports whether a device instance falls within the requested range.
func (w WhoHas) Matches(instance uint32) bool {
	return !w.HasRange || (instance >= w.Low && instance <= w.High)
}

// DecodeWhoHas parses Who-Has service parameters.
func DecodeWhoHas(payload []byte) (WhoHas, error) {
	var w WhoHas
	d := newDecoder(payload)
	if d.isContext(0) {
		low, err := d.contextUnsigned(0)
		if err != nil {
			return w, err
		}
		high, err := d.contextUnsigned(1)
		if err != nil {
			return w, err
		}
		if low > uint64(MaxInstance) || high > uint64(MaxInstance) {
			return w, malformed("Who-Has range %d..%d exceeds instance space", low, high)
		}
		w.HasRange, w.Low, w.High = true, uint32(low), uint32(high)
	}

	var err error
	switch {
	case d.isContext(2):
		w.Object, err = d.contextObjectID(2)
	case d.isContext(3):
		w.ByName = true
		w.Name, err = d.contextCharacterString(3)
	default:
		return w, malformed("Who-Has names no object")
	}
	if err != nil {
		return w, err
	}
	if !d.empty() {
		return w, malformed("trailing data after Who-Has")
	}
	return w, nil
}

// IHave answers Who-Has: Device holds Object, whose objectName is Name.
type IHave struct {
	Device ObjectID
	Object ObjectID
	Name   string
}

func (i IHave) ServiceChoice() UnconfirmedService { return ServiceIHave }

func (i IHave) EncodePayload() []byte {
	var b []byte
	b = AppendValue(b, ObjectIdentifier(i.Device))
	b = AppendValue(b, ObjectIdentifier(i.Object))
	return AppendValue(b, CharacterString(i.Name))
}

// DecodeIHave parses I-Have service parameters.
func DecodeIHave(payload []byte) (IHave, error) {
	var i IHave
	d := newDecoder(payload)
	vals := make([]Value, 0, 3) //nolint:mnd // I-Have has three parameters
	for range 3 {
		v, err := d.appValue()
		if err != nil {
			return i, err
		}
		vals = append(vals, v)
	}
	dev, ok := vals[0].Object()
	if !ok || dev.Type != ObjectDevice {
		return i, malformed("I-Have does not carry a device identifier")
	}
	obj, ok := vals[1].Object()
	if !ok {
		return i, malformed("I-Have object is not an object identifier")
	}
	name, ok := vals[2].Text()
	if !ok {
		return i, malformed("I-Have object name is not a character string")
	}
	return IHave{Device: dev, Object: obj, Name: name}, nil
}

// ---------------------------------------------------------------------------
// TimeSynchronization
// ---------------------------------------------------------------------------

// TimeSync sets the clock of receiving devices. UTC selects the
// UTC-TimeSynchronization service and converts Time to UTC.
type TimeSync struct {
	Time time.Time
	UTC  bool
}

func (t TimeSync) ServiceChoice() UnconfirmedService {
	if t.UTC {
		return ServiceUTCTimeSynchronization
	}
	return ServiceTimeSynchronization
}

func (t TimeSync) EncodePayload() []byte {
	ts := t.Time
	if t.UTC {
		ts = ts.UTC()
	}
	// BACnet weekday: Monday=1 .. Sunday=7.
	dow := int(ts.Weekday())
	if dow == 0 {
		dow = 7
	}
	date := []byte{byte(ts.Year() - 1900), byte(ts.Month()), byte(ts.Day()), byte(dow)}                        //nolint:mnd // BACnet year offset
	clock := []byte{byte(ts.Hour()), byte(ts.Minute()), byte(ts.Second()), byte(ts.Nanosecond() / 10_000_000)} //nolint:mnd // hundredths

	var b []byte
	b = AppendValue(b, Opaque(TagDate, date))
	return AppendValue(b, Opaque(TagTime, clock))
}

// DecodeTimeSync parses TimeSynchronization parameters in the given location.
func DecodeTimeSync(payload []byte, loc *time.Location) (time.Time, error) {
	d := newDecoder(payload)
	dv, err := d.appValue()
	if err != nil {
		return time.Time{}, err
	}
	tv, err := d.appValue()
	if err != nil {
		return time.Time{}, err
	}
	dtag, date := dv.Raw()
	ttag, clock := tv.Raw()
	if dv.Kind() != KindOpaque || dtag != TagDate || len(date) != 4 || tv.Kind() != KindOpaque || ttag != TagTime || len(clock) != 4 {
		return time.Time{}, malformed("time synchronization needs a date and a time")
	}
	return time.Date(int(date[0])+1900, time.Month(date[1]), int(date[2]), //nolint:mnd // BACnet year offset
		int(clock[0]), int(clock[1]), int(clock[2]), int(clock[3])*10_000_000, loc), nil //nolint:mnd // hundredths
}

// ---------------------------------------------------------------------------
// ReinitializeDevice
// ---------------------------------------------------------------------------

// ReinitializeDeviceRequest asks a device to restart.
type ReinitializeDeviceRequest struct {
	State    ReinitState
	Password string
}

func (r ReinitializeDeviceRequest) ServiceChoice() ConfirmedService {
	return ServiceReinitializeDevice
}

func (r ReinitializeDeviceRequest) EncodePayload() []byte {
	var b []byte
	b = appendContextEnumerated(b, 0, uint32(r.State))
	if r.Password != "" {
		b = appendContextCharacterString(b, 1, r.Password)
	}
	return b
}

// DecodeReinitializeDeviceRequest parses ReinitializeDevice parameters.
func DecodeReinitializeDeviceRequest(payload []byte) (ReinitializeDeviceRequest, error) {
	var r ReinitializeDeviceRequest
	d := newDecoder(payload)
	state, err := d.contextUnsigned(0)
	if err != nil {
		return r, err
	}
	r.State = ReinitState(state)
	if !d.empty() {
		if r.Password, err = d.contextCharacterString(1); err != nil {
			return r, err
		}
	}
	return r, nil
}
