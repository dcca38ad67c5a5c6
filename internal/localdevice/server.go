package localdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/auth"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

const (
	// protocolVersion and protocolRevision are what the device object reports.
	protocolVersion  = 1
	protocolRevision = 14

	maxAPDULength = 1476
)

// Logger defines the logging interface used by the Server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Broadcaster sends I-Am announcements. It is satisfied by the UDP
// transport in internal/bridges/bacnetip.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, frame []byte) error
}

// PointSink receives present value changes of local objects. It is
// satisfied by *point.Model.
type PointSink interface {
	ApplyLocal(key point.Key, value bacnet.Value, ts time.Time) bool
}

// ReinitializeHandler is called after an accepted ReinitializeDevice.
type ReinitializeHandler func(state bacnet.ReinitState)

// Config describes the device object.
type Config struct {
	Instance    uint32
	Name        string
	VendorName  string
	VendorID    uint16
	ModelName   string
	Description string

	// ReinitPasswordHash is the Argon2id PHC hash ReinitializeDevice
	// passwords are checked against. Empty refuses every request.
	ReinitPasswordHash string
}

// ConfigFrom extracts the device settings and object declarations from the
// application config.
//
// Returns:
//   - Config: Device object settings
//   - []ObjectSpec: Declared objects in config order
//   - error: Wraps ErrInvalidObject for an unparsable declaration
func ConfigFrom(cfg *config.Config) (Config, []ObjectSpec, error) {
	ld := cfg.LocalDevice
	c := Config{
		Instance:           ld.Instance,
		Name:               ld.Name,
		VendorName:         ld.VendorName,
		VendorID:           ld.VendorID,
		ModelName:          ld.ModelName,
		Description:        ld.Description,
		ReinitPasswordHash: ld.ReinitPasswordHash,
	}

	specs := make([]ObjectSpec, 0, len(ld.Objects))
	for i, oc := range ld.Objects {
		id, err := bacnet.ParseObjectID(oc.Object)
		if err != nil {
			return c, nil, fmt.Errorf("%w: local_device.objects[%d]: %w", ErrInvalidObject, i, err)
		}
		units, err := bacnet.ParseUnits(oc.Units)
		if err != nil {
			return c, nil, fmt.Errorf("%w: local_device.objects[%d]: %w", ErrInvalidObject, i, err)
		}
		initial, err := bacnet.ValueForObject(id.Type, oc.Initial)
		if err != nil {
			return c, nil, fmt.Errorf("%w: local_device.objects[%d]: %w", ErrInvalidObject, i, err)
		}
		specs = append(specs, ObjectSpec{
			Object:      id,
			Name:        oc.Name,
			Description: oc.Description,
			Units:       units,
			Initial:     initial,
		})
	}
	return c, specs, nil
}

// Server is the local virtual BACnet device.
//
// It answers ReadProperty, WriteProperty, ReinitializeDevice, Who-Is and
// Who-Has for its device object and the declared objects. Present value
// changes are fed to the point model through the PointSink, whether they
// came from the network or from WriteLocal.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg    Config
	device bacnet.ObjectID

	// publishMu is taken before mu by every path that changes a present
	// value and held until the sink has the new value, so the point model
	// sees changes in the order they were applied here.
	publishMu sync.Mutex

	mu      sync.RWMutex
	objects map[bacnet.ObjectID]*object
	order   []bacnet.ObjectID

	hooksMu     sync.RWMutex
	broadcaster Broadcaster
	sink        PointSink
	onReinit    ReinitializeHandler
	logger      Logger
	now         func() time.Time
}

// NewServer creates a server with no objects besides the device object.
//
// Parameters:
//   - cfg: Device object settings; Instance must be below 4194303
//
// Returns:
//   - *Server: Ready to declare objects
//   - error: ErrInvalidObject for an out-of-range instance
func NewServer(cfg Config) (*Server, error) {
	if cfg.Instance >= bacnet.MaxInstance {
		return nil, fmt.Errorf("%w: device instance %d", ErrInvalidObject, cfg.Instance)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("device-%d", cfg.Instance)
	}
	return &Server{
		cfg:     cfg,
		device:  bacnet.NewObjectID(bacnet.ObjectDevice, cfg.Instance),
		objects: make(map[bacnet.ObjectID]*object),
		logger:  noopLogger{},
		now:     time.Now,
	}, nil
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.hooksMu.Lock()
	s.logger = logger
	s.hooksMu.Unlock()
}

// SetBroadcaster sets where I-Am announcements go.
func (s *Server) SetBroadcaster(b Broadcaster) {
	s.hooksMu.Lock()
	s.broadcaster = b
	s.hooksMu.Unlock()
}

// SetPointSink routes present value changes to sink.
func (s *Server) SetPointSink(sink PointSink) {
	s.hooksMu.Lock()
	s.sink = sink
	s.hooksMu.Unlock()
}

// OnReinitialize registers the handler for accepted ReinitializeDevice
// requests.
func (s *Server) OnReinitialize(fn ReinitializeHandler) {
	s.hooksMu.Lock()
	s.onReinit = fn
	s.hooksMu.Unlock()
}

func (s *Server) hooks() (Broadcaster, PointSink, ReinitializeHandler, Logger) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.broadcaster, s.sink, s.onReinit, s.logger
}

// Instance returns the device instance number.
func (s *Server) Instance() uint32 {
	return s.cfg.Instance
}

// Key returns the point key of a property of a local object.
func (s *Server) Key(obj bacnet.ObjectID, prop bacnet.PropertyID) point.Key {
	return point.NewKey(s.cfg.Instance, obj, prop)
}

// AddObject declares a local object and publishes its initial present value.
func (s *Server) AddObject(spec ObjectSpec) error {
	o, err := newObject(spec)
	if err != nil {
		return err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if _, ok := s.objects[spec.Object]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrObjectExists, spec.Object)
	}
	s.objects[spec.Object] = o
	s.order = append(s.order, spec.Object)
	pv, _ := o.presentValue()
	at := s.now()
	s.mu.Unlock()

	s.publish(spec.Object, pv, at)
	return nil
}

// Objects returns snapshots of the declared objects in declaration order.
func (s *Server) Objects() []ObjectState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ObjectState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.objects[id].state())
	}
	return out
}

// Object returns a snapshot of one object.
func (s *Server) Object(id bacnet.ObjectID) (ObjectState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return ObjectState{}, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	return o.state(), nil
}

// ReadLocal reads a property of the device object or a declared object.
func (s *Server) ReadLocal(obj bacnet.ObjectID, prop bacnet.PropertyID, index *uint32) (bacnet.Value, error) {
	if obj == s.device {
		if index != nil {
			return s.readDeviceIndexed(prop, *index)
		}
		return s.readDevice(prop)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[obj]
	if !ok {
		return bacnet.Value{}, fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	return o.read(prop, index)
}

// WriteLocal writes a property of a declared object. It implements
// point.LocalWriter: the point model routes writes of local points here.
//
// Parameters:
//   - ctx: Unused; present for the point.LocalWriter contract
//   - obj: The object
//   - prop: presentValue, outOfService, relinquishDefault or description
//   - value: New value; Null relinquishes a commandable present value
//   - priority: 1 (highest) to 16; 0 means 16
//
// Returns:
//   - error: ErrUnknownObject, ErrUnknownProperty, ErrWriteAccessDenied,
//     ErrInvalidDataType or ErrValueOutOfRange
func (s *Server) WriteLocal(_ context.Context, obj bacnet.ObjectID, prop bacnet.PropertyID, value bacnet.Value, priority uint8) error {
	if obj == s.device {
		return fmt.Errorf("%w: %s of %s", ErrWriteAccessDenied, prop, obj)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	o, ok := s.objects[obj]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	before, _ := o.presentValue()
	pvChanged, err := o.write(prop, value, priority)
	after, active := o.presentValue()
	at := s.now()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	_, _, _, logger := s.hooks()
	logger.Debug("local object written",
		"object", obj.String(), "property", prop.String(), "priority", priority, "active_priority", active)
	if pvChanged && !after.Equal(before) {
		s.publish(obj, after, at)
	}
	return nil
}

// publish hands a present value to the sink. s.publishMu must be held.
func (s *Server) publish(obj bacnet.ObjectID, pv bacnet.Value, at time.Time) {
	_, sink, _, _ := s.hooks()
	if sink != nil {
		sink.ApplyLocal(s.Key(obj, bacnet.PropPresentValue), pv, at)
	}
}

func (s *Server) readDevice(prop bacnet.PropertyID) (bacnet.Value, error) {
	switch prop {
	case bacnet.PropObjectIdentifier:
		return bacnet.ObjectIdentifier(s.device), nil
	case bacnet.PropObjectName:
		return bacnet.CharacterString(s.cfg.Name), nil
	case bacnet.PropObjectType:
		return bacnet.Enumerated(uint32(bacnet.ObjectDevice)), nil
	case bacnet.PropDescription:
		return bacnet.CharacterString(s.cfg.Description), nil
	case bacnet.PropVendorName:
		return bacnet.CharacterString(s.cfg.VendorName), nil
	case bacnet.PropVendorIdentifier:
		return bacnet.Unsigned(uint64(s.cfg.VendorID)), nil
	case bacnet.PropModelName:
		return bacnet.CharacterString(s.cfg.ModelName), nil
	case bacnet.PropProtocolVersion:
		return bacnet.Unsigned(protocolVersion), nil
	case bacnet.PropProtocolRevision:
		return bacnet.Unsigned(protocolRevision), nil
	case bacnet.PropSystemStatus:
		return bacnet.Enumerated(0), nil // operational
	case bacnet.PropMaxAPDULengthAccepted:
		return bacnet.Unsigned(maxAPDULength), nil
	case bacnet.PropSegmentationSupported:
		return bacnet.Enumerated(uint32(bacnet.NoSegmentation)), nil
	case bacnet.PropObjectList:
		list := s.objectList()
		items := make([]bacnet.Value, 0, len(list))
		for _, id := range list {
			items = append(items, bacnet.ObjectIdentifier(id))
		}
		return bacnet.List(items...), nil
	}
	return bacnet.Value{}, fmt.Errorf("%w: %s of %s", ErrUnknownProperty, prop, s.device)
}

func (s *Server) readDeviceIndexed(prop bacnet.PropertyID, index uint32) (bacnet.Value, error) {
	if prop != bacnet.PropObjectList {
		return bacnet.Value{}, fmt.Errorf("%w: %s is not an array", ErrInvalidArrayIndex, prop)
	}
	list := s.objectList()
	switch {
	case index == 0:
		return bacnet.Unsigned(uint64(len(list))), nil
	case int(index) <= len(list):
		return bacnet.ObjectIdentifier(list[index-1]), nil
	}
	return bacnet.Value{}, fmt.Errorf("%w: %d", ErrInvalidArrayIndex, index)
}

// objectList returns the device object followed by every declared object.
func (s *Server) objectList() []bacnet.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bacnet.ObjectID{s.device}, s.order...)
}

// IAm returns the device's I-Am.
func (s *Server) IAm() bacnet.IAm {
	return bacnet.IAm{
		Device:       s.device,
		MaxAPDU:      maxAPDULength,
		Segmentation: bacnet.NoSegmentation,
		VendorID:     s.cfg.VendorID,
	}
}

// Announce broadcasts an I-Am.
func (s *Server) Announce(ctx context.Context) error {
	b, _, _, _ := s.hooks()
	if b == nil {
		return errors.New("localdevice: no broadcaster")
	}
	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Broadcast: true,
		APDU:      bacnet.EncodeAPDU(bacnet.UnconfirmedAPDU(s.IAm())),
	})
	if err != nil {
		return fmt.Errorf("encoding I-Am: %w", err)
	}
	return b.SendBroadcast(ctx, frame)
}

// HandleWhoIs answers a Who-Is whose range covers this device with an I-Am
// broadcast.
//
// Returns:
//   - bool: true if the device answered
func (s *Server) HandleWhoIs(ctx context.Context, w bacnet.WhoIs) bool {
	if !w.Matches(s.cfg.Instance) {
		return false
	}
	if err := s.Announce(ctx); err != nil {
		_, _, _, logger := s.hooks()
		logger.Warn("failed to answer Who-Is", "error", err)
		return false
	}
	return true
}

// HandleWhoHas answers a Who-Has for the device object or a declared object
// with an I-Have broadcast, when the range covers this device. Objects are
// matched by identifier or by exact Object_Name.
//
// Returns:
//   - bool: true if the device answered
func (s *Server) HandleWhoHas(ctx context.Context, w bacnet.WhoHas) bool {
	if !w.Matches(s.cfg.Instance) {
		return false
	}
	id, name, ok := s.lookup(w)
	if !ok {
		return false
	}

	b, _, _, logger := s.hooks()
	if b == nil {
		return false
	}
	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Broadcast: true,
		APDU:      bacnet.EncodeAPDU(bacnet.UnconfirmedAPDU(bacnet.IHave{Device: s.device, Object: id, Name: name})),
	})
	if err == nil {
		err = b.SendBroadcast(ctx, frame)
	}
	if err != nil {
		logger.Warn("failed to answer Who-Has", "object", id.String(), "error", err)
		return false
	}
	return true
}

// lookup finds the object a Who-Has asks for.
func (s *Server) lookup(w bacnet.WhoHas) (bacnet.ObjectID, string, bool) {
	if (w.ByName && w.Name == s.cfg.Name) || (!w.ByName && w.Object == s.device) {
		return s.device, s.cfg.Name, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !w.ByName {
		o, ok := s.objects[w.Object]
		if !ok {
			return bacnet.ObjectID{}, "", false
		}
		return o.id, o.name, true
	}
	for _, id := range s.order {
		if o := s.objects[id]; o.name == w.Name {
			return o.id, o.name, true
		}
	}
	return bacnet.ObjectID{}, "", false
}

// HandleConfirmed serves a confirmed request and returns the reply APDU.
//
// Malformed requests get a Reject, unsupported services a Reject with
// unrecognized-service, and failed operations an Error PDU. A panic while
// serving is recovered and answered with an Abort.
//
// Parameters:
//   - ctx: Bounds password verification and handlers
//   - req: The decoded confirmed-request APDU
//
// Returns:
//   - bacnet.APDU: SimpleAck, ComplexAck, Error, Reject or Abort
func (s *Server) HandleConfirmed(ctx context.Context, req *bacnet.APDU) (reply bacnet.APDU) {
	defer func() {
		if r := recover(); r != nil {
			_, _, _, logger := s.hooks()
			logger.Error("panic serving request", "service", req.Service, "invoke_id", req.InvokeID, "panic", r)
			reply = bacnet.AbortAPDU(req.InvokeID, bacnet.AbortOther)
		}
	}()

	switch bacnet.ConfirmedService(req.Service) {
	case bacnet.ServiceReadProperty:
		return s.serveReadProperty(req)
	case bacnet.ServiceWriteProperty:
		return s.serveWriteProperty(ctx, req)
	case bacnet.ServiceReinitializeDevice:
		return s.serveReinitialize(req)
	}
	return bacnet.RejectAPDU(req.InvokeID, bacnet.RejectUnrecognizedService)
}

func (s *Server) serveReadProperty(req *bacnet.APDU) bacnet.APDU {
	rp, err := bacnet.DecodeReadPropertyRequest(req.Payload)
	if err != nil {
		return rejectFor(req.InvokeID, err)
	}
	v, err := s.ReadLocal(rp.Object, rp.Property, rp.Index)
	if err != nil {
		return s.errorReply(req, err)
	}
	ack := bacnet.ReadPropertyAck{Object: rp.Object, Property: rp.Property, Index: rp.Index, Value: v}
	return bacnet.ComplexAckAPDU(req.InvokeID, bacnet.ServiceReadProperty, ack.EncodePayload())
}

func (s *Server) serveWriteProperty(ctx context.Context, req *bacnet.APDU) bacnet.APDU {
	wp, err := bacnet.DecodeWritePropertyRequest(req.Payload)
	if err != nil {
		return rejectFor(req.InvokeID, err)
	}
	if wp.Index != nil {
		return s.errorReply(req, fmt.Errorf("%w: indexed writes are not supported", ErrWriteAccessDenied))
	}
	if err := s.WriteLocal(ctx, wp.Object, wp.Property, wp.Value, wp.Priority); err != nil {
		return s.errorReply(req, err)
	}
	return bacnet.SimpleAckAPDU(req.InvokeID, bacnet.ServiceWriteProperty)
}

func (s *Server) serveReinitialize(req *bacnet.APDU) bacnet.APDU {
	ri, err := bacnet.DecodeReinitializeDeviceRequest(req.Payload)
	if err != nil {
		return rejectFor(req.InvokeID, err)
	}
	_, _, onReinit, logger := s.hooks()

	if s.cfg.ReinitPasswordHash == "" {
		logger.Warn("reinitialize refused: no password configured", "state", ri.State)
		return s.errorReply(req, ErrPasswordFailure)
	}
	ok, err := auth.VerifyReinitPassword(ri.Password, s.cfg.ReinitPasswordHash)
	if err != nil || !ok {
		logger.Warn("reinitialize refused: password mismatch", "state", ri.State)
		return s.errorReply(req, ErrPasswordFailure)
	}

	logger.Info("reinitialize accepted", "state", ri.State)
	if onReinit != nil {
		onReinit(ri.State)
	}
	return bacnet.SimpleAckAPDU(req.InvokeID, bacnet.ServiceReinitializeDevice)
}

func (s *Server) errorReply(req *bacnet.APDU, err error) bacnet.APDU {
	class, code := errorClassCode(err)
	_, _, _, logger := s.hooks()
	logger.Debug("request refused", "service", req.Service, "error", err)
	return bacnet.ErrorAPDU(req.InvokeID, req.Service, class, code)
}

func rejectFor(invokeID uint8, err error) bacnet.APDU {
	if errors.Is(err, bacnet.ErrInvalidValue) {
		return bacnet.RejectAPDU(invokeID, bacnet.RejectParameterOutOfRange)
	}
	return bacnet.RejectAPDU(invokeID, bacnet.RejectInvalidTag)
}
