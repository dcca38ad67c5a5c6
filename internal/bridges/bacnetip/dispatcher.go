package bacnetip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// replyTimeout bounds sending one reply or answering one Who-Is.
const replyTimeout = 2 * time.Second

// ResponseHandler correlates responses with outstanding requests.
// It is satisfied by *multiplexer.Multiplexer.
type ResponseHandler interface {
	HandleAPDU(addr string, apdu *bacnet.APDU) bool
	HandleFailure(addr string, invokeID uint8, err error) bool
}

// AnnouncementHandler receives I-Am and I-Have announcements.
// It is satisfied by *device.Registry.
type AnnouncementHandler interface {
	HandleIAm(addr string, iam bacnet.IAm)
	HandleIHave(addr string, ih bacnet.IHave)
}

// NotificationHandler receives COV notifications.
// It is satisfied by *scheduler.Scheduler.
type NotificationHandler interface {
	HandleCOVNotification(n bacnet.COVNotification) int
}

// LocalDevice serves requests addressed to this process.
// It is satisfied by *localdevice.Server.
type LocalDevice interface {
	Instance() uint32
	HandleWhoIs(ctx context.Context, w bacnet.WhoIs) bool
	HandleWhoHas(ctx context.Context, w bacnet.WhoHas) bool
	HandleConfirmed(ctx context.Context, req *bacnet.APDU) bacnet.APDU
}

// DispatcherOptions wires the dispatcher. Every handler is optional;
// traffic for a missing handler is counted as ignored.
type DispatcherOptions struct {
	// Sender carries replies to confirmed requests. Required for replies.
	Sender Connector

	Responses     ResponseHandler
	Announcements AnnouncementHandler
	Notifications NotificationHandler
	Local         LocalDevice

	// OnTimeSync is called with the time carried by a received
	// (UTC-)TimeSynchronization.
	OnTimeSync func(addr string, t time.Time)

	Logger Logger
}

// DispatcherStats counts routed traffic.
type DispatcherStats struct {
	Frames           uint64 `json:"frames"`
	Malformed        uint64 `json:"malformed"`
	Ignored          uint64 `json:"ignored"`
	Responses        uint64 `json:"responses"`
	Unmatched        uint64 `json:"unmatched"`
	Announcements    uint64 `json:"announcements"`
	COVNotifications uint64 `json:"cov_notifications"`
	Requests         uint64 `json:"requests"`
	Replies          uint64 `json:"replies"`
}

// Dispatcher decodes received datagrams and routes each PDU to the
// component that owns it: responses to the multiplexer, I-Am and I-Have
// to the device registry, COV notifications to the scheduler and requests to the
// local device.
//
// Thread Safety: HandleFrame is safe to call from the transport's worker
// pool concurrently.
type Dispatcher struct {
	sender        Connector
	responses     ResponseHandler
	announcements AnnouncementHandler
	notifications NotificationHandler
	local         LocalDevice
	onTimeSync    func(addr string, t time.Time)

	logger   Logger
	loggerMu sync.RWMutex

	frames           atomic.Uint64
	malformed        atomic.Uint64
	ignored          atomic.Uint64
	responsesTotal   atomic.Uint64
	unmatched        atomic.Uint64
	announced        atomic.Uint64
	covNotifications atomic.Uint64
	requests         atomic.Uint64
	replies          atomic.Uint64
}

// NewDispatcher creates a dispatcher. Register it with
// Connector.SetOnReceive(d.HandleFrame).
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		sender:        opts.Sender,
		responses:     opts.Responses,
		announcements: opts.Announcements,
		notifications: opts.Notifications,
		local:         opts.Local,
		onTimeSync:    opts.OnTimeSync,
		logger:        opts.Logger,
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Stats returns routing counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Frames:           d.frames.Load(),
		Malformed:        d.malformed.Load(),
		Ignored:          d.ignored.Load(),
		Responses:        d.responsesTotal.Load(),
		Unmatched:        d.unmatched.Load(),
		Announcements:    d.announced.Load(),
		COVNotifications: d.covNotifications.Load(),
		Requests:         d.requests.Load(),
		Replies:          d.replies.Load(),
	}
}

// HandleFrame routes one received datagram.
//
// Parameters:
//   - addr: Source "ip:port" as seen by the socket
//   - data: Raw datagram
func (d *Dispatcher) HandleFrame(addr string, data []byte) {
	d.frames.Add(1)

	f, err := bacnet.DecodeFrame(data)
	switch {
	case errors.Is(err, bacnet.ErrNetworkMessage), errors.Is(err, bacnet.ErrUnsupported):
		d.ignored.Add(1)
		d.log().Debug("non-application frame ignored", "from", addr, "error", err)
		return
	case err != nil:
		d.malformed.Add(1)
		d.log().Debug("malformed frame dropped", "from", addr, "error", err)
		return
	}

	// Replies to a BBMD-relayed message go to the original sender.
	src := addr
	if f.ForwardedFrom.IsValid() {
		src = f.ForwardedFrom.String()
	}

	apdu, err := bacnet.DecodeAPDU(f.APDU)
	if err != nil {
		d.handleUndecodable(src, f, apdu, err)
		return
	}

	switch {
	case apdu.IsResponse():
		d.handleResponse(src, apdu)
	case apdu.Type == bacnet.PDUUnconfirmedRequest:
		d.handleUnconfirmed(src, apdu)
	case apdu.Type == bacnet.PDUConfirmedRequest:
		d.handleConfirmed(src, f, apdu)
	default:
		d.ignored.Add(1)
	}
}

// handleUndecodable resolves what can still be resolved from a PDU whose
// header decoded but whose content could not be used.
func (d *Dispatcher) handleUndecodable(src string, f bacnet.Frame, apdu *bacnet.APDU, err error) {
	d.malformed.Add(1)
	if apdu == nil || !errors.Is(err, bacnet.ErrSegmentationNotSupported) {
		d.log().Debug("malformed APDU dropped", "from", src, "error", err)
		return
	}

	switch apdu.Type {
	case bacnet.PDUComplexAck:
		if d.responses != nil && d.responses.HandleFailure(src, apdu.InvokeID, err) {
			d.responsesTotal.Add(1)
			return
		}
		d.unmatched.Add(1)
	case bacnet.PDUConfirmedRequest:
		d.requests.Add(1)
		d.reply(src, f, bacnet.AbortAPDU(apdu.InvokeID, bacnet.AbortSegmentationNotSupported))
	default:
		d.log().Debug("segmented PDU dropped", "from", src, "type", apdu.Type.String())
	}
}

func (d *Dispatcher) handleResponse(src string, apdu *bacnet.APDU) {
	if d.responses == nil {
		d.ignored.Add(1)
		return
	}
	if d.responses.HandleAPDU(src, apdu) {
		d.responsesTotal.Add(1)
		return
	}
	d.unmatched.Add(1)
}

func (d *Dispatcher) handleUnconfirmed(src string, apdu *bacnet.APDU) {
	switch bacnet.UnconfirmedService(apdu.Service) {
	case bacnet.ServiceIAm:
		iam, err := bacnet.DecodeIAm(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			d.log().Debug("malformed I-Am dropped", "from", src, "error", err)
			return
		}
		// Our own announcement echoed back by the broadcast.
		if d.local != nil && iam.Device.Instance == d.local.Instance() {
			d.ignored.Add(1)
			return
		}
		if d.announcements == nil {
			d.ignored.Add(1)
			return
		}
		d.announced.Add(1)
		d.announcements.HandleIAm(src, iam)

	case bacnet.ServiceWhoIs:
		w, err := bacnet.DecodeWhoIs(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			return
		}
		if d.local == nil {
			d.ignored.Add(1)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		d.local.HandleWhoIs(ctx, w)

	case bacnet.ServiceIHave:
		ih, err := bacnet.DecodeIHave(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			d.log().Debug("malformed I-Have dropped", "from", src, "error", err)
			return
		}
		if (d.local != nil && ih.Device.Instance == d.local.Instance()) || d.announcements == nil {
			d.ignored.Add(1)
			return
		}
		d.announced.Add(1)
		d.announcements.HandleIHave(src, ih)

	case bacnet.ServiceWhoHas:
		w, err := bacnet.DecodeWhoHas(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			return
		}
		if d.local == nil {
			d.ignored.Add(1)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		d.local.HandleWhoHas(ctx, w)

	case bacnet.ServiceUnconfirmedCOVNotification:
		n, err := bacnet.DecodeCOVNotification(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			d.log().Debug("malformed COV notification dropped", "from", src, "error", err)
			return
		}
		d.notify(n)

	case bacnet.ServiceTimeSynchronization, bacnet.ServiceUTCTimeSynchronization:
		loc := time.Local
		if bacnet.UnconfirmedService(apdu.Service) == bacnet.ServiceUTCTimeSynchronization {
			loc = time.UTC
		}
		ts, err := bacnet.DecodeTimeSync(apdu.Payload, loc)
		if err != nil {
			d.malformed.Add(1)
			return
		}
		d.log().Info("time synchronization received", "from", src, "time", ts)
		if d.onTimeSync != nil {
			d.onTimeSync(src, ts)
		}

	default:
		d.ignored.Add(1)
	}
}

func (d *Dispatcher) handleConfirmed(src string, f bacnet.Frame, apdu *bacnet.APDU) {
	d.requests.Add(1)

	if bacnet.ConfirmedService(apdu.Service) == bacnet.ServiceConfirmedCOVNotification {
		n, err := bacnet.DecodeCOVNotification(apdu.Payload)
		if err != nil {
			d.malformed.Add(1)
			d.reply(src, f, bacnet.RejectAPDU(apdu.InvokeID, bacnet.RejectInvalidTag))
			return
		}
		d.notify(n)
		d.reply(src, f, bacnet.SimpleAckAPDU(apdu.InvokeID, bacnet.ServiceConfirmedCOVNotification))
		return
	}

	if d.local == nil {
		d.reply(src, f, bacnet.RejectAPDU(apdu.InvokeID, bacnet.RejectUnrecognizedService))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	d.reply(src, f, d.local.HandleConfirmed(ctx, apdu))
}

func (d *Dispatcher) notify(n bacnet.COVNotification) {
	if d.notifications == nil {
		d.ignored.Add(1)
		return
	}
	d.covNotifications.Add(1)
	d.notifications.HandleCOVNotification(n)
}

// reply sends an APDU back to the requester, routed back through the
// router the request came from.
func (d *Dispatcher) reply(dst string, req bacnet.Frame, apdu bacnet.APDU) {
	if d.sender == nil {
		return
	}
	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Destination: req.Source,
		APDU:        bacnet.EncodeAPDU(apdu),
	})
	if err != nil {
		d.log().Error("failed to encode reply", "to", dst, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := d.sender.SendUnicast(ctx, dst, frame); err != nil {
		d.log().Warn("failed to send reply", "to", dst, "error", err)
		return
	}
	d.replies.Add(1)
}

func (d *Dispatcher) log() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	if d.logger == nil {
		return noopLogger{}
	}
	return d.logger
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
