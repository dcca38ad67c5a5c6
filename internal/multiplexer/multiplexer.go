package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout          = 3 * time.Second
	DefaultRetries          = 3
	DefaultBackoffBase      = 250 * time.Millisecond
	DefaultCeiling          = 2
	DefaultUnreachableAfter = 1

	// invokeIDSpace is the number of distinct 8-bit invoke-ids.
	invokeIDSpace = 256
)

// Logger defines the logging interface used by the Multiplexer.
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

// Sender transmits an encoded BACnet/IP datagram to one peer.
// It is satisfied by the UDP transport in internal/bridges/bacnetip.
type Sender interface {
	SendUnicast(ctx context.Context, addr string, frame []byte) error
}

// ReachabilityListener is notified when a device changes between online and
// unreachable. It is called outside the multiplexer's lock.
type ReachabilityListener func(instance uint32, online bool)

// Config holds the retry discipline.
type Config struct {
	// Timeout is the per-attempt deadline.
	Timeout time.Duration

	// Retries is the total number of attempts per request.
	Retries int

	// BackoffBase is the wait before the second attempt; it doubles for
	// each further attempt.
	BackoffBase time.Duration

	// Ceiling is the maximum number of outstanding requests per device.
	Ceiling int

	// UnreachableAfter is the number of consecutive exhausted requests after
	// which a device is reported unreachable.
	UnreachableAfter int
}

// ConfigFrom extracts the multiplexer settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Timeout:          cfg.RequestTimeout(),
		Retries:          cfg.Requests.Retries,
		BackoffBase:      cfg.BackoffBase(),
		Ceiling:          cfg.Requests.Ceiling,
		UnreachableAfter: cfg.Requests.UnreachableAfter,
	}
}

// Target identifies the device a request is addressed to.
type Target struct {
	Instance uint32
	// Address is the device's BACnet/IP address, "ip:port".
	Address string
}

// Stats is a snapshot of multiplexer counters.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Timeouts    uint64 `json:"timeouts"`
	Retries     uint64 `json:"retries"`
	Dropped     uint64 `json:"dropped"`
	Cancelled   uint64 `json:"cancelled"`
	Outstanding int    `json:"outstanding"`
	Queued      int    `json:"queued"`
}

type reachability int8

const (
	reachUnknown reachability = iota
	reachOnline
	reachUnreachable
)

// response is what the receive path hands to a waiting request.
type response struct {
	apdu *bacnet.APDU
	err  error
}

// result is what Submit returns to its caller.
type result struct {
	apdu *bacnet.APDU
	err  error
}

// request is one submitted confirmed request, alive until resolved.
type request struct {
	target    Target
	service   bacnet.ConfirmedService
	payload   []byte
	submitted time.Time

	// Guarded by Multiplexer.mu.
	invokeID uint8
	started  bool
	answered bool

	attempts atomic.Int32

	resp      chan response
	done      chan result
	abort     chan struct{}
	abortOnce sync.Once
	abortErr  error
}

func (r *request) cancel(err error) {
	r.abortOnce.Do(func() {
		r.abortErr = err
		close(r.abort)
	})
}

// deviceState is the per-device arena: invoke-id table, FIFO and counters.
type deviceState struct {
	address  string
	nextID   uint8
	pending  map[uint8]*request
	queue    []*request
	failures int
	reach    reachability
	forget   bool
}

// Multiplexer correlates confirmed requests with responses per device.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Multiplexer struct {
	sender Sender
	cfg    Config
	logger Logger

	mu        sync.Mutex
	devices   map[uint32]*deviceState
	byAddr    map[string]uint32
	listeners []ReachabilityListener
	closed    bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timeouts  atomic.Uint64
	retries   atomic.Uint64
	dropped   atomic.Uint64
	cancelled atomic.Uint64

	wg sync.WaitGroup
}

// New creates a Multiplexer sending through sender. Zero fields of cfg take
// the package defaults; a ceiling above 4 is clamped to 4.
func New(sender Sender, cfg Config) *Multiplexer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	} else if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	cfg.Ceiling = min(cfg.Ceiling, 4) //nolint:mnd // protocol-friendly upper bound
	if cfg.UnreachableAfter <= 0 {
		cfg.UnreachableAfter = DefaultUnreachableAfter
	}

	return &Multiplexer{
		sender:  sender,
		cfg:     cfg,
		logger:  noopLogger{},
		devices: make(map[uint32]*deviceState),
		byAddr:  make(map[string]uint32),
	}
}

// SetLogger sets the logger for the multiplexer.
func (m *Multiplexer) SetLogger(logger Logger) {
	m.logger = logger
}

// Config returns the effective configuration.
func (m *Multiplexer) Config() Config {
	return m.cfg
}

// OnReachability registers a listener for reachability transitions.
func (m *Multiplexer) OnReachability(fn ReachabilityListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Submit sends a confirmed request to dev and waits for its outcome.
//
// Parameters:
//   - ctx: Cancelling it abandons the request (see package docs)
//   - dev: Destination device
//   - req: The confirmed service request
//
// Returns:
//   - *bacnet.APDU: The SimpleAck or ComplexAck on success
//   - error: ErrDeviceUnreachable (wrapping ErrTimeout), ErrProtocol,
//     ErrCancelled or ErrClosed
func (m *Multiplexer) Submit(ctx context.Context, dev Target, req bacnet.ConfirmedRequest) (*bacnet.APDU, error) {
	if dev.Address == "" {
		return nil, fmt.Errorf("%w: device %d has no address", ErrInvalidTarget, dev.Instance)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrProtocol)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	r := &request{
		target:    dev,
		service:   req.ServiceChoice(),
		payload:   req.EncodePayload(),
		submitted: time.Now(),
		resp:      make(chan response, 1),
		done:      make(chan result, 1),
		abort:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	ds := m.deviceLocked(dev)
	ds.queue = append(ds.queue, r)
	m.startQueuedLocked(ds)
	m.mu.Unlock()
	m.submitted.Add(1)

	select {
	case res := <-r.done:
		return res.apdu, res.err
	case <-ctx.Done():
		return m.abandon(r, ctx.Err())
	}
}

// abandon handles caller cancellation of r.
func (m *Multiplexer) abandon(r *request, cause error) (*bacnet.APDU, error) {
	err := fmt.Errorf("%w: %w", ErrCancelled, cause)

	m.mu.Lock()
	ds := m.devices[r.target.Instance]
	if ds != nil {
		if i := slices.Index(ds.queue, r); i >= 0 {
			ds.queue = slices.Delete(ds.queue, i, i+1)
			m.mu.Unlock()
			m.cancelled.Add(1)
			return nil, err
		}
	}
	started := r.started
	m.mu.Unlock()

	// Already resolved while we were being cancelled.
	select {
	case res := <-r.done:
		return res.apdu, res.err
	default:
	}

	if started {
		r.cancel(err)
	}
	return nil, err
}

// deviceLocked returns the state of dev, creating it on first use and
// tracking address changes.
func (m *Multiplexer) deviceLocked(dev Target) *deviceState {
	ds, ok := m.devices[dev.Instance]
	if !ok {
		ds = &deviceState{pending: make(map[uint8]*request)}
		m.devices[dev.Instance] = ds
	}
	if ds.address != dev.Address {
		if ds.address != "" && m.byAddr[ds.address] == dev.Instance {
			delete(m.byAddr, ds.address)
		}
		ds.address = dev.Address
	}
	m.byAddr[dev.Address] = dev.Instance
	ds.forget = false
	return ds
}

// startQueuedLocked moves queued requests into flight while under the ceiling.
func (m *Multiplexer) startQueuedLocked(ds *deviceState) {
	for len(ds.queue) > 0 && len(ds.pending) < m.cfg.Ceiling {
		r := ds.queue[0]
		ds.queue = ds.queue[1:]
		r.invokeID = allocateInvokeID(ds)
		r.started = true
		ds.pending[r.invokeID] = r

		m.wg.Add(1)
		go m.run(r)
	}
}

// allocateInvokeID returns the next id not currently outstanding. The
// ceiling keeps the pending table far below 256 entries.
func allocateInvokeID(ds *deviceState) uint8 {
	id := ds.nextID
	for range invokeIDSpace {
		if _, busy := ds.pending[id]; !busy {
			break
		}
		id++
	}
	ds.nextID = id + 1
	return id
}

func (m *Multiplexer) run(r *request) {
	defer m.wg.Done()
	apdu, err := m.exchange(r)
	m.finish(r, apdu, err)
}

// exchange performs the attempts of one request. The invoke-id is kept
// across attempts so a late answer to an earlier attempt still resolves it.
func (m *Multiplexer) exchange(r *request) (*bacnet.APDU, error) {
	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		ExpectingReply: true,
		APDU: bacnet.EncodeAPDU(bacnet.APDU{
			Type:     bacnet.PDUConfirmedRequest,
			InvokeID: r.invokeID,
			Service:  uint8(r.service),
			MaxAPDU:  bacnet.MaxAPDU1476,
			Payload:  r.payload,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrProtocol, err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 1 {
			m.retries.Add(1)
			if res, done := m.backoff(r, attempt); done {
				return res.apdu, res.err
			}
		}
		r.attempts.Store(int32(attempt)) //nolint:gosec // bounded by Retries

		res, done, err := m.attempt(r, frame)
		if done {
			return res.apdu, res.err
		}
		lastErr = err
		m.logger.Debug("request attempt failed",
			"device", r.target.Instance,
			"invoke_id", r.invokeID,
			"service", r.service,
			"attempt", attempt,
			"error", err,
		)
	}

	return nil, fmt.Errorf("%w: device %d after %d attempts: %w",
		ErrDeviceUnreachable, r.target.Instance, m.cfg.Retries, lastErr)
}

// attempt sends frame once and waits for the outcome. done reports that
// the request is resolved; otherwise err says why the attempt failed.
func (m *Multiplexer) attempt(r *request, frame []byte) (res result, done bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	if err := m.sender.SendUnicast(ctx, r.target.Address, frame); err != nil {
		select {
		case <-r.abort:
			return result{err: r.abortErr}, true, nil
		default:
		}
		return result{}, false, fmt.Errorf("sending: %w", err)
	}

	select {
	case resp := <-r.resp:
		return resolve(resp), true, nil
	case <-r.abort:
		return result{err: r.abortErr}, true, nil
	case <-ctx.Done():
		m.timeouts.Add(1)
		return result{}, false, ErrTimeout
	}
}

// backoff waits before attempt, returning early if the request resolves.
func (m *Multiplexer) backoff(r *request, attempt int) (result, bool) {
	delay := m.cfg.BackoffBase << (attempt - 2) //nolint:gosec // attempt >= 2
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return result{}, false
	case resp := <-r.resp:
		return resolve(resp), true
	case <-r.abort:
		return result{err: r.abortErr}, true
	}
}

func resolve(resp response) result {
	if resp.err != nil {
		return result{err: fmt.Errorf("%w: %w", ErrProtocol, resp.err)}
	}
	if perr := resp.apdu.Err(); perr != nil {
		return result{err: fmt.Errorf("%w: %w", ErrProtocol, perr)}
	}
	return result{apdu: resp.apdu}
}

// finish releases r's slot and updates reachability. Listeners run before
// the result is delivered to the caller.
func (m *Multiplexer) finish(r *request, apdu *bacnet.APDU, err error) {
	var (
		notify    []ReachabilityListener
		online    bool
		changed   bool
		instance  = r.target.Instance
		exhausted = errors.Is(err, ErrDeviceUnreachable)
		cancelled = errors.Is(err, ErrCancelled)
	)

	switch {
	case err == nil:
		m.completed.Add(1)
	case cancelled:
		m.cancelled.Add(1)
	default:
		m.failed.Add(1)
	}

	m.mu.Lock()
	ds := m.devices[instance]
	if ds != nil {
		if ds.pending[r.invokeID] == r {
			delete(ds.pending, r.invokeID)
		}
		switch {
		case cancelled:
		case exhausted:
			ds.failures++
			if ds.failures >= m.cfg.UnreachableAfter && ds.reach != reachUnreachable {
				ds.reach = reachUnreachable
				changed = true
			}
		default:
			ds.failures = 0
			if ds.reach != reachOnline {
				ds.reach = reachOnline
				changed, online = true, true
			}
		}
		m.startQueuedLocked(ds)
		if ds.forget && len(ds.pending) == 0 && len(ds.queue) == 0 {
			delete(m.devices, instance)
			if m.byAddr[ds.address] == instance {
				delete(m.byAddr, ds.address)
			}
		}
	}
	if changed {
		notify = slices.Clone(m.listeners)
	}
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Info("device online", "device", instance)
		} else {
			m.logger.Warn("device unreachable", "device", instance, "error", err)
		}
		for _, fn := range notify {
			fn(instance, online)
		}
	}

	r.done <- result{apdu: apdu, err: err}
}

// HandleAPDU delivers a SimpleAck, ComplexAck, Error, Reject or Abort
// PDU received from addr to the request it answers.
//
// Returns:
//   - bool: false if the PDU matched no outstanding request and was dropped
func (m *Multiplexer) HandleAPDU(addr string, apdu *bacnet.APDU) bool {
	if apdu == nil || !apdu.IsResponse() {
		return false
	}
	return m.deliver(addr, apdu.InvokeID, response{apdu: apdu}, func(r *request) bool {
		switch apdu.Type {
		case bacnet.PDUReject, bacnet.PDUAbort:
			return true
		}
		return apdu.Service == uint8(r.service)
	})
}

// HandleFailure resolves the request answered by an undecodable response,
// for example a segmented ComplexAck.
func (m *Multiplexer) HandleFailure(addr string, invokeID uint8, err error) bool {
	return m.deliver(addr, invokeID, response{err: err}, nil)
}

func (m *Multiplexer) deliver(addr string, invokeID uint8, resp response, match func(*request) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, ok := m.byAddr[addr]
	var r *request
	if ok {
		if ds := m.devices[instance]; ds != nil {
			r = ds.pending[invokeID]
		}
	}

	switch {
	case r == nil:
		m.dropped.Add(1)
		m.logger.Debug("unmatched response dropped", "addr", addr, "invoke_id", invokeID)
		return false
	case r.answered:
		m.dropped.Add(1)
		m.logger.Debug("duplicate response dropped", "device", instance, "invoke_id", invokeID)
		return false
	case match != nil && !match(r):
		m.dropped.Add(1)
		m.logger.Debug("response for wrong service dropped", "device", instance, "invoke_id", invokeID)
		return false
	}

	r.answered = true
	r.resp <- resp
	return true
}

// CancelDevice resolves every queued and in-flight request of a device with
// ErrCancelled and forgets the device once they have drained.
//
// Returns:
//   - int: Number of requests cancelled
func (m *Multiplexer) CancelDevice(instance uint32) int {
	m.mu.Lock()
	ds, ok := m.devices[instance]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	queued := ds.queue
	ds.queue = nil
	inflight := make([]*request, 0, len(ds.pending))
	for _, r := range ds.pending {
		inflight = append(inflight, r)
	}
	ds.forget = true
	if len(ds.pending) == 0 {
		delete(m.devices, instance)
		if m.byAddr[ds.address] == instance {
			delete(m.byAddr, ds.address)
		}
	}
	m.mu.Unlock()

	err := fmt.Errorf("%w: device %d evicted", ErrCancelled, instance)
	for _, r := range queued {
		m.cancelled.Add(1)
		r.done <- result{err: err}
	}
	for _, r := range inflight {
		r.cancel(err)
	}

	if n := len(queued) + len(inflight); n > 0 {
		m.logger.Info("device requests cancelled", "device", instance, "count", n)
		return n
	}
	return 0
}

// Outstanding returns the number of in-flight requests for a device.
func (m *Multiplexer) Outstanding(instance uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.devices[instance]; ok {
		return len(ds.pending)
	}
	return 0
}

// Stats returns a snapshot of the counters.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	var outstanding, queued int
	for _, ds := range m.devices {
		outstanding += len(ds.pending)
		queued += len(ds.queue)
	}
	m.mu.Unlock()

	return Stats{
		Submitted:   m.submitted.Load(),
		Completed:   m.completed.Load(),
		Failed:      m.failed.Load(),
		Timeouts:    m.timeouts.Load(),
		Retries:     m.retries.Load(),
		Dropped:     m.dropped.Load(),
		Cancelled:   m.cancelled.Load(),
		Outstanding: outstanding,
		Queued:      queued,
	}
}

// Close cancels every request and rejects further submissions. It waits
// for in-flight exchanges to unwind.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	instances := make([]uint32, 0, len(m.devices))
	for inst := range m.devices {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		m.CancelDevice(inst)
	}
	m.wg.Wait()
}
