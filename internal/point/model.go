package point

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
)

// Defaults applied by NewModel for zero Config fields.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultCOVLifetime  = 300 * time.Second
	DefaultStaleFactor  = 3.0
	DefaultMinStale     = 10 * time.Second

	// sampleTimeout bounds one sampler call so persistence never stalls a poll.
	sampleTimeout = 2 * time.Second

	// maxPriority is the lowest BACnet command priority.
	maxPriority = 16
)

// Logger defines the logging interface used by the Model.
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

// Requester submits confirmed requests. It is satisfied by *multiplexer.Multiplexer.
type Requester interface {
	Submit(ctx context.Context, dev multiplexer.Target, req bacnet.ConfirmedRequest) (*bacnet.APDU, error)
}

// Resolver maps a device instance to its current address. It is satisfied
// by *device.Registry.
type Resolver interface {
	Target(ctx context.Context, instance uint32) (multiplexer.Target, error)
}

// Sampler persists point samples. Implementations must be safe for
// concurrent use. Errors are logged by the Model and never returned to
// the caller that produced the change.
type Sampler interface {
	AppendSample(ctx context.Context, s Sample) error
}

// LocalWriter applies a write to a locally served object. The server feeds
// the resulting present value back through ApplyLocal. It is satisfied by
// *localdevice.Server.
type LocalWriter interface {
	WriteLocal(ctx context.Context, object bacnet.ObjectID, property bacnet.PropertyID, value bacnet.Value, priority uint8) error
}

// ComputeFunc produces the value of a virtual point. It is called on every
// refresh, from Read and from scheduled polls, with the point's slot held.
type ComputeFunc func(ctx context.Context) (bacnet.Value, error)

// ChangeListener is called after a point's cache changed. It runs outside
// the Model's lock and must not block for long.
type ChangeListener func(Change)

// Config holds the cache policy.
type Config struct {
	// PollInterval is used for points declared without one.
	PollInterval time.Duration

	// COVLifetime is used for subscribed points declared without one.
	COVLifetime time.Duration

	// StaleFactor multiplies a point's poll interval to get the age after
	// which Read goes back to the network.
	StaleFactor float64

	// MinStale is the lower bound of the staleness threshold.
	MinStale time.Duration
}

// ConfigFrom extracts the point model settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PollInterval: cfg.PollInterval(),
		COVLifetime:  cfg.COVLifetime(),
		StaleFactor:  cfg.Polling.StaleFactor,
	}
}

// entry is the Model's internal record of one point.
type entry struct {
	point Point

	// slot admits one network read or write at a time.
	slot chan struct{}

	// compute replaces the network read of virtual points.
	compute ComputeFunc

	// issued is the last sequence number handed out; applied is the newest
	// sequence whose result reached the cache.
	issued  uint64
	applied uint64
}

// Model is the point cache.
//
// Thread Safety: all methods are safe for concurrent use. Get and List
// return copies.
type Model struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	cfg       Config
	requester Requester
	resolver  Resolver
	local     LocalWriter
	logger    Logger
	now       func() time.Time

	listenMu  sync.RWMutex
	listeners []ChangeListener
	samplers  []Sampler
}

// NewModel creates an empty point model.
//
// Parameters:
//   - requester: Issues ReadProperty and WriteProperty (normally the multiplexer)
//   - resolver: Looks up device addresses (normally the device registry)
//   - cfg: Cache policy; zero fields take the package defaults
//
// Returns:
//   - *Model: Ready to use
func NewModel(requester Requester, resolver Resolver, cfg Config) *Model {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.COVLifetime <= 0 {
		cfg.COVLifetime = DefaultCOVLifetime
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = DefaultStaleFactor
	}
	if cfg.MinStale <= 0 {
		cfg.MinStale = DefaultMinStale
	}
	return &Model{
		entries:   make(map[Key]*entry),
		cfg:       cfg,
		requester: requester,
		resolver:  resolver,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the model.
func (m *Model) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetLocalWriter routes writes to local points through w.
func (m *Model) SetLocalWriter(w LocalWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = w
}

// OnChange registers a listener for cache changes.
func (m *Model) OnChange(fn ChangeListener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AddSampler registers a persistence sink for points declared with History.
func (m *Model) AddSampler(s Sampler) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.samplers = append(m.samplers, s)
}

// Config returns the effective cache policy.
func (m *Model) Config() Config {
	return m.cfg
}

// Declare adds a point to the model.
//
// Returns:
//   - *Point: Snapshot of the new point (never read yet)
//   - error: ErrInvalidKey, ErrInvalidMode or ErrPointExists
func (m *Model) Declare(spec Spec) (*Point, error) {
	return m.declare(spec, nil)
}

// DeclareVirtual adds a point whose value comes from compute rather than
// from a device. Reads, polls, listeners and samplers treat it like any
// other point; it cannot be written, simulated or subscribed.
//
// Parameters:
//   - spec: As for Declare; Mode may be polled or manual and Local must be false
//   - compute: Produces the current value; an error marks the point Unreliable
//
// Returns:
//   - *Point: Snapshot of the new point (never computed yet)
//   - error: ErrInvalidVirtual, or any error of Declare
func (m *Model) DeclareVirtual(spec Spec, compute ComputeFunc) (*Point, error) {
	switch {
	case compute == nil:
		return nil, fmt.Errorf("%w: %s has no compute function", ErrInvalidVirtual, spec.Key)
	case spec.Local:
		return nil, fmt.Errorf("%w: %s cannot be local", ErrInvalidVirtual, spec.Key)
	case spec.Mode == ModeSubscribed:
		return nil, fmt.Errorf("%w: %s cannot be subscribed", ErrInvalidVirtual, spec.Key)
	}
	return m.declare(spec, compute)
}

func (m *Model) declare(spec Spec, compute ComputeFunc) (*Point, error) {
	if err := validateKey(spec.Key); err != nil {
		return nil, err
	}
	mode := spec.Mode
	if mode == "" {
		mode = ModePolled
	}
	if !slices.Contains(AllModes(), mode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, spec.Mode)
	}
	interval := spec.PollInterval
	if interval <= 0 {
		interval = m.cfg.PollInterval
	}
	lifetime := spec.COVLifetime
	if lifetime <= 0 {
		lifetime = m.cfg.COVLifetime
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[spec.Key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPointExists, spec.Key)
	}
	e := &entry{
		point: Point{
			Key:          spec.Key,
			Value:        bacnet.Null(),
			Units:        spec.Units,
			Reliability:  Reliable,
			Mode:         mode,
			PollInterval: interval,
			COVLifetime:  lifetime,
			History:      spec.History,
			Local:        spec.Local,
			Virtual:      compute != nil,
		},
		slot:    make(chan struct{}, 1),
		compute: compute,
	}
	m.entries[spec.Key] = e
	return e.point.DeepCopy(), nil
}

// Remove deletes a point. Results of requests still in flight for it are
// discarded.
func (m *Model) Remove(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}
	delete(m.entries, key)
	return nil
}

// RemoveDevice deletes every point of a device and returns how many were
// removed. It is registered as a device eviction listener.
func (m *Model) RemoveDevice(instance uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.entries {
		if key.Device == instance {
			delete(m.entries, key)
			n++
		}
	}
	return n
}

// Get returns a snapshot of one point without touching the network.
func (m *Model) Get(key Key) (*Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}
	return e.point.DeepCopy(), nil
}

// List returns snapshots of the points matching filter, ordered by key.
func (m *Model) List(filter Filter) []*Point {
	m.mu.RLock()
	out := make([]*Point, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.matches(&e.point) {
			out = append(out, e.point.DeepCopy())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Point) int { return a.Key.Compare(b.Key) })
	return out
}

// Count returns the number of declared points.
func (m *Model) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// SetMode changes how a point is kept current. The scheduler uses it to
// fall back from subscribed to polled.
func (m *Model) SetMode(key Key, mode Mode) error {
	if !slices.Contains(AllModes(), mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}
	if e.compute != nil && mode == ModeSubscribed {
		return fmt.Errorf("%w: %s cannot be subscribed", ErrInvalidVirtual, key)
	}
	e.point.Mode = mode
	return nil
}

// StaleAfter returns the cache age after which Read refreshes p.
// Subscribed points only change on COV, so their threshold is at least the
// subscription lifetime.
func (m *Model) StaleAfter(p *Point) time.Duration {
	threshold := max(time.Duration(m.cfg.StaleFactor*float64(p.PollInterval)), m.cfg.MinStale)
	if p.Mode == ModeSubscribed {
		threshold = max(threshold, p.COVLifetime)
	}
	return threshold
}

// fresh reports whether Read may answer from the cache.
func (m *Model) fresh(p *Point, now time.Time) bool {
	switch {
	case p.Local:
		return true
	case p.Mode == ModeManual, !p.Read():
		return false
	}
	return now.Sub(p.UpdatedAt) < m.StaleAfter(p)
}

// Read returns the current value of a point.
//
// Fresh cache hits return immediately. Manual points, points never read and
// points older than StaleAfter are read from the device. A failed read marks
// the point Unreliable and keeps its last good value.
//
// Parameters:
//   - ctx: Bounds the wait for the point's slot and the network read
//   - key: The point to read
//
// Returns:
//   - *Point: Snapshot after the read
//   - error: ErrPointNotFound, or the multiplexer error of a failed read
func (m *Model) Read(ctx context.Context, key Key) (*Point, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	if ok && m.fresh(&e.point, m.now()) {
		p := e.point.DeepCopy()
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}

	if err := acquire(ctx, e.slot); err != nil {
		return nil, err
	}
	defer release(e.slot)

	// Another reader may have refreshed the point while this one waited.
	m.mu.RLock()
	if m.fresh(&e.point, m.now()) {
		p := e.point.DeepCopy()
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	seq := m.NextSequence(key)
	value, err := m.Fetch(ctx, key)
	if err != nil {
		m.MarkFailed(key, seq, err)
		return nil, err
	}
	m.apply(key, seq, value, m.now(), SourceRead)
	return m.Get(key)
}

// Fetch reads a property from its device without touching the cache.
// Virtual points are computed instead.
func (m *Model) Fetch(ctx context.Context, key Key) (bacnet.Value, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && e.compute != nil {
		v, err := e.compute(ctx)
		if err != nil {
			return bacnet.Value{}, fmt.Errorf("computing %s: %w", key, err)
		}
		return v, nil
	}

	if m.requester == nil || m.resolver == nil {
		return bacnet.Value{}, ErrNoRequester
	}
	target, err := m.resolver.Target(ctx, key.Device)
	if err != nil {
		return bacnet.Value{}, err
	}
	resp, err := m.requester.Submit(ctx, target, bacnet.ReadPropertyRequest{
		Object:   key.Object,
		Property: key.Property,
	})
	if err != nil {
		return bacnet.Value{}, err
	}
	ack, err := bacnet.DecodeReadPropertyAck(resp.Payload)
	if err != nil {
		return bacnet.Value{}, fmt.Errorf("decoding ReadProperty ack for %s: %w", key, err)
	}
	return ack.Value, nil
}

// Write commands a point.
//
// The write always goes to the device; the cache changes only after the
// device acknowledged it. Writing Null relinquishes the priority slot and
// the cache is refreshed by reading the property back. Local points are
// written through the LocalWriter.
//
// Parameters:
//   - ctx: Bounds the whole write, including the read-back
//   - key: The point to write
//   - value: New value; Null relinquishes
//   - priority: 1 (highest) to 16, or 0 for no priority
//
// Returns:
//   - *Point: Snapshot after the write
//   - error: ErrPointNotFound, ErrInvalidPriority, ErrReadOnly or the request error
func (m *Model) Write(ctx context.Context, key Key, value bacnet.Value, priority uint8) (*Point, error) {
	if priority > maxPriority {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}
	local, virtual, lw := e.point.Local, e.point.Virtual, m.local
	m.mu.Unlock()

	if virtual {
		return nil, fmt.Errorf("%w: %s is virtual", ErrReadOnly, key)
	}
	if local {
		if lw == nil {
			return nil, fmt.Errorf("%w: %s", ErrReadOnly, key)
		}
		if err := lw.WriteLocal(ctx, key.Object, key.Property, value, priority); err != nil {
			return nil, err
		}
		return m.Get(key)
	}

	if err := acquire(ctx, e.slot); err != nil {
		return nil, err
	}
	defer release(e.slot)

	if m.requester == nil || m.resolver == nil {
		return nil, ErrNoRequester
	}
	target, err := m.resolver.Target(ctx, key.Device)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e.point.PendingWrite = &PendingWrite{Value: value, Priority: priority, Since: m.now()}
	m.mu.Unlock()
	seq := m.NextSequence(key)

	_, err = m.requester.Submit(ctx, target, bacnet.WritePropertyRequest{
		Object:   key.Object,
		Property: key.Property,
		Value:    value,
		Priority: priority,
	})

	m.mu.Lock()
	e.point.PendingWrite = nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("write failed", "point", key.String(), "priority", priority, "error", err)
		return nil, err
	}

	if value.IsNull() {
		// The effective value is whatever priority is now in control.
		seq = m.NextSequence(key)
		current, err := m.Fetch(ctx, key)
		if err != nil {
			m.MarkFailed(key, seq, err)
			return nil, fmt.Errorf("reading back %s after relinquish: %w", key, err)
		}
		value = current
	}
	m.apply(key, seq, value, m.now(), SourceWrite)
	return m.Get(key)
}

// Simulate takes a remote object out of service and forces its value,
// leaving the physical input disconnected from presentValue until Release.
func (m *Model) Simulate(ctx context.Context, key Key, value bacnet.Value) (*Point, error) {
	if _, err := m.Get(key); err != nil {
		return nil, err
	}
	if err := m.writeOutOfService(ctx, key, true); err != nil {
		return nil, err
	}
	m.setSimulated(key, true)
	return m.Write(ctx, key, value, 0)
}

// Release puts a simulated object back in service and refreshes its value.
func (m *Model) Release(ctx context.Context, key Key) (*Point, error) {
	if _, err := m.Get(key); err != nil {
		return nil, err
	}
	if err := m.writeOutOfService(ctx, key, false); err != nil {
		return nil, err
	}
	m.setSimulated(key, false)

	unlock, err := m.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	seq := m.NextSequence(key)
	value, err := m.Fetch(ctx, key)
	if err != nil {
		m.MarkFailed(key, seq, err)
		return nil, err
	}
	m.apply(key, seq, value, m.now(), SourceRead)
	return m.Get(key)
}

func (m *Model) writeOutOfService(ctx context.Context, key Key, on bool) error {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && e.compute != nil {
		return fmt.Errorf("%w: %s is virtual", ErrReadOnly, key)
	}
	if m.requester == nil || m.resolver == nil {
		return ErrNoRequester
	}
	target, err := m.resolver.Target(ctx, key.Device)
	if err != nil {
		return err
	}
	_, err = m.requester.Submit(ctx, target, bacnet.WritePropertyRequest{
		Object:   key.Object,
		Property: bacnet.PropOutOfService,
		Value:    bacnet.Boolean(on),
	})
	if err != nil {
		return fmt.Errorf("setting outOfService=%t on %s: %w", on, key, err)
	}
	return nil
}

func (m *Model) setSimulated(key Key, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.point.Simulated = on
	}
}

// Acquire takes the point's network slot, waiting while another read or
// write holds it. The scheduler uses it so polls never overlap script
// calls on the same point.
//
// Returns:
//   - func(): Releases the slot; call exactly once
//   - error: ErrPointNotFound, or ErrCancelled wrapping ctx.Err()
func (m *Model) Acquire(ctx context.Context, key Key) (func(), error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, key)
	}
	if err := acquire(ctx, e.slot); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { release(e.slot) }) }, nil
}

// NextSequence reserves a sequence number for a request about to be
// submitted for key. Results are applied in sequence order: a result whose
// sequence is older than one already applied is dropped.
func (m *Model) NextSequence(key Key) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	e.issued++
	return e.issued
}

// ApplyPollResult stores the result of a scheduled read.
//
// Returns false if the point is gone or a newer result was already applied.
func (m *Model) ApplyPollResult(key Key, seq uint64, value bacnet.Value, ts time.Time) bool {
	return m.apply(key, seq, value, ts, SourcePoll)
}

// MarkFailed records a failed read. The point keeps its last good value
// and becomes Unreliable.
func (m *Model) MarkFailed(key Key, seq uint64, cause error) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || seq == 0 || seq < e.applied {
		m.mu.Unlock()
		return false
	}
	e.applied = seq
	wasReliable := e.point.Reliability == Reliable
	e.point.Reliability = Unreliable
	if cause != nil {
		e.point.LastError = cause.Error()
	}
	change := Change{Point: *e.point.DeepCopy(), Previous: e.point.Value, Source: SourceFault}
	m.mu.Unlock()

	if wasReliable {
		m.logger.Warn("point unreliable", "point", key.String(), "error", cause)
		m.publish(change)
	}
	return true
}

// OnCOVNotification applies a change-of-value notification. Notifications
// older than the cached value are dropped, so the cache is last-writer-wins
// by time rather than by arrival order.
//
// Returns true if the cache was updated.
func (m *Model) OnCOVNotification(key Key, value bacnet.Value, ts time.Time) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if ts.Before(e.point.UpdatedAt) {
		m.mu.Unlock()
		m.logger.Debug("dropping out-of-order COV notification",
			"point", key.String(), "at", ts, "cached_at", e.point.UpdatedAt)
		return false
	}
	change := m.storeLocked(e, value, ts, SourceCOV)
	m.mu.Unlock()

	m.publish(change)
	return true
}

// ApplyLocal stores a value produced by the local device server.
func (m *Model) ApplyLocal(key Key, value bacnet.Value, ts time.Time) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	change := m.storeLocked(e, value, ts, SourceLocal)
	m.mu.Unlock()

	m.publish(change)
	return true
}

// apply stores a network result if seq is not older than the last applied one.
func (m *Model) apply(key Key, seq uint64, value bacnet.Value, ts time.Time, src Source) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || seq == 0 || seq < e.applied {
		m.mu.Unlock()
		if ok {
			m.logger.Debug("dropping superseded result", "point", key.String(), "seq", seq)
		}
		return false
	}
	e.applied = seq
	change := m.storeLocked(e, value, ts, src)
	m.mu.Unlock()

	m.publish(change)
	return true
}

// storeLocked updates the cached value. m.mu must be held.
func (m *Model) storeLocked(e *entry, value bacnet.Value, ts time.Time, src Source) Change {
	prev := e.point.Value
	e.point.Value = value
	e.point.UpdatedAt = ts
	e.point.Reliability = Reliable
	e.point.LastError = ""
	return Change{Point: *e.point.DeepCopy(), Previous: prev, Source: src}
}

// publish fans a change out to listeners and samplers.
func (m *Model) publish(c Change) {
	m.listenMu.RLock()
	listeners := slices.Clone(m.listeners)
	var samplers []Sampler
	if c.Point.History {
		samplers = slices.Clone(m.samplers)
	}
	m.listenMu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
	if len(samplers) == 0 {
		return
	}

	ts := c.Point.UpdatedAt
	if c.Source == SourceFault {
		ts = m.now()
	}
	sample := Sample{
		Key:       c.Point.Key,
		Value:     c.Point.Value,
		Reliable:  c.Point.Reliability == Reliable,
		Timestamp: ts,
	}
	for _, s := range samplers {
		ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
		if err := s.AppendSample(ctx, sample); err != nil {
			m.logger.Warn("failed to persist sample", "point", c.Point.Key.String(), "error", err)
		}
		cancel()
	}
}

func validateKey(k Key) error {
	if k.Device >= bacnet.MaxInstance {
		return fmt.Errorf("%w: device instance %d", ErrInvalidKey, k.Device)
	}
	if k.Object.Instance >= bacnet.MaxInstance {
		return fmt.Errorf("%w: object instance %d", ErrInvalidKey, k.Object.Instance)
	}
	return nil
}

func acquire(ctx context.Context, slot chan struct{}) error {
	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", multiplexer.ErrCancelled, ctx.Err())
	}
}

func release(slot chan struct{}) {
	<-slot
}
