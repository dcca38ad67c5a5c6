package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

const (
	// DefaultRenewFraction is the share of a lease's lifetime after which
	// it is renewed.
	DefaultRenewFraction = 0.8

	// DefaultProcessIDBase is the first subscriber process identifier.
	DefaultProcessIDBase uint32 = 1

	// idleWait bounds the loop's sleep when nothing is queued.
	idleWait = time.Minute

	// cancelTimeout bounds the best-effort subscription cancellation sent
	// on Unsubscribe and Remove.
	cancelTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the Scheduler.
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

// Points is the part of the point model the scheduler drives.
// It is satisfied by *point.Model.
type Points interface {
	Get(key point.Key) (*point.Point, error)
	Acquire(ctx context.Context, key point.Key) (func(), error)
	NextSequence(key point.Key) uint64
	Fetch(ctx context.Context, key point.Key) (bacnet.Value, error)
	ApplyPollResult(key point.Key, seq uint64, value bacnet.Value, ts time.Time) bool
	MarkFailed(key point.Key, seq uint64, cause error) bool
	OnCOVNotification(key point.Key, value bacnet.Value, ts time.Time) bool
	SetMode(key point.Key, mode point.Mode) error
}

// Requester submits confirmed requests. It is satisfied by *multiplexer.Multiplexer.
type Requester interface {
	Submit(ctx context.Context, dev multiplexer.Target, req bacnet.ConfirmedRequest) (*bacnet.APDU, error)
}

// Resolver maps a device instance to its address. It is satisfied by
// *device.Registry.
type Resolver interface {
	Target(ctx context.Context, instance uint32) (multiplexer.Target, error)
}

// Config holds the subscription policy.
type Config struct {
	// RenewFraction is the share of the lifetime after which a lease is
	// renewed, strictly between 0 and 1.
	RenewFraction float64

	// ProcessIDBase is the first subscriber process identifier handed out.
	ProcessIDBase uint32
}

// ConfigFrom extracts the scheduler settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{RenewFraction: cfg.Polling.RenewFraction}
}

// State is where a point is in its poll or subscription cycle.
type State string

// Scheduler states.
const (
	StateIdle                State = "idle"
	StateScheduled           State = "scheduled"
	StateInFlight            State = "in_flight"
	StateSubscriptionPending State = "subscription_pending"
	StateSubscribed          State = "subscribed"
)

// Lease is an active COV subscription.
type Lease struct {
	Key              point.Key     `json:"key"`
	ProcessID        uint32        `json:"process_id"`
	Lifetime         time.Duration `json:"lifetime"`
	Deadline         time.Time     `json:"deadline"`
	RenewAt          time.Time     `json:"renew_at"`
	LastNotification time.Time     `json:"last_notification,omitzero"`
}

// Status is a snapshot of one scheduled point.
type Status struct {
	Key         point.Key  `json:"key"`
	State       State      `json:"state"`
	Mode        point.Mode `json:"mode"`
	Due         time.Time  `json:"due,omitzero"`
	Polls       uint64     `json:"polls"`
	Failures    uint64     `json:"failures"`
	Consecutive int        `json:"consecutive_failures"`
	LastError   string     `json:"last_error,omitempty"`
	Lease       *Lease     `json:"lease,omitempty"`
}

// Stats summarises the schedule.
type Stats struct {
	Points     int    `json:"points"`
	InFlight   int    `json:"in_flight"`
	Subscribed int    `json:"subscribed"`
	Polls      uint64 `json:"polls"`
	Failures   uint64 `json:"failures"`
	Expired    uint64 `json:"expired_leases"`
}

type task uint8

const (
	taskPoll task = iota
	taskSubscribe
)

// entry is the scheduler's record of one point.
type entry struct {
	key       point.Key
	mode      point.Mode
	state     State
	interval  time.Duration
	lifetime  time.Duration
	processID uint32
	lease     *Lease

	due   time.Time
	index int // position in the queue, -1 while in flight

	// gen changes whenever the entry's mode changes so results of requests
	// issued under the old mode are discarded.
	gen uint64

	polls       uint64
	failures    uint64
	consecutive int
	lastErr     string
}

func (e *entry) status() Status {
	st := Status{
		Key:         e.key,
		State:       e.state,
		Mode:        e.mode,
		Polls:       e.polls,
		Failures:    e.failures,
		Consecutive: e.consecutive,
		LastError:   e.lastErr,
	}
	if e.index >= 0 {
		st.Due = e.due
	}
	if e.lease != nil {
		l := *e.lease
		st.Lease = &l
	}
	return st
}

// dispatch is a snapshot of an entry handed to a task goroutine.
type dispatch struct {
	entry     *entry
	key       point.Key
	gen       uint64
	task      task
	lifetime  time.Duration
	processID uint32
}

// Scheduler keeps polled and subscribed points current.
//
// One loop goroutine (Run) owns the due-time queue and fires due points
// without waiting for them; each request runs in its own goroutine and the
// multiplexer bounds how many reach a device at once.
//
// Thread Safety: all methods are safe for concurrent use.
type Scheduler struct {
	points    Points
	requester Requester
	resolver  Resolver
	cfg       Config
	logger    Logger
	now       func() time.Time

	mu        sync.Mutex
	entries   map[point.Key]*entry
	queue     dueQueue
	byProcess map[uint32]*entry
	nextPID   uint32
	expired   uint64

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. Call Run to start it.
//
// Parameters:
//   - points: The point model (reads, writes results, switches modes)
//   - requester: Issues SubscribeCOV (normally the multiplexer)
//   - resolver: Looks up device addresses (normally the device registry)
//   - cfg: Subscription policy; zero fields take the package defaults
func New(points Points, requester Requester, resolver Resolver, cfg Config) *Scheduler {
	if cfg.RenewFraction <= 0 || cfg.RenewFraction >= 1 {
		cfg.RenewFraction = DefaultRenewFraction
	}
	if cfg.ProcessIDBase == 0 {
		cfg.ProcessIDBase = DefaultProcessIDBase
	}
	return &Scheduler{
		points:    points,
		requester: requester,
		resolver:  resolver,
		cfg:       cfg,
		logger:    noopLogger{},
		now:       time.Now,
		entries:   make(map[point.Key]*entry),
		byProcess: make(map[uint32]*entry),
		nextPID:   cfg.ProcessIDBase,
		wake:      make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Add schedules a declared point according to its mode. Polled points are
// read at once and then every poll interval; subscribed points subscribe
// at once.
//
// Returns:
//   - error: point.ErrPointNotFound, ErrManualPoint, ErrLocalPoint or
//     ErrAlreadyScheduled
func (s *Scheduler) Add(key point.Key) error {
	return s.add(key, 0)
}

func (s *Scheduler) add(key point.Key, lifetime time.Duration) error {
	p, err := s.points.Get(key)
	if err != nil {
		return err
	}
	switch {
	case p.Local:
		return fmt.Errorf("%w: %s", ErrLocalPoint, key)
	case p.Mode == point.ModeManual:
		return fmt.Errorf("%w: %s", ErrManualPoint, key)
	}

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, key)
	}
	e := &entry{
		key:      key,
		mode:     p.Mode,
		interval: p.PollInterval,
		lifetime: p.COVLifetime,
		index:    -1,
	}
	if lifetime > 0 {
		e.lifetime = lifetime
	}
	if e.mode == point.ModeSubscribed {
		e.processID = s.allocPIDLocked()
	}
	s.entries[key] = e
	s.requeueLocked(e, s.now())
	s.mu.Unlock()

	s.signal()
	s.logger.Debug("point scheduled", "point", key.String(), "mode", p.Mode, "interval", p.PollInterval)
	return nil
}

// Remove takes a point off the schedule. A request already in flight is
// allowed to finish and its result is discarded. An active subscription is
// cancelled on the device in the background.
func (s *Scheduler) Remove(key point.Key) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotScheduled, key)
	}
	lease := s.dropLocked(e)
	s.mu.Unlock()

	if lease != nil {
		s.cancelSubscription(*lease)
	}
	s.signal()
	return nil
}

// RemoveDevice drops every entry and lease of a device without contacting
// it. It is registered as a device eviction listener.
//
// Returns:
//   - int: Number of points removed from the schedule
func (s *Scheduler) RemoveDevice(instance uint32) int {
	s.mu.Lock()
	n := 0
	for key, e := range s.entries {
		if key.Device == instance {
			s.dropLocked(e)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("device removed from schedule", "device", instance, "points", n)
		s.signal()
	}
	return n
}

// dropLocked removes e from every index and returns its lease, if any.
func (s *Scheduler) dropLocked(e *entry) *Lease {
	delete(s.entries, e.key)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	e.gen++
	lease := e.lease
	if lease != nil {
		delete(s.byProcess, lease.ProcessID)
		e.lease = nil
	}
	return lease
}

// Subscribe switches a point to COV. A point not yet scheduled is added.
// A zero lifetime keeps the point's configured lifetime.
func (s *Scheduler) Subscribe(key point.Key, lifetime time.Duration) error {
	p, err := s.points.Get(key)
	if err != nil {
		return err
	}
	if p.Local {
		return fmt.Errorf("%w: %s", ErrLocalPoint, key)
	}
	if err := s.points.SetMode(key, point.ModeSubscribed); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return s.add(key, lifetime)
	}
	if lifetime > 0 {
		e.lifetime = lifetime
	}
	if e.mode != point.ModeSubscribed {
		e.mode = point.ModeSubscribed
		e.processID = s.allocPIDLocked()
		e.gen++
		if e.index >= 0 {
			s.requeueLocked(e, s.now())
		}
	}
	s.mu.Unlock()

	s.signal()
	return nil
}

// Unsubscribe returns a subscribed point to polling and cancels its
// subscription on the device in the background.
func (s *Scheduler) Unsubscribe(key point.Key) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotScheduled, key)
	}
	if e.mode != point.ModeSubscribed {
		s.mu.Unlock()
		return nil
	}
	lease := s.revertLocked(e)
	if e.index >= 0 {
		s.requeueLocked(e, s.now().Add(e.interval))
	}
	s.mu.Unlock()

	if err := s.points.SetMode(key, point.ModePolled); err != nil {
		s.logger.Debug("point mode not updated", "point", key.String(), "error", err)
	}
	if lease != nil {
		s.cancelSubscription(*lease)
	}
	s.signal()
	return nil
}

// revertLocked turns e into a polled entry and returns its former lease.
func (s *Scheduler) revertLocked(e *entry) *Lease {
	lease := e.lease
	if lease != nil {
		delete(s.byProcess, lease.ProcessID)
	}
	e.lease = nil
	e.mode = point.ModePolled
	e.gen++
	return lease
}

func (s *Scheduler) allocPIDLocked() uint32 {
	for {
		pid := s.nextPID
		s.nextPID++
		if s.nextPID == 0 {
			s.nextPID = s.cfg.ProcessIDBase
		}
		if _, busy := s.byProcess[pid]; !busy {
			return pid
		}
	}
}

// requeueLocked puts e back in the queue at due, setting its state from
// its mode.
func (s *Scheduler) requeueLocked(e *entry, due time.Time) {
	switch {
	case e.mode == point.ModeSubscribed && e.lease == nil:
		e.state = StateSubscriptionPending
	case e.mode == point.ModeSubscribed:
		e.state = StateSubscribed
	default:
		e.state = StateScheduled
	}
	e.due = due
	if e.index >= 0 {
		heap.Fix(&s.queue, e.index)
	} else {
		heap.Push(&s.queue, e)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the schedule until ctx is cancelled, then waits for in-flight
// tasks to unwind. It must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	s.logger.Info("scheduler started", "points", s.Stats().Points)
	for {
		wait := s.dispatchDue(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatchDue expires overdue leases, fires every due entry and returns how
// long the loop may sleep.
func (s *Scheduler) dispatchDue(ctx context.Context) time.Duration {
	now := s.now()

	s.mu.Lock()
	expired := s.expireLeasesLocked(now)

	var batch []dispatch
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry) //nolint:forcetypeassert // queue holds *entry
		d := dispatch{entry: e, key: e.key, gen: e.gen, lifetime: e.lifetime, processID: e.processID}
		if e.mode == point.ModeSubscribed {
			d.task = taskSubscribe
		} else {
			d.task = taskPoll
			e.state = StateInFlight
		}
		batch = append(batch, d)
	}

	wait := idleWait
	if len(s.queue) > 0 {
		wait = s.queue[0].due.Sub(now)
	}
	for _, e := range s.byProcess {
		wait = min(wait, e.lease.Deadline.Sub(now))
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.logger.Warn("subscription lease expired, falling back to polling",
			"point", key.String(), "error", ErrStaleSubscription)
		if err := s.points.SetMode(key, point.ModePolled); err != nil {
			s.logger.Debug("point mode not updated", "point", key.String(), "error", err)
		}
	}

	for _, d := range batch {
		s.wg.Add(1)
		go s.execute(ctx, d)
	}
	return max(wait, 0)
}

// expireLeasesLocked reverts every entry whose lease deadline has passed
// and schedules an immediate poll.
func (s *Scheduler) expireLeasesLocked(now time.Time) []point.Key {
	var expired []point.Key
	for _, e := range s.byProcess {
		if now.Before(e.lease.Deadline) {
			continue
		}
		s.revertLocked(e)
		s.expired++
		e.failures++
		e.lastErr = ErrStaleSubscription.Error()
		if e.index >= 0 {
			s.requeueLocked(e, now)
		}
		expired = append(expired, e.key)
	}
	return expired
}

func (s *Scheduler) execute(ctx context.Context, d dispatch) {
	defer s.wg.Done()
	switch d.task {
	case taskPoll:
		s.poll(ctx, d)
	case taskSubscribe:
		s.subscribe(ctx, d)
	}
}

// poll reads one point and stores the result.
func (s *Scheduler) poll(ctx context.Context, d dispatch) {
	release, err := s.points.Acquire(ctx, d.key)
	if err != nil {
		if ctx.Err() == nil {
			s.finish(d, err)
		}
		return
	}
	seq := s.points.NextSequence(d.key)
	value, err := s.points.Fetch(ctx, d.key)
	ts := s.now()
	release()

	if ctx.Err() != nil {
		return
	}
	if !s.finish(d, err) {
		return
	}
	if err != nil {
		s.points.MarkFailed(d.key, seq, err)
		s.logger.Debug("poll failed", "point", d.key.String(), "error", err)
		return
	}
	s.points.ApplyPollResult(d.key, seq, value, ts)
}

// finish records a poll outcome and requeues the entry one interval later.
// It reports whether the result still belongs to the entry.
func (s *Scheduler) finish(d dispatch, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[d.key]
	if !ok || e != d.entry {
		return false
	}
	if errors.Is(err, point.ErrPointNotFound) {
		s.dropLocked(e)
		return false
	}
	if e.gen != d.gen {
		s.requeueLocked(e, s.now())
		return false
	}

	e.polls++
	if err != nil {
		e.failures++
		e.consecutive++
		e.lastErr = err.Error()
	} else {
		e.consecutive = 0
		e.lastErr = ""
	}
	s.requeueLocked(e, s.now().Add(e.interval))
	return true
}

// subscribe creates or renews the lease of a subscribed point. Failure
// reverts the point to polling at its normal interval.
func (s *Scheduler) subscribe(ctx context.Context, d dispatch) {
	target, err := s.resolver.Target(ctx, d.key.Device)
	if err == nil {
		_, err = s.requester.Submit(ctx, target, bacnet.SubscribeCOVRequest{
			ProcessID: d.processID,
			Object:    d.key.Object,
			Lifetime:  wireLifetime(d.lifetime),
		})
	}
	if ctx.Err() != nil {
		return
	}
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[d.key]
	switch {
	case !ok || e != d.entry:
		s.mu.Unlock()
		return
	case e.gen != d.gen:
		s.requeueLocked(e, now)
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.revertLocked(e)
		e.failures++
		e.consecutive++
		e.lastErr = err.Error()
		s.requeueLocked(e, now.Add(e.interval))
		s.mu.Unlock()

		s.logger.Warn("subscription failed, falling back to polling",
			"point", d.key.String(), "error", fmt.Errorf("%w: %w", ErrStaleSubscription, err))
		if err := s.points.SetMode(d.key, point.ModePolled); err != nil {
			s.logger.Debug("point mode not updated", "point", d.key.String(), "error", err)
		}
		return
	}

	created := e.lease == nil
	if created {
		e.lease = &Lease{Key: e.key, ProcessID: d.processID}
		s.byProcess[d.processID] = e
	}
	e.lease.Lifetime = d.lifetime
	e.lease.Deadline = now.Add(d.lifetime)
	e.lease.RenewAt = now.Add(time.Duration(s.cfg.RenewFraction * float64(d.lifetime)))
	e.consecutive = 0
	e.lastErr = ""
	s.requeueLocked(e, e.lease.RenewAt)
	s.mu.Unlock()

	if created {
		s.logger.Info("subscribed to COV", "point", d.key.String(), "process_id", d.processID, "lifetime", d.lifetime)
	} else {
		s.logger.Debug("subscription renewed", "point", d.key.String(), "process_id", d.processID)
	}
}

// cancelSubscription tells the device to drop a lease. Failures are logged.
func (s *Scheduler) cancelSubscription(lease Lease) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()

		target, err := s.resolver.Target(ctx, lease.Key.Device)
		if err == nil {
			_, err = s.requester.Submit(ctx, target, bacnet.SubscribeCOVRequest{
				ProcessID: lease.ProcessID,
				Object:    lease.Key.Object,
				Cancel:    true,
			})
		}
		if err != nil {
			s.logger.Debug("subscription cancellation failed", "point", lease.Key.String(), "error", err)
		}
	}()
}

// HandleCOVNotification applies a notification to the points of the
// notified object. Notifications for unknown process identifiers are
// dropped.
//
// Returns:
//   - int: Number of point values updated
func (s *Scheduler) HandleCOVNotification(n bacnet.COVNotification) int {
	now := s.now()

	s.mu.Lock()
	e, ok := s.byProcess[n.ProcessID]
	if !ok || e.key.Device != n.Device.Instance || e.key.Object != n.Object {
		s.mu.Unlock()
		s.logger.Debug("COV notification for unknown subscription dropped",
			"process_id", n.ProcessID, "device", n.Device.Instance, "object", n.Object.String())
		return 0
	}
	e.lease.LastNotification = now
	s.mu.Unlock()

	applied := 0
	for _, pv := range n.Values {
		key := point.NewKey(n.Device.Instance, n.Object, pv.Property)
		if s.points.OnCOVNotification(key, pv.Value, now) {
			applied++
		}
	}
	return applied
}

// ExpectValue waits after, reads the point from its device and compares
// the result with want.
//
// Returns:
//   - error: ErrMismatch if the value differs, or the read failure
func (s *Scheduler) ExpectValue(ctx context.Context, key point.Key, want bacnet.Value, after time.Duration) error {
	if after > 0 {
		timer := time.NewTimer(after)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", multiplexer.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	got, err := s.points.Fetch(ctx, key)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrMismatch, key, got, want)
	}
	return nil
}

// Status returns the schedule state of one point.
func (s *Scheduler) Status(key point.Key) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Status{Key: key, State: StateIdle}, fmt.Errorf("%w: %s", ErrNotScheduled, key)
	}
	return e.status(), nil
}

// List returns the schedule state of every point, ordered by key.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return a.Key.Compare(b.Key) })
	return out
}

// Leases returns the active subscriptions, ordered by key.
func (s *Scheduler) Leases() []Lease {
	s.mu.Lock()
	out := make([]Lease, 0, len(s.byProcess))
	for _, e := range s.byProcess {
		out = append(out, *e.lease)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Lease) int { return a.Key.Compare(b.Key) })
	return out
}

// Stats returns schedule counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Points: len(s.entries), Subscribed: len(s.byProcess), Expired: s.expired}
	for _, e := range s.entries {
		if e.index < 0 {
			st.InFlight++
		}
		st.Polls += e.polls
		st.Failures += e.failures
	}
	return st
}

// wireLifetime converts a lease lifetime to whole seconds, rounding up so
// the device never drops the subscription before the local deadline.
func wireLifetime(d time.Duration) uint32 {
	secs := (d + time.Second - 1) / time.Second
	return uint32(max(secs, 1)) //nolint:gosec // lifetimes are validated to minutes or hours
}
