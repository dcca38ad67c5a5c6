package device

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
)

const (
	// DefaultDiscoveryWindow is how long I-Am responses are collected when
	// neither the scope nor the registry sets a window.
	DefaultDiscoveryWindow = 3 * time.Second

	// announcementBuffer bounds I-Am backlog per discovery run.
	announcementBuffer = 256

	// persistTimeout bounds repository writes made from the receive path.
	persistTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
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

// Transport sends Who-Is requests. It is satisfied by the UDP transport.
type Transport interface {
	SendUnicast(ctx context.Context, addr string, frame []byte) error
	SendBroadcast(ctx context.Context, frame []byte) error
}

// Requester submits confirmed requests. It is satisfied by *multiplexer.Multiplexer.
type Requester interface {
	Submit(ctx context.Context, dev multiplexer.Target, req bacnet.ConfirmedRequest) (*bacnet.APDU, error)
}

// EvictionListener is called after a device has been evicted.
type EvictionListener func(instance uint32)

// ReachabilityListener is called with a snapshot of a device whose
// reachability changed.
type ReachabilityListener func(d *Device)

// discoveryRun collects announcements for one Discover iteration.
type discoveryRun struct {
	whois bacnet.WhoIs
	found chan *Device
}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by discovery, eviction and reachability updates.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[uint32]*Device // Cached devices by instance
	cacheMu sync.RWMutex       // Protects cache and downSince
	logger  Logger
	now     func() time.Time

	// downSince records when each unreachable device was last heard from
	// or marked unreachable, whichever is later.
	downSince map[uint32]time.Time

	transport Transport
	requester Requester
	window    time.Duration

	runsMu   sync.Mutex
	runs     map[*discoveryRun]struct{}
	searches map[*objectSearch]struct{}

	listenersMu    sync.RWMutex
	evictListeners []EvictionListener
	reachListeners []ReachabilityListener
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:      repo,
		cache:     make(map[uint32]*Device),
		downSince: make(map[uint32]time.Time),
		logger:    noopLogger{},
		now:       time.Now,
		window:    DefaultDiscoveryWindow,
		runs:      make(map[*discoveryRun]struct{}),
		searches:  make(map[*objectSearch]struct{}),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetTransport sets the transport used for Who-Is.
func (r *Registry) SetTransport(t Transport) {
	r.transport = t
}

// SetRequester sets the requester used for object-list scans.
func (r *Registry) SetRequester(req Requester) {
	r.requester = req
}

// SetDiscoveryWindow sets the default I-Am collection window.
func (r *Registry) SetDiscoveryWindow(d time.Duration) {
	if d > 0 {
		r.window = d
	}
}

// OnEvict registers a listener called after every eviction.
func (r *Registry) OnEvict(fn EvictionListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.evictListeners = append(r.evictListeners, fn)
}

// OnReachability registers a listener called on reachability transitions.
func (r *Registry) OnReachability(fn ReachabilityListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.reachListeners = append(r.reachListeners, fn)
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies. Devices stored as
	// unreachable start their eviction window now.
	now := r.now().UTC()
	r.cache = make(map[uint32]*Device, len(devices))
	r.downSince = make(map[uint32]time.Time)
	for i := range devices {
		d := devices[i]
		r.cache[d.Instance] = d.DeepCopy()
		if d.Reachability == ReachabilityUnreachable {
			r.downSince[d.Instance] = now
		}
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by instance.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, instance uint32) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[instance]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might have been persisted by another process)
	d, err := r.repo.GetByInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[instance] = d.DeepCopy()
	r.cacheMu.Unlock()

	return d, nil
}

// Target returns the multiplexer target of a registered device.
func (r *Registry) Target(ctx context.Context, instance uint32) (multiplexer.Target, error) {
	d, err := r.Get(ctx, instance)
	if err != nil {
		return multiplexer.Target{}, err
	}
	return multiplexer.Target{Instance: d.Instance, Address: d.Address}, nil
}

// List retrieves all cached devices ordered by instance.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) List() []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int { return cmp.Compare(a.Instance, b.Instance) })
	return devices
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Discover returns a lazy sequence of the devices answering a Who-Is.
//
// Nothing is sent until the sequence is ranged over. Each range issues a
// fresh Who-Is and yields every responding device once, in arrival order,
// until the discovery window closes, ctx is done, or the consumer stops.
// Responding devices are merged into the registry: new devices are inserted
// and known devices are refreshed in place.
//
// Errors (invalid scope, missing transport, send failure) end the sequence
// early and are logged. Use DiscoverAll to receive them.
func (r *Registry) Discover(ctx context.Context, scope Scope) iter.Seq[*Device] {
	return func(yield func(*Device) bool) {
		if err := r.discover(ctx, scope, yield); err != nil {
			r.logger.Warn("discovery failed", "error", err)
		}
	}
}

// DiscoverAll ranges over Discover and returns the devices found, ordered by
// instance. A window that closes with devices missing is not an error.
func (r *Registry) DiscoverAll(ctx context.Context, scope Scope) ([]*Device, error) {
	var found []*Device
	err := r.discover(ctx, scope, func(d *Device) bool {
		found = append(found, d)
		return true
	})
	slices.SortFunc(found, func(a, b *Device) int { return cmp.Compare(a.Instance, b.Instance) })
	return found, err
}

func (r *Registry) discover(ctx context.Context, scope Scope, yield func(*Device) bool) error {
	if err := ValidateScope(scope); err != nil {
		return err
	}
	if r.transport == nil {
		return ErrNoTransport
	}

	window := scope.Window
	if window <= 0 {
		window = r.window
	}
	whois := scope.WhoIs()

	frame, err := bacnet.EncodeFrame(bacnet.Frame{
		Broadcast: scope.Address == "",
		APDU:      bacnet.EncodeAPDU(bacnet.UnconfirmedAPDU(whois)),
	})
	if err != nil {
		return fmt.Errorf("encoding who-is: %w", err)
	}

	run := &discoveryRun{whois: whois, found: make(chan *Device, announcementBuffer)}
	r.runsMu.Lock()
	r.runs[run] = struct{}{}
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.runs, run)
		r.runsMu.Unlock()
	}()

	if scope.Address != "" {
		err = r.transport.SendUnicast(ctx, scope.Address, frame)
	} else {
		err = r.transport.SendBroadcast(ctx, frame)
	}
	if err != nil {
		return fmt.Errorf("sending who-is: %w", err)
	}

	r.logger.Debug("who-is sent", "low", scope.Low, "high", scope.High, "window", window)

	timer := time.NewTimer(window)
	defer timer.Stop()

	seen := make(map[uint32]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			r.logger.Info("discovery window closed", "found", len(seen))
			return nil
		case d := <-run.found:
			if _, dup := seen[d.Instance]; dup {
				continue
			}
			seen[d.Instance] = struct{}{}
			if !yield(d) {
				return nil
			}
		}
	}
}

// HandleIAm processes an I-Am received from addr.
//
// Announcements matching an active discovery run are merged into the
// registry and handed to the run. Announcements from already registered
// devices refresh their address and last-seen time. Anything else is ignored.
func (r *Registry) HandleIAm(addr string, iam bacnet.IAm) {
	instance := iam.Device.Instance
	if ValidateInstance(instance) != nil || ValidateAddress(addr) != nil {
		r.logger.Debug("ignoring invalid i-am", "addr", addr, "device", instance)
		return
	}

	r.runsMu.Lock()
	var matched []*discoveryRun
	for run := range r.runs {
		if run.whois.Matches(instance) {
			matched = append(matched, run)
		}
	}
	r.runsMu.Unlock()

	r.cacheMu.RLock()
	_, known := r.cache[instance]
	r.cacheMu.RUnlock()

	if len(matched) == 0 && !known {
		return
	}

	d, err := r.merge(addr, iam)
	if err != nil {
		r.logger.Error("failed to merge device", "device", instance, "error", err)
		return
	}

	for _, run := range matched {
		select {
		case run.found <- d.DeepCopy():
		default:
			r.logger.Warn("discovery backlog full, dropping i-am", "device", instance)
		}
	}
}

// merge inserts or refreshes a device from an I-Am and persists it.
func (r *Registry) merge(addr string, iam bacnet.IAm) (*Device, error) {
	now := r.now().UTC()
	instance := iam.Device.Instance

	r.cacheMu.Lock()
	d, known := r.cache[instance]
	if !known {
		d = &Device{
			Instance:     instance,
			Reachability: ReachabilityUnknown,
			CreatedAt:    now,
		}
	} else {
		d = d.DeepCopy()
	}
	moved := known && d.Address != addr
	d.Address = addr
	d.VendorID = iam.VendorID
	d.MaxAPDU = iam.MaxAPDU
	d.Segmentation = iam.Segmentation
	d.LastSeen = now
	r.cache[instance] = d
	if _, down := r.downSince[instance]; down {
		// An announcement restarts the eviction window.
		r.downSince[instance] = now
	}
	snapshot := d.DeepCopy()
	r.cacheMu.Unlock()

	switch {
	case !known:
		r.logger.Info("device discovered", "device", instance, "addr", addr, "vendor_id", iam.VendorID)
	case moved:
		r.logger.Info("device address changed", "device", instance, "addr", addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.repo.Save(ctx, snapshot.DeepCopy()); err != nil {
		return snapshot, fmt.Errorf("persisting device %d: %w", instance, err)
	}
	return snapshot, nil
}

// Upsert adds or replaces a device directly, for devices configured
// rather than discovered.
func (r *Registry) Upsert(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if d.Reachability == "" {
		d.Reachability = ReachabilityUnknown
	}
	if err := r.repo.Save(ctx, d); err != nil {
		return fmt.Errorf("saving device: %w", err)
	}

	r.cacheMu.Lock()
	r.cache[d.Instance] = d.DeepCopy()
	if d.Reachability != ReachabilityUnreachable {
		delete(r.downSince, d.Instance)
	} else if _, down := r.downSince[d.Instance]; !down {
		r.downSince[d.Instance] = r.now().UTC()
	}
	r.cacheMu.Unlock()
	return nil
}

// Evict removes a device from the registry and its repository and notifies
// eviction listeners so they can cancel requests and drop subscriptions.
//
// Parameters:
//   - ctx: Context for the repository delete
//   - instance: Device instance number
//
// Returns:
//   - error: ErrDeviceNotFound if the device is unknown
func (r *Registry) Evict(ctx context.Context, instance uint32) error {
	r.cacheMu.Lock()
	_, cached := r.cache[instance]
	delete(r.cache, instance)
	delete(r.downSince, instance)
	r.cacheMu.Unlock()

	err := r.repo.Delete(ctx, instance)
	switch {
	case err == nil:
	case errors.Is(err, ErrDeviceNotFound):
		if !cached {
			return ErrDeviceNotFound
		}
	default:
		// The cache entry is already gone; listeners still run so no
		// request or lease outlives the eviction.
		r.notifyEvicted(instance)
		return fmt.Errorf("deleting device %d: %w", instance, err)
	}

	r.notifyEvicted(instance)
	r.logger.Info("device evicted", "device", instance)
	return nil
}

func (r *Registry) notifyEvicted(instance uint32) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.evictListeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(instance)
	}
}

// SetReachability records the reachability reported by the multiplexer.
// Listeners are notified only on transitions.
func (r *Registry) SetReachability(ctx context.Context, instance uint32, online bool) error {
	state := ReachabilityUnreachable
	if online {
		state = ReachabilityOnline
	}

	r.cacheMu.Lock()
	d, ok := r.cache[instance]
	if !ok {
		r.cacheMu.Unlock()
		return ErrDeviceNotFound
	}
	changed := d.Reachability != state
	d.Reachability = state
	now := r.now().UTC()
	if online {
		d.LastSeen = now
		delete(r.downSince, instance)
	} else if changed {
		r.downSince[instance] = now
	}
	snapshot := d.DeepCopy()
	r.cacheMu.Unlock()

	if !changed {
		return nil
	}

	if err := r.repo.UpdateReachability(ctx, instance, state, snapshot.LastSeen); err != nil {
		r.logger.Warn("failed to persist reachability", "device", instance, "error", err)
	}

	r.listenersMu.RLock()
	listeners := slices.Clone(r.reachListeners)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot.DeepCopy())
	}
	return nil
}

// Reachability returns the current reachability of a device.
func (r *Registry) Reachability(instance uint32) (Reachability, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	d, ok := r.cache[instance]
	if !ok {
		return ReachabilityUnknown, ErrDeviceNotFound
	}
	return d.Reachability, nil
}
