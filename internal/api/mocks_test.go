package api

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

// MockDevices implements DeviceService over an in-memory map.
type MockDevices struct {
	mu        sync.Mutex
	devices   map[uint32]*device.Device
	objects   []bacnet.ObjectID
	found     []*device.Device
	scope     device.Scope
	query     device.ObjectQuery
	holders   []device.Holder
	evicted   []uint32
	reinits   []mockReinit
	syncs     []mockSync
	listeners []device.ReachabilityListener
	err       error // returned by network operations when set
}

type mockReinit struct {
	Instance uint32
	State    bacnet.ReinitState
	Password string
}

type mockSync struct {
	Instance  uint32
	Broadcast bool
	UTC       bool
}

func NewMockDevices(devs ...device.Device) *MockDevices {
	m := &MockDevices{devices: make(map[uint32]*device.Device)}
	for _, d := range devs {
		m.devices[d.Instance] = &d
	}
	return m
}

func (m *MockDevices) List() []device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b device.Device) int { return int(a.Instance) - int(b.Instance) })
	return out
}

func (m *MockDevices) Get(_ context.Context, instance uint32) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[instance]
	if !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrDeviceNotFound, instance)
	}
	cpy := *d
	return &cpy, nil
}

func (m *MockDevices) Evict(_ context.Context, instance uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[instance]; !ok {
		return fmt.Errorf("%w: %d", device.ErrDeviceNotFound, instance)
	}
	delete(m.devices, instance)
	m.evicted = append(m.evicted, instance)
	return nil
}

func (m *MockDevices) DiscoverAll(_ context.Context, scope device.Scope) ([]*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope = scope
	if m.err != nil {
		return nil, m.err
	}
	return m.found, nil
}

func (m *MockDevices) FindObject(_ context.Context, q device.ObjectQuery) ([]device.Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.query = q
	if m.err != nil {
		return nil, m.err
	}
	return m.holders, nil
}

func (m *MockDevices) ReadObjectList(_ context.Context, instance uint32) ([]bacnet.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.devices[instance]; !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrDeviceNotFound, instance)
	}
	return m.objects, nil
}

func (m *MockDevices) Reachability(instance uint32) (device.Reachability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[instance]
	if !ok {
		return device.ReachabilityUnknown, fmt.Errorf("%w: %d", device.ErrDeviceNotFound, instance)
	}
	return d.Reachability, nil
}

func (m *MockDevices) Reinitialize(_ context.Context, instance uint32, state bacnet.ReinitState, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reinits = append(m.reinits, mockReinit{Instance: instance, State: state, Password: password})
	return nil
}

func (m *MockDevices) SyncTime(_ context.Context, instance uint32, broadcast bool, _ time.Time, utc bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.syncs = append(m.syncs, mockSync{Instance: instance, Broadcast: broadcast, UTC: utc})
	return nil
}

func (m *MockDevices) OnReachability(fn device.ReachabilityListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *MockDevices) setReachability(instance uint32, r device.Reachability) {
	m.mu.Lock()
	d := m.devices[instance]
	d.Reachability = r
	cpy := *d
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(&cpy)
	}
}

// MockPoints implements PointService over an in-memory map.
type MockPoints struct {
	mu        sync.Mutex
	points    map[point.Key]*point.Point
	writes    []mockWrite
	listeners []point.ChangeListener
	err       error // returned by Read, Write, Simulate and Release when set
}

type mockWrite struct {
	Key      point.Key
	Value    bacnet.Value
	Priority uint8
}

func NewMockPoints() *MockPoints {
	return &MockPoints{points: make(map[point.Key]*point.Point)}
}

func (m *MockPoints) Declare(spec point.Spec) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[spec.Key]; ok {
		return nil, fmt.Errorf("%w: %s", point.ErrPointExists, spec.Key)
	}
	mode := spec.Mode
	if mode == "" {
		mode = point.ModePolled
	}
	p := &point.Point{
		Key:         spec.Key,
		Value:       bacnet.Null(),
		Units:       spec.Units,
		Reliability: point.Reliable,
		Mode:        mode,
		History:     spec.History,
		Local:       spec.Local,
	}
	m.points[spec.Key] = p
	return p.DeepCopy(), nil
}

func (m *MockPoints) Remove(key point.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[key]; !ok {
		return fmt.Errorf("%w: %s", point.ErrPointNotFound, key)
	}
	delete(m.points, key)
	return nil
}

func (m *MockPoints) Get(key point.Key) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", point.ErrPointNotFound, key)
	}
	return p.DeepCopy(), nil
}

func (m *MockPoints) List(filter point.Filter) []*point.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*point.Point
	for _, p := range m.points {
		if filter.Device != nil && p.Key.Device != *filter.Device {
			continue
		}
		if filter.Mode != "" && p.Mode != filter.Mode {
			continue
		}
		out = append(out, p.DeepCopy())
	}
	slices.SortFunc(out, func(a, b *point.Point) int { return a.Key.Compare(b.Key) })
	return out
}

func (m *MockPoints) Read(_ context.Context, key point.Key) (*point.Point, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.Get(key)
}

func (m *MockPoints) Write(_ context.Context, key point.Key, value bacnet.Value, priority uint8) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.points[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", point.ErrPointNotFound, key)
	}
	m.writes = append(m.writes, mockWrite{Key: key, Value: value, Priority: priority})
	p.PendingWrite = &point.PendingWrite{Value: value, Priority: priority, Since: time.Now()}
	return p.DeepCopy(), nil
}

func (m *MockPoints) Simulate(_ context.Context, key point.Key, value bacnet.Value) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.points[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", point.ErrPointNotFound, key)
	}
	p.Simulated = true
	p.Value = value
	return p.DeepCopy(), nil
}

func (m *MockPoints) Release(_ context.Context, key point.Key) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.points[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", point.ErrPointNotFound, key)
	}
	p.Simulated = false
	return p.DeepCopy(), nil
}

func (m *MockPoints) OnChange(fn point.ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *MockPoints) emit(c point.Change) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func (m *MockPoints) getWrites() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

// MockScheduler implements ScheduleService.
type MockScheduler struct {
	mu         sync.Mutex
	entries    map[point.Key]scheduler.Status
	addErr     error
	expectErr  error
	expected   []bacnet.Value
	lifetimes  map[point.Key]time.Duration
	subscribes int
}

func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		entries:   make(map[point.Key]scheduler.Status),
		lifetimes: make(map[point.Key]time.Duration),
	}
}

func (m *MockScheduler) Add(key point.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	if _, ok := m.entries[key]; ok {
		return fmt.Errorf("%w: %s", scheduler.ErrAlreadyScheduled, key)
	}
	m.entries[key] = scheduler.Status{Key: key, State: scheduler.StateIdle, Mode: point.ModePolled}
	return nil
}

func (m *MockScheduler) Remove(key point.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrNotScheduled, key)
	}
	delete(m.entries, key)
	return nil
}

func (m *MockScheduler) Subscribe(key point.Key, lifetime time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrNotScheduled, key)
	}
	st.Mode = point.ModeSubscribed
	m.entries[key] = st
	m.lifetimes[key] = lifetime
	m.subscribes++
	return nil
}

func (m *MockScheduler) Unsubscribe(key point.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrNotScheduled, key)
	}
	st.Mode = point.ModePolled
	m.entries[key] = st
	return nil
}

func (m *MockScheduler) Status(key point.Key) (scheduler.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[key]
	if !ok {
		return scheduler.Status{Key: key, State: scheduler.StateIdle}, fmt.Errorf("%w: %s", scheduler.ErrNotScheduled, key)
	}
	return st, nil
}

func (m *MockScheduler) ExpectValue(_ context.Context, _ point.Key, want bacnet.Value, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected = append(m.expected, want)
	return m.expectErr
}

func (m *MockScheduler) Stats() scheduler.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return scheduler.Stats{Points: len(m.entries)}
}

func (m *MockScheduler) scheduled(key point.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// MockHistory implements HistoryReader.
type MockHistory struct {
	entries []point.HistoryEntry
	limit   int
}

func (m *MockHistory) History(_ context.Context, _ point.Key, limit int) ([]point.HistoryEntry, error) {
	m.limit = limit
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

// MockAudit implements AuditLog in memory.
type MockAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	filter  audit.Filter
	err     error // returned by Record and List when set
}

func (m *MockAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MockAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = filter
	if m.err != nil {
		return nil, m.err
	}
	out := []audit.Entry{}
	for _, e := range slices.Backward(m.entries) {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Target != "" && e.Target != filter.Target {
			continue
		}
		out = append(out, e)
	}
	return &audit.ListResult{Entries: out, Total: len(out), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (m *MockAudit) recorded() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}
