package bacnetip

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	handlers      map[string]mqtt.MessageHandler
	cleared       []uint32
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) PublishState(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: 1, Retained: true})
	return nil
}

func (m *MockMQTTClient) ClearDevice(device uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, device)
	return 1
}

func (m *MockMQTTClient) clearedDevices() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cleared)
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published)
}

// publishedOn returns the payloads published on topic.
func (m *MockMQTTClient) publishedOn(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers a message to the handler whose pattern matches.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		return errors.New("no handler for " + pattern)
	}
	return handler(topic, payload)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// MockConnector implements Connector for testing.
type MockConnector struct {
	mu         sync.Mutex
	connected  bool
	stats      TransportStats
	unicasts   []sentFrame
	broadcasts [][]byte
	onReceive  func(addr string, frame []byte)
	sendErr    error
}

type sentFrame struct {
	Addr  string
	Frame []byte
}

func NewMockConnector() *MockConnector {
	return &MockConnector{connected: true}
}

func (m *MockConnector) SendUnicast(_ context.Context, addr string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.unicasts = append(m.unicasts, sentFrame{Addr: addr, Frame: frame})
	return nil
}

func (m *MockConnector) SendBroadcast(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.broadcasts = append(m.broadcasts, frame)
	return nil
}

func (m *MockConnector) SetOnReceive(cb func(addr string, frame []byte)) {
	m.mu.Lock()
	m.onReceive = cb
	m.mu.Unlock()
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() TransportStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Connected = m.connected
	return s
}

func (m *MockConnector) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) sent() []sentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.unicasts)
}

// MockPoints implements PointService for testing.
type MockPoints struct {
	mu        sync.Mutex
	points    map[point.Key]*point.Point
	listeners []point.ChangeListener
	writes    []mockWrite
	writeErr  error
}

type mockWrite struct {
	Key      point.Key
	Value    bacnet.Value
	Priority uint8
}

func NewMockPoints(keys ...point.Key) *MockPoints {
	m := &MockPoints{points: make(map[point.Key]*point.Point)}
	for _, k := range keys {
		m.points[k] = &point.Point{Key: k, Mode: point.ModePolled, Reliability: point.Reliable}
	}
	return m
}

func (m *MockPoints) Write(_ context.Context, key point.Key, value bacnet.Value, priority uint8) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, mockWrite{Key: key, Value: value, Priority: priority})
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	p, ok := m.points[key]
	if !ok {
		return nil, point.ErrPointNotFound
	}
	p.Value = value
	return p.DeepCopy(), nil
}

func (m *MockPoints) Get(key point.Key) (*point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[key]
	if !ok {
		return nil, point.ErrPointNotFound
	}
	return p.DeepCopy(), nil
}

func (m *MockPoints) OnChange(fn point.ChangeListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *MockPoints) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// emit delivers a change to the registered listeners.
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

// MockDevices implements DeviceDirectory for testing.
type MockDevices struct {
	mu        sync.Mutex
	devices   []device.Device
	listeners []device.ReachabilityListener
	evictions []device.EvictionListener
}

func (m *MockDevices) OnEvict(fn device.EvictionListener) {
	m.mu.Lock()
	m.evictions = append(m.evictions, fn)
	m.mu.Unlock()
}

// evict removes a device and notifies the eviction listeners.
func (m *MockDevices) evict(instance uint32) {
	m.mu.Lock()
	m.devices = slices.DeleteFunc(m.devices, func(d device.Device) bool { return d.Instance == instance })
	listeners := slices.Clone(m.evictions)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(instance)
	}
}

func (m *MockDevices) List() []device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.devices)
}

func (m *MockDevices) OnReachability(fn device.ReachabilityListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *MockDevices) set(instance uint32, r device.Reachability) {
	m.mu.Lock()
	var snapshot *device.Device
	for i := range m.devices {
		if m.devices[i].Instance == instance {
			m.devices[i].Reachability = r
			snapshot = m.devices[i].DeepCopy()
		}
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
