package bacnetip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

// Bridge operation constants.
const (
	// commandTimeout bounds one MQTT-initiated write, retries included.
	commandTimeout = 30 * time.Second

	// outboxSize is the buffer of state and status messages awaiting publish.
	outboxSize = 256

	// stateQoS is used for every publish.
	stateQoS = 1
)

// MQTTClient is the interface for MQTT operations.
// It is satisfied by *mqtt.Client and allows mocking in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishState publishes retained point state or device status and
	// keeps it for replay after a reconnect.
	PublishState(topic string, payload []byte) error

	// ClearDevice removes the retained state of an evicted device.
	ClearDevice(device uint32) int

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// PointService is the part of the point model the bridge drives.
// It is satisfied by *point.Model.
type PointService interface {
	Write(ctx context.Context, key point.Key, value bacnet.Value, priority uint8) (*point.Point, error)
	Get(key point.Key) (*point.Point, error)
	OnChange(fn point.ChangeListener)
	Count() int
}

// DeviceDirectory lists devices and reports reachability changes and
// evictions. It is satisfied by *device.Registry.
type DeviceDirectory interface {
	List() []device.Device
	OnReachability(fn device.ReachabilityListener)
	OnEvict(fn device.EvictionListener)
}

// CommandRecorder stores accepted commands. It is satisfied by
// *audit.SQLiteRepository.
type CommandRecorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID names the bridge in health reports. Default: "bacnet".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	MQTTClient MQTTClient
	Points     PointService
	Devices    DeviceDirectory

	// Transport is optional; it contributes socket statistics to health.
	Transport Connector

	// Audit is optional; accepted writes are recorded to it.
	Audit CommandRecorder

	// Logger is optional structured logger.
	Logger Logger
}

// outbound is one queued publish, or with evict set, the removal of the
// retained state of device.
type outbound struct {
	topic   string
	payload []byte

	evict  bool
	device uint32
}

// publishedState is the last state sent for one point.
type publishedState struct {
	value       bacnet.Value
	reliability point.Reliability
}

// Bridge translates between the point model and MQTT. It handles:
//   - Publishing point changes and device reachability as retained state
//   - Receiving write commands and acknowledging their outcome
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt      MQTTClient
	points    PointService
	devices   DeviceDirectory
	transport Connector
	audit     CommandRecorder
	health    *HealthReporter
	topics    mqtt.Topics

	outbox  chan outbound
	stopped atomic.Bool

	// State cache for change detection
	stateCache   map[point.Key]publishedState
	stateCacheMu sync.Mutex

	statesPublished  atomic.Uint64
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	errorsTotal      atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, errors.New("bacnetip: MQTT client is required")
	}
	if opts.Points == nil {
		return nil, errors.New("bacnetip: point service is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:       opts.MQTTClient,
		points:     opts.Points,
		devices:    opts.Devices,
		transport:  opts.Transport,
		audit:      opts.Audit,
		outbox:     make(chan outbound, outboxSize),
		stateCache: make(map[point.Key]publishedState),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = "bacnet"
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Transport: opts.Transport,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start registers the change listeners, subscribes to commands and starts
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if pubErr := b.health.PublishStarting(); pubErr != nil {
			b.logError("failed to publish starting status", pubErr)
		}

		b.wg.Add(1)
		go b.publishLoop()

		b.points.OnChange(b.handlePointChange)
		if b.devices != nil {
			b.devices.OnReachability(b.handleReachability)
			b.devices.OnEvict(b.handleEviction)
			for _, d := range b.devices.List() {
				b.handleReachability(&d)
			}
		}

		topic := b.topics.AllPointCommands()
		if subErr := b.mqtt.Subscribe(topic, stateQoS, b.handleCommandMessage); subErr != nil {
			err = fmt.Errorf("subscribe to commands: %w", subErr)
			return
		}
		b.logInfo("subscribed to commands", "topic", topic)

		b.health.Start(ctx)
		b.logInfo("bridge started", "points", b.points.Count())
	})
	return err
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.done)

		// Abort in-flight commands
		b.ctxCancel()

		if err := b.mqtt.Unsubscribe(b.topics.AllPointCommands()); err != nil {
			b.logDebug("unsubscribe from commands failed", "error", err)
		}

		// Publishes a final "stopping" status
		b.health.Stop()

		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// handlePointChange queues the retained state of a changed point. Changes
// that repeat the last published value and reliability are skipped.
func (b *Bridge) handlePointChange(c point.Change) {
	if b.stopped.Load() {
		return
	}
	p := c.Point
	if !b.stateChanged(p) {
		return
	}

	payload, err := json.Marshal(NewStateMessage(c))
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal state", err)
		return
	}
	topic := b.topics.PointState(p.Key.Device, p.Key.Object.String(), p.Key.Property.String())
	if b.enqueue(outbound{topic: topic, payload: payload}) {
		b.statesPublished.Add(1)
	}
}

func (b *Bridge) stateChanged(p point.Point) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	last, ok := b.stateCache[p.Key]
	if ok && last.reliability == p.Reliability && last.value.Equal(p.Value) {
		return false
	}
	b.stateCache[p.Key] = publishedState{value: p.Value, reliability: p.Reliability}
	return true
}

// ClearStateCache forces the next change of every point to be published.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	clear(b.stateCache)
	b.stateCacheMu.Unlock()
}

// handleReachability queues the retained status of a device.
func (b *Bridge) handleReachability(d *device.Device) {
	if b.stopped.Load() {
		return
	}
	payload, err := json.Marshal(NewDeviceStatusMessage(d))
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal device status", err)
		return
	}
	b.enqueue(outbound{topic: b.topics.DeviceStatus(d.Instance), payload: payload})
}

// handleEviction forgets the published states of an evicted device and
// queues the removal of its retained topics behind any pending states.
func (b *Bridge) handleEviction(instance uint32) {
	if b.stopped.Load() {
		return
	}
	b.stateCacheMu.Lock()
	for key := range b.stateCache {
		if key.Device == instance {
			delete(b.stateCache, key)
		}
	}
	b.stateCacheMu.Unlock()
	b.enqueue(outbound{topic: b.topics.DeviceStatus(instance), evict: true, device: instance})
}

// enqueue hands a message to the publish loop without blocking the
// caller, which may be on the point model's update path.
func (b *Bridge) enqueue(m outbound) bool {
	select {
	case b.outbox <- m:
		return true
	default:
		b.errorsTotal.Add(1)
		b.logError("outbox full, dropping publish", nil, "topic", m.topic)
		return false
	}
}

// publishLoop drains the outbox until Stop.
func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.outbox:
			b.publishOutbound(m)
		}
	}
}

func (b *Bridge) publishOutbound(m outbound) {
	if m.evict {
		n := b.mqtt.ClearDevice(m.device)
		b.logInfo("cleared retained state of evicted device", "device", m.device, "topics", n)
		return
	}
	err := b.mqtt.PublishState(m.topic, m.payload)
	switch {
	case err == nil:
	case errors.Is(err, mqtt.ErrNotConnected):
		b.logDebug("state held until the broker returns", "topic", m.topic)
	default:
		b.errorsTotal.Add(1)
		b.logError("failed to publish state", err, "topic", m.topic)
	}
}

// handleCommandMessage parses a command topic and payload and executes the
// write. Failures are reported on the ack topic, never returned to the
// MQTT client.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	b.commandsReceived.Add(1)

	key, err := parseCommandTopic(topic)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logError("invalid command topic", err, "topic", topic)
		return nil
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		b.publishAckError(CommandMessage{}, key, AckFailed, ErrCodeInvalidCommand, err.Error())
		return nil
	}

	b.logInfo("received command", "command_id", cmd.ID, "point", key.String(), "priority", cmd.Priority)

	value, err := cmd.CommandValue(key)
	if err != nil {
		b.publishAckError(cmd, key, AckFailed, ErrCodeInvalidCommand, err.Error())
		return nil
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	p, err := b.points.Write(ctx, key, value, cmd.Priority)
	if err != nil {
		status, code := classifyWriteError(err)
		b.publishAckError(cmd, key, status, code, err.Error())
		return nil
	}
	b.publishAck(cmd, key, p)
	b.recordCommand(ctx, cmd, key, value)
	return nil
}

// recordCommand adds an accepted write to the audit log, if one is set.
func (b *Bridge) recordCommand(ctx context.Context, cmd CommandMessage, key point.Key, value bacnet.Value) {
	if b.audit == nil {
		return
	}
	action := audit.ActionWrite
	if value.IsNull() {
		action = audit.ActionRelinquish
	}
	details := map[string]any{
		"value":    value.String(),
		"priority": cmd.Priority,
	}
	if cmd.ID != "" {
		details["command_id"] = cmd.ID
	}
	err := b.audit.Record(ctx, &audit.Entry{
		Action:  action,
		Target:  key.String(),
		Subject: cmd.Source,
		Source:  audit.SourceMQTT,
		Details: details,
	})
	if err != nil {
		b.logError("failed to record command", err, "point", key.String())
	}
}

// parseCommandTopic extracts the point key from
// graylogic/bacnet/command/{device}/{object}/{property}.
func parseCommandTopic(topic string) (point.Key, error) {
	dev, object, property, err := mqtt.Topics{}.ParseCommand(topic)
	if err != nil {
		return point.Key{}, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	key, err := point.ParseKeyParts(dev, object, property)
	if err != nil {
		return point.Key{}, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	return key, nil
}

// classifyWriteError maps a write failure to an ack status and code.
func classifyWriteError(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, point.ErrPointNotFound):
		return AckFailed, ErrCodeNotConfigured
	case errors.Is(err, point.ErrInvalidPriority):
		return AckFailed, ErrCodeInvalidPriority
	case errors.Is(err, point.ErrReadOnly):
		return AckFailed, ErrCodeReadOnly
	case errors.Is(err, multiplexer.ErrDeviceUnreachable):
		return AckTimeout, ErrCodeDeviceUnreachable
	case errors.Is(err, multiplexer.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, multiplexer.ErrProtocol):
		return AckFailed, ErrCodeProtocolError
	}
	return AckFailed, ErrCodeBridgeError
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, key point.Key, p *point.Point) {
	b.publishAckMessage(key, NewAckMessage(cmd, key, p))
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, key point.Key, status AckStatus, code, message string) {
	b.commandsFailed.Add(1)
	b.publishAckMessage(key, NewAckError(cmd, key, status, code, message))
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message), "point", key.String())
}

func (b *Bridge) publishAckMessage(key point.Key, ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal ack", err)
		return
	}
	topic := b.topics.PointAck(key.Device, key.Object.String(), key.Property.String())
	if err := b.mqtt.Publish(topic, payload, stateQoS, false); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to publish ack", err)
	}
}

// Inventory reports managed devices and points for health messages.
func (b *Bridge) Inventory() (devices, unreachable, points int) {
	if b.devices != nil {
		for _, d := range b.devices.List() {
			devices++
			if d.Reachability == device.ReachabilityUnreachable {
				unreachable++
			}
		}
	}
	return devices, unreachable, b.points.Count()
}

// Statistics returns bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		StatesPublished:  b.statesPublished.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		Errors:           b.errorsTotal.Load(),
	}
}

// Health returns the health reporter, for publishing on demand.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
