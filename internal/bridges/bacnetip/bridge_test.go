package bacnetip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

var (
	setpoint = point.PresentValue(1001, bacnet.NewObjectID(bacnet.ObjectAnalogValue, 3))
	topics   = mqtt.Topics{}
)

func newTestBridge(t *testing.T, points *MockPoints, devices *MockDevices) (*Bridge, *MockMQTTClient) {
	t.Helper()
	client := NewMockMQTTClient()
	opts := BridgeOptions{
		Version:        "test",
		HealthInterval: time.Hour,
		MQTTClient:     client,
		Points:         points,
		Transport:      NewMockConnector(),
	}
	// A nil *MockDevices must stay a nil interface.
	if devices != nil {
		opts.Devices = devices
	}
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client
}

func commandTopic(k point.Key) string {
	return topics.PointCommand(k.Device, k.Object.String(), k.Property.String())
}

func ackOn(t *testing.T, client *MockMQTTClient, k point.Key) AckMessage {
	t.Helper()
	acks := client.publishedOn(topics.PointAck(k.Device, k.Object.String(), k.Property.String()))
	if len(acks) != 1 {
		t.Fatalf("acks published = %d, want 1", len(acks))
	}
	if acks[0].Retained {
		t.Error("ack must not be retained")
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func TestNewBridge_RequiresDependencies(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{Points: NewMockPoints()}); err == nil {
		t.Error("NewBridge() without MQTT client succeeded")
	}
	if _, err := NewBridge(BridgeOptions{MQTTClient: NewMockMQTTClient()}); err == nil {
		t.Error("NewBridge() without points succeeded")
	}
}

func TestBridge_StartSubscribesToCommands(t *testing.T) {
	_, client := newTestBridge(t, NewMockPoints(setpoint), nil)

	if len(client.subscriptions) != 1 || client.subscriptions[0] != topics.AllPointCommands() {
		t.Errorf("subscriptions = %v, want [%s]", client.subscriptions, topics.AllPointCommands())
	}

	health := client.publishedOn(topics.Health())
	if len(health) == 0 {
		t.Fatal("no health published on start")
	}
	var msg HealthMessage
	if err := json.Unmarshal(health[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if msg.Status != HealthStarting || msg.Bridge != "bacnet" {
		t.Errorf("first health = %+v, want starting from bacnet", msg)
	}
}

func TestBridge_CommandWritesPoint(t *testing.T) {
	points := NewMockPoints(setpoint)
	_, client := newTestBridge(t, points, nil)

	payload := []byte(`{"id":"cmd-1","value":22.5,"priority":8,"source":"api"}`)
	if err := client.SimulateMessage(topics.AllPointCommands(), commandTopic(setpoint), payload); err != nil {
		t.Fatalf("SimulateMessage() error = %v", err)
	}

	writes := points.getWrites()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Key != setpoint || writes[0].Priority != 8 {
		t.Errorf("write = %+v", writes[0])
	}
	if f, ok := writes[0].Value.Float(); !ok || f != 22.5 {
		t.Errorf("value = %v, want 22.5", writes[0].Value)
	}

	ack := ackOn(t, client, setpoint)
	if ack.Status != AckAccepted || ack.CommandID != "cmd-1" || ack.Point != setpoint.String() {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Value != 22.5 {
		t.Errorf("ack value = %v, want 22.5", ack.Value)
	}
}

func TestBridge_CommandNullRelinquishes(t *testing.T) {
	points := NewMockPoints(setpoint)
	_, client := newTestBridge(t, points, nil)

	if err := client.SimulateMessage(topics.AllPointCommands(), commandTopic(setpoint), []byte(`{"value":null,"priority":8}`)); err != nil {
		t.Fatalf("SimulateMessage() error = %v", err)
	}
	writes := points.getWrites()
	if len(writes) != 1 || !writes[0].Value.IsNull() {
		t.Errorf("writes = %+v, want one Null write", writes)
	}
}

func TestBridge_InvalidCommands(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"value":`},
		{"wrong type", `{"value":"warm"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points := NewMockPoints(setpoint)
			b, client := newTestBridge(t, points, nil)

			if err := client.SimulateMessage(topics.AllPointCommands(), commandTopic(setpoint), []byte(tt.payload)); err != nil {
				t.Fatalf("handler returned %v, want nil", err)
			}
			if len(points.getWrites()) != 0 {
				t.Error("invalid command reached the point model")
			}
			ack := ackOn(t, client, setpoint)
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
				t.Errorf("ack = %+v, want failed INVALID_COMMAND", ack)
			}
			if b.Statistics().CommandsFailed != 1 {
				t.Errorf("CommandsFailed = %d, want 1", b.Statistics().CommandsFailed)
			}
		})
	}
}

func TestBridge_InvalidTopicIsDropped(t *testing.T) {
	points := NewMockPoints(setpoint)
	b, client := newTestBridge(t, points, nil)

	for _, topic := range []string{
		"graylogic/bacnet/command/1001/analogValue:3",
		"graylogic/bacnet/state/1001/analogValue:3/presentValue",
		"graylogic/bacnet/command/x/analogValue:3/presentValue",
		"graylogic/bacnet/command/1001/blob:3/presentValue",
	} {
		if err := client.SimulateMessage(topics.AllPointCommands(), topic, []byte(`{"value":1}`)); err != nil {
			t.Errorf("%s: handler returned %v", topic, err)
		}
	}
	if len(points.getWrites()) != 0 {
		t.Error("write executed for an invalid topic")
	}
	if got := b.Statistics().CommandsFailed; got != 4 {
		t.Errorf("CommandsFailed = %d, want 4", got)
	}
}

func TestBridge_WriteFailureAck(t *testing.T) {
	points := NewMockPoints(setpoint)
	points.writeErr = fmt.Errorf("writing: %w", multiplexer.ErrDeviceUnreachable)
	_, client := newTestBridge(t, points, nil)

	if err := client.SimulateMessage(topics.AllPointCommands(), commandTopic(setpoint), []byte(`{"id":"c","value":1}`)); err != nil {
		t.Fatalf("SimulateMessage() error = %v", err)
	}
	ack := ackOn(t, client, setpoint)
	if ack.Status != AckTimeout || ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack = %+v, want timeout DEVICE_UNREACHABLE", ack)
	}
}

func TestClassifyWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus AckStatus
		wantCode   string
	}{
		{point.ErrPointNotFound, AckFailed, ErrCodeNotConfigured},
		{point.ErrInvalidPriority, AckFailed, ErrCodeInvalidPriority},
		{point.ErrReadOnly, AckFailed, ErrCodeReadOnly},
		{multiplexer.ErrDeviceUnreachable, AckTimeout, ErrCodeDeviceUnreachable},
		{multiplexer.ErrTimeout, AckTimeout, ErrCodeTimeout},
		{context.DeadlineExceeded, AckTimeout, ErrCodeTimeout},
		{fmt.Errorf("%w: %w", multiplexer.ErrProtocol, &bacnet.RejectError{}), AckFailed, ErrCodeProtocolError},
		{errors.New("disk on fire"), AckFailed, ErrCodeBridgeError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := classifyWriteError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("classifyWriteError() = %s/%s, want %s/%s", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestBridge_PublishesChangedState(t *testing.T) {
	points := NewMockPoints(setpoint)
	b, client := newTestBridge(t, points, nil)
	stateTopic := topics.PointState(setpoint.Device, setpoint.Object.String(), setpoint.Property.String())

	p := point.Point{Key: setpoint, Value: bacnet.Real(21), Units: "degreesCelsius", Reliability: point.Reliable, UpdatedAt: time.Now()}
	points.emit(point.Change{Point: p, Source: point.SourcePoll})
	points.emit(point.Change{Point: p, Source: point.SourcePoll}) // same value, skipped

	p.Value = bacnet.Real(22)
	points.emit(point.Change{Point: p, Source: point.SourceCOV})

	waitFor(t, "two state messages", func() bool { return len(client.publishedOn(stateTopic)) == 2 })

	states := client.publishedOn(stateTopic)
	var last StateMessage
	if err := json.Unmarshal(states[1].Payload, &last); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !states[1].Retained {
		t.Error("state must be retained")
	}
	if last.Value != float64(22) || last.Source != point.SourceCOV || last.Point != setpoint.String() || last.Units != "degreesCelsius" {
		t.Errorf("state = %+v", last)
	}
	if b.Statistics().StatesPublished != 2 {
		t.Errorf("StatesPublished = %d, want 2", b.Statistics().StatesPublished)
	}

	// A reliability change alone republishes.
	p.Reliability = point.Unreliable
	points.emit(point.Change{Point: p, Source: point.SourceFault})
	waitFor(t, "reliability state", func() bool { return len(client.publishedOn(stateTopic)) == 3 })

	// After clearing, a repeated value is published again.
	b.ClearStateCache()
	points.emit(point.Change{Point: p, Source: point.SourcePoll})
	waitFor(t, "state after cache clear", func() bool { return len(client.publishedOn(stateTopic)) == 4 })
}

func TestBridge_PublishesDeviceStatus(t *testing.T) {
	devices := &MockDevices{devices: []device.Device{
		{Instance: 1001, Address: "192.168.1.50:47808", Reachability: device.ReachabilityOnline},
		{Instance: 1002, Address: "192.168.1.51:47808", Reachability: device.ReachabilityUnreachable},
	}}
	b, client := newTestBridge(t, NewMockPoints(setpoint), devices)

	statusTopic := topics.DeviceStatus(1001)
	waitFor(t, "initial status", func() bool { return len(client.publishedOn(statusTopic)) == 1 })

	devices.set(1001, device.ReachabilityUnreachable)
	waitFor(t, "changed status", func() bool { return len(client.publishedOn(statusTopic)) == 2 })

	var msg DeviceStatusMessage
	if err := json.Unmarshal(client.publishedOn(statusTopic)[1].Payload, &msg); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if msg.Device != 1001 || msg.Reachability != device.ReachabilityUnreachable || msg.Address != "192.168.1.50:47808" {
		t.Errorf("status = %+v", msg)
	}

	if devs, unreachable, pts := b.Inventory(); devs != 2 || unreachable != 2 || pts != 1 {
		t.Errorf("Inventory() = %d, %d, %d; want 2, 2, 1", devs, unreachable, pts)
	}
}

func TestBridge_EvictionClearsRetainedState(t *testing.T) {
	devices := &MockDevices{devices: []device.Device{
		{Instance: 1001, Address: "192.168.1.50:47808", Reachability: device.ReachabilityUnreachable},
	}}
	points := NewMockPoints(setpoint)
	_, client := newTestBridge(t, points, devices)
	stateTopic := topics.PointState(setpoint.Device, setpoint.Object.String(), setpoint.Property.String())

	p := point.Point{Key: setpoint, Value: bacnet.Real(21), Reliability: point.Unreliable}
	points.emit(point.Change{Point: p, Source: point.SourceFault})
	waitFor(t, "state", func() bool { return len(client.publishedOn(stateTopic)) == 1 })

	devices.evict(1001)
	waitFor(t, "retained state cleared", func() bool { return len(client.clearedDevices()) == 1 })
	if got := client.clearedDevices(); got[0] != 1001 {
		t.Errorf("cleared devices = %v, want [1001]", got)
	}

	// The state cache forgot the device, so the same value is published
	// again if the device returns.
	points.emit(point.Change{Point: p, Source: point.SourceFault})
	waitFor(t, "state after eviction", func() bool { return len(client.publishedOn(stateTopic)) == 2 })
}

func TestBridge_StateHeldWhileBrokerAway(t *testing.T) {
	points := NewMockPoints(setpoint)
	b, client := newTestBridge(t, points, nil)
	client.setConnected(false)

	points.emit(point.Change{Point: point.Point{Key: setpoint, Value: bacnet.Real(5), Reliability: point.Reliable}, Source: point.SourcePoll})
	waitFor(t, "state accepted", func() bool { return b.Statistics().StatesPublished == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := b.Statistics().Errors; got != 0 {
		t.Errorf("Errors = %d, want 0 for a state held for replay", got)
	}
}

func TestBridge_Stop(t *testing.T) {
	points := NewMockPoints(setpoint)
	b, client := newTestBridge(t, points, nil)

	b.Stop()
	b.Stop()

	if _, ok := client.handlers[topics.AllPointCommands()]; ok {
		t.Error("command subscription still registered after Stop")
	}
	health := client.publishedOn(topics.Health())
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health = %s, want stopping", last.Status)
	}

	// Changes after Stop are not queued.
	before := len(client.GetPublished())
	points.emit(point.Change{Point: point.Point{Key: setpoint, Value: bacnet.Real(1)}})
	time.Sleep(20 * time.Millisecond)
	if got := len(client.GetPublished()); got != before {
		t.Errorf("published %d messages after Stop", got-before)
	}
}

// recordingAudit collects audit entries.
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, e *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func TestBridge_RecordsAcceptedCommands(t *testing.T) {
	points := NewMockPoints(setpoint)
	rec := &recordingAudit{}
	client := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{
		HealthInterval: time.Hour,
		MQTTClient:     client,
		Points:         points,
		Audit:          rec,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	for _, payload := range []string{
		`{"id":"cmd-1","value":22.5,"priority":8,"source":"automation"}`,
		`{"value":null,"priority":8}`,
		`{"value":"warm"}`,
	} {
		if err := client.SimulateMessage(topics.AllPointCommands(), commandTopic(setpoint), []byte(payload)); err != nil {
			t.Fatalf("SimulateMessage() error = %v", err)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 {
		t.Fatalf("recorded %d entries, want 2 (invalid command skipped)", len(rec.entries))
	}
	first := rec.entries[0]
	if first.Action != audit.ActionWrite || first.Source != audit.SourceMQTT || first.Subject != "automation" {
		t.Errorf("first entry = %+v", first)
	}
	if first.Target != setpoint.String() || first.Details["command_id"] != "cmd-1" {
		t.Errorf("first entry target/details = %s %v", first.Target, first.Details)
	}
	if rec.entries[1].Action != audit.ActionRelinquish {
		t.Errorf("second entry action = %s, want relinquish", rec.entries[1].Action)
	}
}
