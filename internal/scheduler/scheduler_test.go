package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
)

const (
	testDevice  uint32 = 1001
	testAddress        = "192.168.1.50:47808"
)

var (
	roomTemp = point.PresentValue(testDevice, bacnet.NewObjectID(bacnet.ObjectAnalogInput, 1))
	setpoint = point.PresentValue(testDevice, bacnet.NewObjectID(bacnet.ObjectAnalogValue, 2))
)

// MockDevice answers ReadProperty from a value table and records every
// SubscribeCOV it receives.
type MockDevice struct {
	mu         sync.Mutex
	values     map[bacnet.ObjectID]bacnet.Value
	readErr    error
	subErr     error
	readGate   chan struct{}
	subscribes []bacnet.SubscribeCOVRequest

	// blockRenewals makes every SubscribeCOV after the first hang and then
	// time out, as an exhausted request would.
	blockRenewals bool
}

func NewMockDevice() *MockDevice {
	return &MockDevice{values: make(map[bacnet.ObjectID]bacnet.Value)}
}

func (d *MockDevice) set(obj bacnet.ObjectID, v bacnet.Value) {
	d.mu.Lock()
	d.values[obj] = v
	d.mu.Unlock()
}

func (d *MockDevice) failReads(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

func (d *MockDevice) subscriptions() []bacnet.SubscribeCOVRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bacnet.SubscribeCOVRequest(nil), d.subscribes...)
}

func (d *MockDevice) Submit(ctx context.Context, _ multiplexer.Target, req bacnet.ConfirmedRequest) (*bacnet.APDU, error) {
	switch r := req.(type) {
	case bacnet.ReadPropertyRequest:
		d.mu.Lock()
		gate := d.readGate
		d.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, multiplexer.ErrCancelled
			}
		}
		d.mu.Lock()
		err, v := d.readErr, d.values[r.Object]
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		payload := bacnet.ReadPropertyAck{Object: r.Object, Property: r.Property, Value: v}.EncodePayload()
		a := bacnet.ComplexAckAPDU(1, bacnet.ServiceReadProperty, payload)
		return &a, nil

	case bacnet.SubscribeCOVRequest:
		d.mu.Lock()
		d.subscribes = append(d.subscribes, r)
		n, err, block := len(d.subscribes), d.subErr, d.blockRenewals
		d.mu.Unlock()
		if block && n > 1 && !r.Cancel {
			select {
			case <-ctx.Done():
				return nil, multiplexer.ErrCancelled
			case <-time.After(150 * time.Millisecond):
				return nil, multiplexer.ErrTimeout
			}
		}
		if err != nil {
			return nil, err
		}
		a := bacnet.SimpleAckAPDU(1, bacnet.ServiceSubscribeCOV)
		return &a, nil
	}
	return nil, errors.New("unexpected request")
}

// staticResolver resolves every device to testAddress.
type staticResolver struct{}

func (staticResolver) Target(_ context.Context, instance uint32) (multiplexer.Target, error) {
	return multiplexer.Target{Instance: instance, Address: testAddress}, nil
}

type fixture struct {
	dev   *MockDevice
	model *point.Model
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := NewMockDevice()
	model := point.NewModel(dev, staticResolver{}, point.Config{})
	return &fixture{
		dev:   dev,
		model: model,
		sched: New(model, dev, staticResolver{}, Config{}),
	}
}

func (f *fixture) declare(t *testing.T, spec point.Spec) {
	t.Helper()
	_, err := f.model.Declare(spec)
	require.NoError(t, err)
}

// run starts the loop and stops it when the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func (f *fixture) value(t *testing.T, key point.Key) float64 {
	t.Helper()
	p, err := f.model.Get(key)
	require.NoError(t, err)
	v, _ := p.Value.Float()
	return v
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, nil, nil, Config{RenewFraction: 1.5})
	assert.InDelta(t, DefaultRenewFraction, s.cfg.RenewFraction, 0.0001)
	assert.Equal(t, DefaultProcessIDBase, s.cfg.ProcessIDBase)
}

func TestWireLifetime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint32
	}{
		{50 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{300 * time.Second, 300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wireLifetime(tt.in), tt.in.String())
	}
}

func TestAdd_Rejections(t *testing.T) {
	f := newFixture(t)
	manual := point.PresentValue(testDevice, bacnet.NewObjectID(bacnet.ObjectBinaryInput, 3))
	local := point.PresentValue(1, bacnet.NewObjectID(bacnet.ObjectAnalogValue, 1))

	f.declare(t, point.Spec{Key: roomTemp})
	f.declare(t, point.Spec{Key: manual, Mode: point.ModeManual})
	f.declare(t, point.Spec{Key: local, Local: true})

	require.NoError(t, f.sched.Add(roomTemp))
	assert.ErrorIs(t, f.sched.Add(roomTemp), ErrAlreadyScheduled)
	assert.ErrorIs(t, f.sched.Add(manual), ErrManualPoint)
	assert.ErrorIs(t, f.sched.Add(local), ErrLocalPoint)
	assert.ErrorIs(t, f.sched.Add(setpoint), point.ErrPointNotFound)

	st, err := f.sched.Status(roomTemp)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, st.State)

	_, err = f.sched.Status(manual)
	assert.ErrorIs(t, err, ErrNotScheduled)
}

func TestPoll_TracksDeviceValue(t *testing.T) {
	f := newFixture(t)
	f.dev.set(roomTemp.Object, bacnet.Real(21.5))
	f.declare(t, point.Spec{Key: roomTemp, PollInterval: 20 * time.Millisecond})
	require.NoError(t, f.sched.Add(roomTemp))
	f.run(t)

	require.Eventually(t, func() bool { return f.value(t, roomTemp) == 21.5 },
		time.Second, 5*time.Millisecond)

	f.dev.set(roomTemp.Object, bacnet.Real(21.7))
	require.Eventually(t, func() bool {
		v := f.value(t, roomTemp)
		return v > 21.69 && v < 21.71
	}, time.Second, 5*time.Millisecond)

	p, err := f.model.Get(roomTemp)
	require.NoError(t, err)
	assert.Equal(t, point.Reliable, p.Reliability)

	st, err := f.sched.Status(roomTemp)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Polls, uint64(2))
	assert.Zero(t, st.Failures)
}

func TestPoll_FailureKeepsLastValue(t *testing.T) {
	f := newFixture(t)
	f.dev.set(roomTemp.Object, bacnet.Real(21.5))
	f.declare(t, point.Spec{Key: roomTemp, PollInterval: 20 * time.Millisecond})
	require.NoError(t, f.sched.Add(roomTemp))
	f.run(t)

	require.Eventually(t, func() bool { return f.value(t, roomTemp) == 21.5 },
		time.Second, 5*time.Millisecond)

	f.dev.failReads(multiplexer.ErrTimeout)
	require.Eventually(t, func() bool {
		p, err := f.model.Get(roomTemp)
		return err == nil && p.Reliability == point.Unreliable
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 21.5, f.value(t, roomTemp), 0.001)

	// Failures keep the normal cadence.
	require.Eventually(t, func() bool {
		st, err := f.sched.Status(roomTemp)
		return err == nil && st.Consecutive >= 2
	}, time.Second, 5*time.Millisecond)

	f.dev.failReads(nil)
	require.Eventually(t, func() bool {
		p, err := f.model.Get(roomTemp)
		return err == nil && p.Reliability == point.Reliable
	}, time.Second, 5*time.Millisecond)
}

func TestPoll_VirtualPoint(t *testing.T) {
	f := newFixture(t)
	key := point.PresentValue(testDevice, bacnet.NewObjectID(bacnet.ObjectAnalogValue, 90))
	var computed atomic.Int64
	_, err := f.model.DeclareVirtual(point.Spec{Key: key, PollInterval: 20 * time.Millisecond},
		func(context.Context) (bacnet.Value, error) {
			return bacnet.Real(float32(computed.Add(1))), nil
		})
	require.NoError(t, err)
	require.NoError(t, f.sched.Add(key))
	f.run(t)

	require.Eventually(t, func() bool { return f.value(t, key) >= 3 },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, f.dev.subscriptions())

	assert.ErrorIs(t, f.sched.Subscribe(key, 0), point.ErrInvalidVirtual)
}

func TestSubscribe_CreatesAndRenewsLease(t *testing.T) {
	f := newFixture(t)
	f.declare(t, point.Spec{Key: setpoint, Mode: point.ModeSubscribed, COVLifetime: 100 * time.Millisecond})
	require.NoError(t, f.sched.Add(setpoint))
	f.run(t)

	require.Eventually(t, func() bool { return len(f.sched.Leases()) == 1 },
		time.Second, 5*time.Millisecond)
	lease := f.sched.Leases()[0]
	assert.Equal(t, setpoint, lease.Key)
	assert.Equal(t, DefaultProcessIDBase, lease.ProcessID)
	assert.True(t, lease.RenewAt.Before(lease.Deadline))

	// Renewal happens at 80% of the lifetime, well before the deadline.
	require.Eventually(t, func() bool { return len(f.dev.subscriptions()) >= 3 },
		time.Second, 5*time.Millisecond)
	for _, req := range f.dev.subscriptions() {
		assert.Equal(t, lease.ProcessID, req.ProcessID)
		assert.Equal(t, setpoint.Object, req.Object)
		assert.Equal(t, uint32(1), req.Lifetime)
		assert.False(t, req.Cancel)
	}

	st, err := f.sched.Status(setpoint)
	require.NoError(t, err)
	assert.Equal(t, StateSubscribed, st.State)
	assert.Zero(t, f.sched.Stats().Expired)
}

func TestSubscribe_FailureFallsBackToPolling(t *testing.T) {
	f := newFixture(t)
	f.dev.subErr = &bacnet.ServiceError{
		Service: uint8(bacnet.ServiceSubscribeCOV),
		Class:   bacnet.ErrorClassServices,
		Code:    bacnet.ErrorCodeServiceRequestDenied,
	}
	f.dev.set(setpoint.Object, bacnet.Real(19))
	f.declare(t, point.Spec{
		Key:          setpoint,
		Mode:         point.ModeSubscribed,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, f.sched.Add(setpoint))
	f.run(t)

	require.Eventually(t, func() bool { return f.value(t, setpoint) == 19 },
		time.Second, 5*time.Millisecond)

	p, err := f.model.Get(setpoint)
	require.NoError(t, err)
	assert.Equal(t, point.ModePolled, p.Mode)
	assert.Empty(t, f.sched.Leases())
}

func TestLeaseExpiry_RevertsToPolling(t *testing.T) {
	f := newFixture(t)
	f.dev.blockRenewals = true
	f.dev.set(setpoint.Object, bacnet.Real(22))
	f.declare(t, point.Spec{
		Key:          setpoint,
		Mode:         point.ModeSubscribed,
		PollInterval: 20 * time.Millisecond,
		COVLifetime:  60 * time.Millisecond,
	})
	require.NoError(t, f.sched.Add(setpoint))
	f.run(t)

	require.Eventually(t, func() bool { return f.sched.Stats().Expired == 1 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.value(t, setpoint) == 22 },
		time.Second, 5*time.Millisecond)

	p, err := f.model.Get(setpoint)
	require.NoError(t, err)
	assert.Equal(t, point.ModePolled, p.Mode)
	assert.Empty(t, f.sched.Leases())

	st, err := f.sched.Status(setpoint)
	require.NoError(t, err)
	assert.Equal(t, point.ModePolled, st.Mode)
	assert.Equal(t, ErrStaleSubscription.Error(), st.LastError)
}

func TestHandleCOVNotification(t *testing.T) {
	f := newFixture(t)
	f.declare(t, point.Spec{Key: setpoint, Mode: point.ModeSubscribed, COVLifetime: time.Minute})
	f.declare(t, point.Spec{Key: setpoint.With(bacnet.PropStatusFlags), Mode: point.ModeManual})
	require.NoError(t, f.sched.Add(setpoint))
	f.run(t)

	require.Eventually(t, func() bool { return len(f.sched.Leases()) == 1 },
		time.Second, 5*time.Millisecond)
	pid := f.sched.Leases()[0].ProcessID

	notif := bacnet.COVNotification{
		ProcessID: pid,
		Device:    bacnet.NewObjectID(bacnet.ObjectDevice, testDevice),
		Object:    setpoint.Object,
		Values: []bacnet.PropertyValue{
			{Property: bacnet.PropPresentValue, Value: bacnet.Real(23.5)},
			{Property: bacnet.PropStatusFlags, Value: bacnet.StatusFlags{}.BitString()},
		},
	}
	assert.Equal(t, 2, f.sched.HandleCOVNotification(notif))
	assert.InDelta(t, 23.5, f.value(t, setpoint), 0.001)
	assert.False(t, f.sched.Leases()[0].LastNotification.IsZero())

	t.Run("unknown process id", func(t *testing.T) {
		n := notif
		n.ProcessID = pid + 100
		assert.Zero(t, f.sched.HandleCOVNotification(n))
	})

	t.Run("object mismatch", func(t *testing.T) {
		n := notif
		n.Object = roomTemp.Object
		assert.Zero(t, f.sched.HandleCOVNotification(n))
	})
}

func TestRemove_DiscardsInFlightResult(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dev.readGate = gate
	f.dev.set(roomTemp.Object, bacnet.Real(21.5))
	f.declare(t, point.Spec{Key: roomTemp, PollInterval: 20 * time.Millisecond})
	require.NoError(t, f.sched.Add(roomTemp))
	f.run(t)

	require.Eventually(t, func() bool { return f.sched.Stats().InFlight == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.sched.Remove(roomTemp))
	close(gate)

	// The poll that was in flight must not reschedule the point.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.sched.Stats().Points)
	assert.ErrorIs(t, f.sched.Remove(roomTemp), ErrNotScheduled)

	p, err := f.model.Get(roomTemp)
	require.NoError(t, err)
	assert.True(t, p.Value.IsNull())
}

func TestRemoveDevice(t *testing.T) {
	f := newFixture(t)
	other := point.PresentValue(2002, bacnet.NewObjectID(bacnet.ObjectAnalogInput, 1))
	for _, k := range []point.Key{roomTemp, setpoint, other} {
		f.declare(t, point.Spec{Key: k, PollInterval: time.Hour})
		require.NoError(t, f.sched.Add(k))
	}

	assert.Equal(t, 2, f.sched.RemoveDevice(testDevice))
	assert.Equal(t, 0, f.sched.RemoveDevice(testDevice))

	list := f.sched.List()
	require.Len(t, list, 1)
	assert.Equal(t, other, list[0].Key)
}

func TestUnsubscribe_CancelsOnDevice(t *testing.T) {
	f := newFixture(t)
	f.declare(t, point.Spec{Key: setpoint, PollInterval: time.Hour})
	require.NoError(t, f.sched.Add(setpoint))
	f.run(t)

	require.NoError(t, f.sched.Subscribe(setpoint, 30*time.Second))
	require.Eventually(t, func() bool { return len(f.sched.Leases()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 30*time.Second, f.sched.Leases()[0].Lifetime)

	p, err := f.model.Get(setpoint)
	require.NoError(t, err)
	assert.Equal(t, point.ModeSubscribed, p.Mode)

	require.NoError(t, f.sched.Unsubscribe(setpoint))
	assert.Empty(t, f.sched.Leases())

	require.Eventually(t, func() bool {
		subs := f.dev.subscriptions()
		return len(subs) > 0 && subs[len(subs)-1].Cancel
	}, time.Second, 5*time.Millisecond)

	p, err = f.model.Get(setpoint)
	require.NoError(t, err)
	assert.Equal(t, point.ModePolled, p.Mode)
}

func TestExpectValue(t *testing.T) {
	f := newFixture(t)
	f.dev.set(setpoint.Object, bacnet.Real(21))
	f.declare(t, point.Spec{Key: setpoint, Mode: point.ModeManual})
	ctx := context.Background()

	require.NoError(t, f.sched.ExpectValue(ctx, setpoint, bacnet.Real(21), time.Millisecond))

	err := f.sched.ExpectValue(ctx, setpoint, bacnet.Real(22), 0)
	assert.ErrorIs(t, err, ErrMismatch)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = f.sched.ExpectValue(cancelled, setpoint, bacnet.Real(21), time.Second)
	assert.ErrorIs(t, err, multiplexer.ErrCancelled)
}

// autoAnswerSender answers every ReadProperty after a short delay and
// records the peak number of requests outstanding at once.
type autoAnswerSender struct {
	mux      *multiplexer.Multiplexer
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *autoAnswerSender) SendUnicast(_ context.Context, addr string, frame []byte) error {
	f, err := bacnet.DecodeFrame(frame)
	if err != nil {
		return err
	}
	apdu, err := bacnet.DecodeAPDU(f.APDU)
	if err != nil {
		return err
	}
	req, err := bacnet.DecodeReadPropertyRequest(apdu.Payload)
	if err != nil {
		return err
	}

	n := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		payload := bacnet.ReadPropertyAck{
			Object:   req.Object,
			Property: req.Property,
			Value:    bacnet.Real(float32(req.Object.Instance)),
		}.EncodePayload()
		ack := bacnet.ComplexAckAPDU(apdu.InvokeID, bacnet.ServiceReadProperty, payload)
		s.inFlight.Add(-1)
		s.mux.HandleAPDU(addr, &ack)
	}()
	return nil
}

func TestScheduler_RespectsDeviceCeiling(t *testing.T) {
	sender := &autoAnswerSender{}
	mux := multiplexer.New(sender, multiplexer.Config{
		Timeout:     time.Second,
		Retries:     1,
		BackoffBase: time.Millisecond,
		Ceiling:     2,
	})
	defer mux.Close()
	sender.mux = mux

	model := point.NewModel(mux, staticResolver{}, point.Config{})
	sched := New(model, mux, staticResolver{}, Config{})

	keys := make([]point.Key, 0, 8)
	for i := range 8 {
		k := point.PresentValue(testDevice, bacnet.NewObjectID(bacnet.ObjectAnalogInput, uint32(i+1)))
		_, err := model.Declare(point.Spec{Key: k, PollInterval: time.Hour})
		require.NoError(t, err)
		require.NoError(t, sched.Add(k))
		keys = append(keys, k)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return sched.Stats().Polls == uint64(len(keys)) },
		2*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, sender.peak.Load(), int32(2))
	for _, k := range keys {
		p, err := model.Get(k)
		require.NoError(t, err)
		v, _ := p.Value.Float()
		assert.InDelta(t, float64(k.Object.Instance), v, 0.001, k.String())
	}
}
