package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
)

// recordingTransport keeps every frame it is asked to send.
type recordingTransport struct {
	mu         sync.Mutex
	broadcasts [][]byte
	unicasts   map[string][][]byte
}

func (r *recordingTransport) SendBroadcast(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, frame)
	return nil
}

func (r *recordingTransport) SendUnicast(_ context.Context, addr string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unicasts == nil {
		r.unicasts = make(map[string][][]byte)
	}
	r.unicasts[addr] = append(r.unicasts[addr], frame)
	return nil
}

func decodeTimeSyncFrame(t *testing.T, frame []byte) (bacnet.UnconfirmedService, time.Time) {
	t.Helper()
	f, err := bacnet.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	apdu, err := bacnet.DecodeAPDU(f.APDU)
	if err != nil {
		t.Fatalf("DecodeAPDU() error = %v", err)
	}
	ts, err := bacnet.DecodeTimeSync(apdu.Payload, time.UTC)
	if err != nil {
		t.Fatalf("DecodeTimeSync() error = %v", err)
	}
	return bacnet.UnconfirmedService(apdu.Service), ts
}

func TestRegistry_SyncTime(t *testing.T) {
	reg := NewRegistry(NewMockRepository())
	ctx := context.Background()

	if err := reg.SyncTime(ctx, 0, true, time.Time{}, false); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("SyncTime() without transport error = %v, want ErrNoTransport", err)
	}

	tr := &recordingTransport{}
	reg.SetTransport(tr)
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	if err := reg.SyncTime(ctx, 0, true, at, true); err != nil {
		t.Fatalf("SyncTime(broadcast) error = %v", err)
	}
	if len(tr.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(tr.broadcasts))
	}
	svc, got := decodeTimeSyncFrame(t, tr.broadcasts[0])
	if svc != bacnet.ServiceUTCTimeSynchronization {
		t.Errorf("service = %d, want UTC time synchronization", svc)
	}
	if !got.Equal(at) {
		t.Errorf("time = %v, want %v", got, at)
	}

	if err := reg.SyncTime(ctx, 100, false, at, false); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SyncTime(unknown device) error = %v, want ErrDeviceNotFound", err)
	}

	if err := reg.Upsert(ctx, testDevice(100, "10.0.0.9:47808")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := reg.SyncTime(ctx, 100, false, at, false); err != nil {
		t.Fatalf("SyncTime(unicast) error = %v", err)
	}
	frames := tr.unicasts["10.0.0.9:47808"]
	if len(frames) != 1 {
		t.Fatalf("unicasts to device = %d, want 1", len(frames))
	}
	if svc, _ := decodeTimeSyncFrame(t, frames[0]); svc != bacnet.ServiceTimeSynchronization {
		t.Errorf("service = %d, want time synchronization", svc)
	}
}

func TestRegistry_Reinitialize(t *testing.T) {
	reg, _, _ := testRegistry()
	ctx := context.Background()

	if err := reg.Reinitialize(ctx, 100, bacnet.ReinitWarmStart, ""); !errors.Is(err, ErrNoRequester) {
		t.Fatalf("Reinitialize() without requester error = %v, want ErrNoRequester", err)
	}

	var got bacnet.ReinitializeDeviceRequest
	req := &MockRequester{handler: func(r bacnet.ConfirmedRequest) (*bacnet.APDU, error) {
		rr, ok := r.(bacnet.ReinitializeDeviceRequest)
		if !ok {
			t.Fatalf("unexpected request %T", r)
		}
		got = rr
		if rr.Password != "s3cret" {
			return nil, &bacnet.ServiceError{Class: bacnet.ErrorClassSecurity, Code: bacnet.ErrorCodePasswordFailure}
		}
		ack := bacnet.SimpleAckAPDU(1, bacnet.ServiceReinitializeDevice)
		return &ack, nil
	}}
	reg.SetRequester(req)

	if err := reg.Reinitialize(ctx, 100, bacnet.ReinitWarmStart, "s3cret"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Reinitialize(unknown) error = %v, want ErrDeviceNotFound", err)
	}
	if err := reg.Upsert(ctx, testDevice(100, "10.0.0.9:47808")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := reg.Reinitialize(ctx, 100, bacnet.ReinitColdStart, "s3cret"); err != nil {
		t.Fatalf("Reinitialize() error = %v", err)
	}
	if got.State != bacnet.ReinitColdStart || got.Password != "s3cret" {
		t.Errorf("request = %+v", got)
	}

	err := reg.Reinitialize(ctx, 100, bacnet.ReinitWarmStart, "wrong")
	var se *bacnet.ServiceError
	if !errors.As(err, &se) || se.Code != bacnet.ErrorCodePasswordFailure {
		t.Errorf("Reinitialize(wrong password) error = %v, want password failure", err)
	}

	unreachable := multiplexer.ErrDeviceUnreachable
	req.handler = func(bacnet.ConfirmedRequest) (*bacnet.APDU, error) { return nil, unreachable }
	if err := reg.Reinitialize(ctx, 100, bacnet.ReinitWarmStart, "s3cret"); !errors.Is(err, unreachable) {
		t.Errorf("Reinitialize() error = %v, want ErrDeviceUnreachable", err)
	}
}
