package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// MockHolderNetwork answers each Who-Has with I-Have from the devices
// that hold the requested object.
type MockHolderNetwork struct {
	mu       sync.Mutex
	registry *Registry
	holders  []Holder
	sent     []bacnet.WhoHas
	unicasts []string
}

func (m *MockHolderNetwork) SendBroadcast(_ context.Context, frame []byte) error {
	return m.answer(frame, "")
}

func (m *MockHolderNetwork) SendUnicast(_ context.Context, addr string, frame []byte) error {
	m.mu.Lock()
	m.unicasts = append(m.unicasts, addr)
	m.mu.Unlock()
	return m.answer(frame, addr)
}

func (m *MockHolderNetwork) answer(frame []byte, only string) error {
	f, err := bacnet.DecodeFrame(frame)
	if err != nil {
		return err
	}
	apdu, err := bacnet.DecodeAPDU(f.APDU)
	if err != nil {
		return err
	}
	w, err := bacnet.DecodeWhoHas(apdu.Payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, w)
	holders := append([]Holder(nil), m.holders...)
	m.mu.Unlock()

	go func() {
		for _, h := range holders {
			if only != "" && h.Address != only {
				continue
			}
			if !w.Matches(h.Device) {
				continue
			}
			if (w.ByName && h.Name != w.Name) || (!w.ByName && h.Object != w.Object) {
				continue
			}
			ih := bacnet.IHave{
				Device: bacnet.NewObjectID(bacnet.ObjectDevice, h.Device),
				Object: h.Object,
				Name:   h.Name,
			}
			m.registry.HandleIHave(h.Address, ih)
			m.registry.HandleIHave(h.Address, ih)
		}
	}()
	return nil
}

func testHolderNetwork(holders ...Holder) (*Registry, *MockHolderNetwork) {
	reg := NewRegistry(NewMockRepository())
	reg.SetDiscoveryWindow(60 * time.Millisecond)
	network := &MockHolderNetwork{registry: reg, holders: holders}
	reg.SetTransport(network)
	return reg, network
}

var (
	zoneTemp = bacnet.NewObjectID(bacnet.ObjectAnalogInput, 1)
	fanCmd   = bacnet.NewObjectID(bacnet.ObjectBinaryOutput, 3)
)

func TestFindObject_ByName(t *testing.T) {
	reg, _ := testHolderNetwork(
		Holder{Device: 300, Address: "192.168.1.12:47808", Object: zoneTemp, Name: "Zone Temp"},
		Holder{Device: 100, Address: "192.168.1.10:47808", Object: zoneTemp, Name: "Zone Temp"},
		Holder{Device: 200, Address: "192.168.1.11:47808", Object: fanCmd, Name: "Fan Cmd"},
	)

	got, err := reg.FindObject(context.Background(), ObjectQuery{Name: "Zone Temp"})
	if err != nil {
		t.Fatalf("FindObject() error = %v", err)
	}
	want := []Holder{
		{Device: 100, Address: "192.168.1.10:47808", Object: zoneTemp, Name: "Zone Temp"},
		{Device: 300, Address: "192.168.1.12:47808", Object: zoneTemp, Name: "Zone Temp"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("holders mismatch (-want +got):\n%s", diff)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, holders should not be registered", reg.Count())
	}
}

func TestFindObject_ByIDWithinRange(t *testing.T) {
	reg, network := testHolderNetwork(
		Holder{Device: 100, Address: "192.168.1.10:47808", Object: fanCmd, Name: "Fan Cmd"},
		Holder{Device: 200, Address: "192.168.1.11:47808", Object: fanCmd, Name: "AHU Fan"},
	)

	got, err := reg.FindObject(context.Background(), ObjectQuery{
		Scope:  Scope{Low: 150, High: 250},
		Object: fanCmd,
	})
	if err != nil {
		t.Fatalf("FindObject() error = %v", err)
	}
	if len(got) != 1 || got[0].Device != 200 || got[0].Name != "AHU Fan" {
		t.Errorf("FindObject() = %+v, want device 200 only", got)
	}

	network.mu.Lock()
	sent := network.sent[0]
	network.mu.Unlock()
	if !sent.HasRange || sent.Low != 150 || sent.High != 250 || sent.ByName || sent.Object != fanCmd {
		t.Errorf("Who-Has sent = %+v", sent)
	}
}

func TestFindObject_Directed(t *testing.T) {
	reg, network := testHolderNetwork(
		Holder{Device: 100, Address: "192.168.1.10:47808", Object: zoneTemp, Name: "Zone Temp"},
		Holder{Device: 200, Address: "192.168.1.11:47808", Object: zoneTemp, Name: "Zone Temp"},
	)

	got, err := reg.FindObject(context.Background(), ObjectQuery{
		Scope:  Scope{Address: "192.168.1.11:47808"},
		Object: zoneTemp,
	})
	if err != nil {
		t.Fatalf("FindObject() error = %v", err)
	}
	if len(got) != 1 || got[0].Device != 200 {
		t.Errorf("FindObject() = %+v, want device 200 only", got)
	}
	if diff := cmp.Diff([]string{"192.168.1.11:47808"}, network.unicasts); diff != "" {
		t.Errorf("unicasts mismatch (-want +got):\n%s", diff)
	}
}

func TestFindObject_Errors(t *testing.T) {
	reg, _ := testHolderNetwork()

	tests := []struct {
		name  string
		query ObjectQuery
		want  error
	}{
		{"inverted range", ObjectQuery{Scope: Scope{Low: 10, High: 5}, Name: "x"}, ErrInvalidScope},
		{"object instance out of range", ObjectQuery{Object: bacnet.NewObjectID(bacnet.ObjectAnalogInput, bacnet.MaxInstance+1)}, ErrInvalidScope},
		{"bad address", ObjectQuery{Scope: Scope{Address: "nowhere"}, Name: "x"}, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.FindObject(context.Background(), tt.query); !errors.Is(err, tt.want) {
				t.Errorf("FindObject() error = %v, want %v", err, tt.want)
			}
		})
	}

	bare := NewRegistry(NewMockRepository())
	if _, err := bare.FindObject(context.Background(), ObjectQuery{Name: "x"}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("FindObject() without transport error = %v, want ErrNoTransport", err)
	}
}

func TestHandleIHave_Unsolicited(t *testing.T) {
	reg, _ := testHolderNetwork()

	// No search is active, so nothing is recorded or blocked.
	reg.HandleIHave("192.168.1.10:47808", bacnet.IHave{
		Device: bacnet.NewObjectID(bacnet.ObjectDevice, 100),
		Object: zoneTemp,
		Name:   "Zone Temp",
	})
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}
