package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
)

// fakeWriter records points instead of sending them.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.points))
	for i, p := range w.points {
		out[i] = write.PointToLineProtocol(p, time.Second)
	}
	return out
}

func newFakeClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writeAPI: w, connected: true}, w
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:59999", Org: "o", Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_WritesThroughHTTP(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/write") {
			data, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			mu.Lock()
			body.Write(data)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled: true, URL: srv.URL, Token: "t", Org: "graylogic", Bucket: "bacnet",
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WritePointSample(100, "analogInput:1", "presentValue", 21.5, true, time.Unix(1700000000, 0))
	client.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := body.String()
		mu.Unlock()
		if strings.Contains(got, "bacnet_point") {
			if !strings.Contains(got, "device=100") || !strings.Contains(got, "value=21.5") {
				t.Errorf("unexpected line protocol: %s", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no write reached the server")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWritePointSample(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		value any
		want  []string
	}{
		{name: "real", value: 21.5, want: []string{"value=21.5", "reliable=true"}},
		{name: "unsigned", value: uint64(3), want: []string{"value=3"}},
		{name: "boolean", value: true, want: []string{"value=1"}},
		{name: "text", value: "occupied", want: []string{`text="occupied"`}},
		{name: "null", value: nil, want: []string{"reliable=true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, w := newFakeClient()
			client.WritePointSample(100, "analogInput:1", "presentValue", tt.value, true, ts)

			lines := w.lines()
			if len(lines) != 1 {
				t.Fatalf("wrote %d points, want 1", len(lines))
			}
			line := lines[0]
			if !strings.HasPrefix(line, "bacnet_point,device=100,object=analogInput:1,property=presentValue ") {
				t.Errorf("line = %q", line)
			}
			for _, frag := range tt.want {
				if !strings.Contains(line, frag) {
					t.Errorf("line %q missing %q", line, frag)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(line), " 1700000000") {
				t.Errorf("line %q missing timestamp", line)
			}
		})
	}
}

func TestWriteReachability(t *testing.T) {
	client, w := newFakeClient()
	client.WriteReachability(7, "unreachable", time.Unix(1700000000, 0))

	lines := w.lines()
	if len(lines) != 1 {
		t.Fatalf("wrote %d points, want 1", len(lines))
	}
	for _, frag := range []string{"bacnet_reachability,device=7", "online=false", `state="unreachable"`} {
		if !strings.Contains(lines[0], frag) {
			t.Errorf("line %q missing %q", lines[0], frag)
		}
	}
}

func TestWrites_NoopWhenDisconnected(t *testing.T) {
	client, w := newFakeClient()
	client.connected = false

	client.WritePointSample(1, "av:1", "pv", 1.0, true, time.Now())
	client.WriteReachability(1, "online", time.Now())
	client.Flush()

	if len(w.lines()) != 0 || w.flushes != 0 {
		t.Error("disconnected client must not write or flush")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClose_Nil(t *testing.T) {
	var client *Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}

	fake, w := newFakeClient()
	if err := fake.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("Close() flushes = %d, want 1", w.flushes)
	}
}

func TestHandleWriteErrors(t *testing.T) {
	client, _ := newFakeClient()
	got := make(chan error, 1)
	client.SetOnError(func(err error) { got <- err })

	ch := make(chan error, 1)
	ch <- errors.New("bucket not found")
	close(ch)
	client.handleWriteErrors(ch)

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}
