package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-bacnet/internal/auth"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

var (
	ahu       = device.Device{Instance: 1001, Address: "10.0.0.5:47808", Reachability: device.ReachabilityOnline}
	setpoint  = point.PresentValue(1001, bacnet.ObjectID{Type: bacnet.ObjectAnalogValue, Instance: 3})
	spKeyPath = "/api/v1/points/" + setpoint.String()
)

// fixture bundles a server with its fakes.
type fixture struct {
	srv     *Server
	handler http.Handler
	devices *MockDevices
	points  *MockPoints
	sched   *MockScheduler
	history *MockHistory
	audit   *MockAudit
}

// testServer creates a Server backed by in-memory fakes.
func testServer(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		devices: NewMockDevices(ahu),
		points:  NewMockPoints(),
		sched:   NewMockScheduler(),
		history: &MockHistory{},
		audit:   &MockAudit{},
	}
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:    logging.Discard(),
		Devices:   f.devices,
		Points:    f.points,
		Scheduler: f.sched,
		History:   f.history,
		Audit:     f.audit,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.srv = srv
	f.handler = srv.Handler()
	return f
}

// token mints a bearer token for role.
func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("test-"+string(role), role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

// do runs a request through the router. An empty role sends no token.
func (f *fixture) do(t *testing.T, method, path string, role auth.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// declare adds a point straight to the fakes.
func (f *fixture) declare(t *testing.T, key point.Key) {
	t.Helper()
	if _, err := f.points.Declare(point.Spec{Key: key}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := f.sched.Add(key); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, rec)["code"].(string)
	return code
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Discard()
	tests := []struct {
		name string
		deps Deps
	}{
		{"logger", Deps{Devices: NewMockDevices(), Points: NewMockPoints(), Scheduler: NewMockScheduler()}},
		{"devices", Deps{Logger: log, Points: NewMockPoints(), Scheduler: NewMockScheduler()}},
		{"points", Deps{Logger: log, Devices: NewMockDevices(), Scheduler: NewMockScheduler()}},
		{"scheduler", Deps{Logger: log, Devices: NewMockDevices(), Points: NewMockPoints()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Errorf("New() without %s should fail", tt.name)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if body["devices"] != float64(1) {
		t.Errorf("devices = %v, want 1", body["devices"])
	}
	if _, ok := body["bridge"]; ok {
		t.Error("bridge should be absent without a Health func")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestHealth_IncludesBridge(t *testing.T) {
	f := testServer(t)
	f.srv.health = func() any { return map[string]string{"status": "healthy"} }

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/health", "", ""))
	bridge, ok := body["bridge"].(map[string]any)
	if !ok || bridge["status"] != "healthy" {
		t.Errorf("bridge = %v", body["bridge"])
	}
}

func TestRequestID_Echoed(t *testing.T) {
	f := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

func TestCORS(t *testing.T) {
	f := testServer(t)
	f.srv.cfg.CORS.AllowedOrigins = []string{"https://panel.local"}
	handler := f.srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/points", nil)
	req.Header.Set("Origin", "https://panel.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://panel.local" {
		t.Error("allowed origin not echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin should get no CORS headers")
	}
}

func TestDevices_ListAndGet(t *testing.T) {
	f := testServer(t)

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/devices", "", ""))
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}

	rec := f.do(t, http.MethodGet, "/api/v1/devices/1001", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET device status = %d", rec.Code)
	}
	if got := decode(t, rec)["address"]; got != "10.0.0.5:47808" {
		t.Errorf("address = %v", got)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/devices/2002", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/devices/abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad instance status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/devices/4194303", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("wildcard instance status = %d, want 400", rec.Code)
	}

	body = decode(t, f.do(t, http.MethodGet, "/api/v1/devices/1001/reachability", "", ""))
	if body["reachability"] != string(device.ReachabilityOnline) {
		t.Errorf("reachability = %v", body["reachability"])
	}
}

func TestAuth_MutatingRoutes(t *testing.T) {
	f := testServer(t)

	if rec := f.do(t, http.MethodDelete, "/api/v1/devices/1001", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/1001", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	wrong, err := auth.GenerateAccessToken("x", auth.RoleAdmin, "some-other-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/devices/1001", nil)
	req.Header.Set("Authorization", "Bearer "+wrong)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign token status = %d, want 401", rec.Code)
	}

	for _, role := range []auth.Role{auth.RoleViewer, auth.RoleOperator} {
		rec := f.do(t, http.MethodDelete, "/api/v1/devices/1001", role, "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s status = %d, want 403", role, rec.Code)
		}
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/devices/1001", auth.RoleAdmin, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("admin status = %d, want 204", rec.Code)
	}
	if len(f.devices.evicted) != 1 || f.devices.evicted[0] != 1001 {
		t.Errorf("evicted = %v", f.devices.evicted)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/devices/1001", auth.RoleAdmin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second evict status = %d, want 404", rec.Code)
	}
}

func TestDevices_ReadObjectList(t *testing.T) {
	f := testServer(t)
	f.devices.objects = []bacnet.ObjectID{
		{Type: bacnet.ObjectDevice, Instance: 1001},
		{Type: bacnet.ObjectAnalogInput, Instance: 1},
	}

	rec := f.do(t, http.MethodPost, "/api/v1/devices/1001/objects", auth.RoleAdmin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	objects, _ := body["objects"].([]any)
	if len(objects) != 2 || objects[1] != "analogInput:1" {
		t.Errorf("objects = %v", body["objects"])
	}

	f.devices.err = fmt.Errorf("read: %w", multiplexer.ErrTimeout)
	rec = f.do(t, http.MethodPost, "/api/v1/devices/1001/objects", auth.RoleAdmin, "")
	if rec.Code != http.StatusGatewayTimeout || errorCode(t, rec) != ErrCodeTimeout {
		t.Errorf("timeout status = %d", rec.Code)
	}
}

func TestDevices_Reinitialize(t *testing.T) {
	f := testServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices/1001/reinitialize", auth.RoleAdmin, `{"state":"warmstart","password":"s3cret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.devices.reinits) != 1 {
		t.Fatalf("reinits = %d, want 1", len(f.devices.reinits))
	}
	got := f.devices.reinits[0]
	if got.Instance != 1001 || got.State != bacnet.ReinitWarmStart || got.Password != "s3cret" {
		t.Errorf("reinit = %+v", got)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/devices/1001/reinitialize", auth.RoleAdmin, `{"state":"reboot"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad state status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/devices/1001/reinitialize", auth.RoleAdmin, `{`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", rec.Code)
	}
}

func TestDiscover(t *testing.T) {
	f := testServer(t)
	f.devices.found = []*device.Device{{Instance: 1001}, {Instance: 1002}}

	rec := f.do(t, http.MethodPost, "/api/v1/discover", auth.RoleAdmin, `{"low":1000,"high":1999,"window_ms":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if body := decode(t, rec); body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	want := device.Scope{Low: 1000, High: 1999, Window: 500 * time.Millisecond}
	if f.devices.scope != want {
		t.Errorf("scope = %+v, want %+v", f.devices.scope, want)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/discover", auth.RoleAdmin, `{"window_ms":60000}`); rec.Code != http.StatusBadRequest {
		t.Errorf("long window status = %d, want 400", rec.Code)
	}

	f.devices.found = nil
	rec = f.do(t, http.MethodPost, "/api/v1/discover", auth.RoleAdmin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty body status = %d", rec.Code)
	}
	devices, ok := decode(t, rec)["devices"].([]any)
	if !ok || len(devices) != 0 {
		t.Error("no answers should give an empty list, not null")
	}

	f.devices.err = fmt.Errorf("%w: low above high", device.ErrInvalidScope)
	if rec := f.do(t, http.MethodPost, "/api/v1/discover", auth.RoleAdmin, `{"low":5,"high":1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid scope status = %d, want 400", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/discover", auth.RoleOperator, ""); rec.Code != http.StatusForbidden {
		t.Errorf("operator discover status = %d, want 403", rec.Code)
	}
}

func TestFindObject(t *testing.T) {
	f := testServer(t)
	zoneTemp := bacnet.NewObjectID(bacnet.ObjectAnalogInput, 1)
	f.devices.holders = []device.Holder{{Device: 1001, Address: "192.168.1.50:47808", Object: zoneTemp, Name: "Zone Temp"}}

	rec := f.do(t, http.MethodPost, "/api/v1/find-object", auth.RoleAdmin, `{"name":"Zone Temp","window_ms":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if body := decode(t, rec); body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	want := device.ObjectQuery{Scope: device.Scope{Window: 500 * time.Millisecond}, Name: "Zone Temp"}
	if f.devices.query != want {
		t.Errorf("query = %+v, want %+v", f.devices.query, want)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/find-object", auth.RoleAdmin, `{"object":"analog-input:1","low":1000,"high":1999}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("by object status = %d: %s", rec.Code, rec.Body)
	}
	want = device.ObjectQuery{Scope: device.Scope{Low: 1000, High: 1999}, Object: zoneTemp}
	if f.devices.query != want {
		t.Errorf("query = %+v, want %+v", f.devices.query, want)
	}

	for _, body := range []string{`{}`, `{"name":"x","object":"analog-input:1"}`, `{"object":"nonsense"}`, `{"name":"x","window_ms":60000}`, `{`} {
		if rec := f.do(t, http.MethodPost, "/api/v1/find-object", auth.RoleAdmin, body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s status = %d, want 400", body, rec.Code)
		}
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/find-object", auth.RoleOperator, `{"name":"x"}`); rec.Code != http.StatusForbidden {
		t.Errorf("operator find-object status = %d, want 403", rec.Code)
	}
}

func TestTimeSync(t *testing.T) {
	f := testServer(t)

	if rec := f.do(t, http.MethodPost, "/api/v1/timesync", auth.RoleAdmin, `{"destination":"broadcast","utc":true}`); rec.Code != http.StatusOK {
		t.Fatalf("broadcast status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/timesync", auth.RoleAdmin, `{"destination":"1001"}`); rec.Code != http.StatusOK {
		t.Fatalf("unicast status = %d", rec.Code)
	}
	want := []mockSync{
		{Instance: 0, Broadcast: true, UTC: true},
		{Instance: 1001, Broadcast: false, UTC: false},
	}
	if len(f.devices.syncs) != 2 || f.devices.syncs[0] != want[0] || f.devices.syncs[1] != want[1] {
		t.Errorf("syncs = %+v, want %+v", f.devices.syncs, want)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/timesync", auth.RoleAdmin, `{"destination":"everyone"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad destination status = %d, want 400", rec.Code)
	}
}

func TestPoints_Declare(t *testing.T) {
	f := testServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/points", auth.RoleAdmin,
		`{"key":"1001:analogInput:1","mode":"polled","poll_interval_s":10,"units":"degC","history":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	key := point.PresentValue(1001, bacnet.ObjectID{Type: bacnet.ObjectAnalogInput, Instance: 1})
	if !f.sched.scheduled(key) {
		t.Error("polled point should be scheduled")
	}
	body := decode(t, rec)
	if body["units"] != "degC" || body["history"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["schedule"]; !ok {
		t.Error("schedule status missing from response")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/points", auth.RoleAdmin, `{"key":"1001:analogInput:1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/points", auth.RoleAdmin, `{"key":"1001:analogInput:2","mode":"manual"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("manual status = %d", rec.Code)
	}
	if f.sched.scheduled(point.PresentValue(1001, bacnet.ObjectID{Type: bacnet.ObjectAnalogInput, Instance: 2})) {
		t.Error("manual point should not be scheduled")
	}
}

func TestPoints_DeclareValidation(t *testing.T) {
	f := testServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"key":`},
		{"bad key", `{"key":"thermostat"}`},
		{"bad object type", `{"key":"1001:toaster:1"}`},
		{"bad mode", `{"key":"1001:analogInput:1","mode":"sometimes"}`},
		{"negative interval", `{"key":"1001:analogInput:1","poll_interval_s":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/api/v1/points", auth.RoleAdmin, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
	if n := len(f.points.List(point.Filter{})); n != 0 {
		t.Errorf("%d points declared by invalid requests", n)
	}
}

func TestPoints_DeclareRollsBackWhenSchedulingFails(t *testing.T) {
	f := testServer(t)
	f.sched.addErr = fmt.Errorf("%w: 1001:analogInput:1", scheduler.ErrLocalPoint)

	rec := f.do(t, http.MethodPost, "/api/v1/points", auth.RoleAdmin, `{"key":"1001:analogInput:1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if n := len(f.points.List(point.Filter{})); n != 0 {
		t.Errorf("point left declared after scheduling failed (%d points)", n)
	}
}

func TestPoints_ListAndGet(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)
	other := point.PresentValue(2002, bacnet.ObjectID{Type: bacnet.ObjectBinaryValue, Instance: 1})
	if _, err := f.points.Declare(point.Spec{Key: other, Mode: point.ModeManual}); err != nil {
		t.Fatal(err)
	}

	if body := decode(t, f.do(t, http.MethodGet, "/api/v1/points", "", "")); body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	if body := decode(t, f.do(t, http.MethodGet, "/api/v1/points?device=1001", "", "")); body["count"] != float64(1) {
		t.Errorf("device filter count = %v, want 1", body["count"])
	}
	if body := decode(t, f.do(t, http.MethodGet, "/api/v1/points?mode=manual", "", "")); body["count"] != float64(1) {
		t.Errorf("mode filter count = %v, want 1", body["count"])
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/points?device=x", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad device filter status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/points?mode=often", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode filter status = %d, want 400", rec.Code)
	}

	rec := f.do(t, http.MethodGet, spKeyPath, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET point status = %d", rec.Code)
	}
	if body := decode(t, rec); body["schedule"] == nil {
		t.Error("scheduled point should include its schedule")
	}

	// Property defaults to presentValue.
	if rec := f.do(t, http.MethodGet, "/api/v1/points/1001:analogValue:3", "", ""); rec.Code != http.StatusOK {
		t.Errorf("short key status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/points/1001:analogValue:9", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown point status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/points/nonsense", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad key status = %d, want 400", rec.Code)
	}
}

func TestPoints_Write(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":22.5,"priority":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	writes := f.points.getWrites()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if !writes[0].Value.Equal(bacnet.Real(22.5)) || writes[0].Priority != 8 {
		t.Errorf("write = %+v", writes[0])
	}
	if len(f.sched.expected) != 0 {
		t.Error("ExpectValue called without verify_after_ms")
	}

	// null relinquishes
	rec = f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":null,"priority":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("relinquish status = %d", rec.Code)
	}
	if writes := f.points.getWrites(); !writes[1].Value.IsNull() {
		t.Errorf("relinquish wrote %v, want Null", writes[1].Value)
	}

	if rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleViewer, `{"value":1}`); rec.Code != http.StatusForbidden {
		t.Errorf("viewer write status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":"warm"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid value status = %d, want 400", rec.Code)
	}
}

func TestPoints_WriteErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"unreachable", fmt.Errorf("write: %w", multiplexer.ErrDeviceUnreachable), http.StatusGatewayTimeout, ErrCodeUnreachable},
		{"timeout", fmt.Errorf("write: %w", multiplexer.ErrTimeout), http.StatusGatewayTimeout, ErrCodeTimeout},
		{"protocol", fmt.Errorf("%w: write access denied", multiplexer.ErrProtocol), http.StatusBadGateway, ErrCodeProtocol},
		{"priority", fmt.Errorf("%w: 17", point.ErrInvalidPriority), http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testServer(t)
			f.declare(t, setpoint)
			f.points.err = tt.err

			rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":21,"priority":8}`)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if code := errorCode(t, rec); code != tt.wantErr {
				t.Errorf("code = %q, want %q", code, tt.wantErr)
			}
		})
	}
}

func TestPoints_WriteVerify(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":21.5,"priority":8,"verify_after_ms":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.sched.expected) != 1 || !f.sched.expected[0].Equal(bacnet.Real(21.5)) {
		t.Errorf("expected = %v", f.sched.expected)
	}

	f.sched.expectErr = fmt.Errorf("%w: is 19, expected 21.5", scheduler.ErrMismatch)
	rec = f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":21.5,"priority":8,"verify_after_ms":100}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != ErrCodeMismatch {
		t.Errorf("mismatch status = %d", rec.Code)
	}

	// relinquish is never verified
	before := len(f.sched.expected)
	f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":null,"priority":8,"verify_after_ms":100}`)
	if len(f.sched.expected) != before {
		t.Error("relinquish should not be verified")
	}

	if rec := f.do(t, http.MethodPut, spKeyPath, auth.RoleOperator, `{"value":1,"verify_after_ms":600000}`); rec.Code != http.StatusBadRequest {
		t.Errorf("long verify status = %d, want 400", rec.Code)
	}
}

func TestPoints_Read(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	if rec := f.do(t, http.MethodPost, spKeyPath+"/read", auth.RoleViewer, ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, spKeyPath+"/read", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous read status = %d, want 401", rec.Code)
	}
	f.points.err = context.DeadlineExceeded
	if rec := f.do(t, http.MethodPost, spKeyPath+"/read", auth.RoleViewer, ""); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("deadline status = %d, want 504", rec.Code)
	}
}

func TestPoints_SubscribeUnsubscribe(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	rec := f.do(t, http.MethodPost, spKeyPath+"/subscribe", auth.RoleOperator, `{"lifetime_s":120}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d: %s", rec.Code, rec.Body)
	}
	if body := decode(t, rec); body["mode"] != string(point.ModeSubscribed) {
		t.Errorf("mode = %v", body["mode"])
	}
	if got := f.sched.lifetimes[setpoint]; got != 2*time.Minute {
		t.Errorf("lifetime = %v, want 2m", got)
	}

	// Empty body takes the configured lifetime.
	if rec := f.do(t, http.MethodPost, spKeyPath+"/subscribe", auth.RoleOperator, ""); rec.Code != http.StatusOK {
		t.Errorf("default lifetime status = %d", rec.Code)
	}
	if got := f.sched.lifetimes[setpoint]; got != 0 {
		t.Errorf("lifetime = %v, want 0", got)
	}

	rec = f.do(t, http.MethodDelete, spKeyPath+"/subscribe", auth.RoleOperator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe status = %d", rec.Code)
	}
	if body := decode(t, rec); body["mode"] != string(point.ModePolled) {
		t.Errorf("mode after unsubscribe = %v", body["mode"])
	}

	other := "/api/v1/points/1001:analogValue:9/subscribe"
	if rec := f.do(t, http.MethodPost, other, auth.RoleOperator, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unscheduled subscribe status = %d, want 404", rec.Code)
	}
}

func TestPoints_SimulateRelease(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	if rec := f.do(t, http.MethodPost, spKeyPath+"/simulate", auth.RoleOperator, `{"value":30}`); rec.Code != http.StatusForbidden {
		t.Errorf("operator simulate status = %d, want 403", rec.Code)
	}

	rec := f.do(t, http.MethodPost, spKeyPath+"/simulate", auth.RoleAdmin, `{"value":30}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status = %d: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["simulated"] != true || body["value"] != float64(30) {
		t.Errorf("body = %v", body)
	}

	rec = f.do(t, http.MethodDelete, spKeyPath+"/simulate", auth.RoleAdmin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d", rec.Code)
	}
	if body := decode(t, rec); body["simulated"] == true {
		t.Error("point still simulated after release")
	}
}

func TestPoints_Remove(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)

	if rec := f.do(t, http.MethodDelete, spKeyPath, auth.RoleAdmin, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if f.sched.scheduled(setpoint) {
		t.Error("point still scheduled after removal")
	}
	if rec := f.do(t, http.MethodDelete, spKeyPath, auth.RoleAdmin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second removal status = %d, want 404", rec.Code)
	}
}

func TestPoints_History(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)
	now := time.Now().UTC()
	f.history.entries = []point.HistoryEntry{
		{ID: 3, Key: setpoint, Value: 21.7, Reliability: point.Reliable, SampledAt: now},
		{ID: 2, Key: setpoint, Value: 21.5, Reliability: point.Reliable, SampledAt: now.Add(-time.Minute)},
		{ID: 1, Key: setpoint, Value: 21.0, Reliability: point.Reliable, SampledAt: now.Add(-2 * time.Minute)},
	}

	rec := f.do(t, http.MethodGet, spKeyPath+"/history?limit=2", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(2) || f.history.limit != 2 {
		t.Errorf("count = %v, limit = %d", body["count"], f.history.limit)
	}

	f.do(t, http.MethodGet, spKeyPath+"/history", "", "")
	if f.history.limit != defaultHistoryLimit {
		t.Errorf("default limit = %d, want %d", f.history.limit, defaultHistoryLimit)
	}

	for _, q := range []string{"0", "-1", "abc", "10001"} {
		if rec := f.do(t, http.MethodGet, spKeyPath+"/history?limit="+q, "", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", q, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/points/1001:analogValue:9/history", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown point status = %d, want 404", rec.Code)
	}

	f.srv.history = nil
	if rec := f.do(t, http.MethodGet, spKeyPath+"/history", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no history status = %d, want 503", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	f := testServer(t)
	handler := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{point.ErrPointNotFound, http.StatusNotFound},
		{device.ErrDeviceNotFound, http.StatusNotFound},
		{scheduler.ErrNotScheduled, http.StatusNotFound},
		{point.ErrPointExists, http.StatusConflict},
		{scheduler.ErrAlreadyScheduled, http.StatusConflict},
		{scheduler.ErrMismatch, http.StatusConflict},
		{point.ErrReadOnly, http.StatusBadRequest},
		{scheduler.ErrManualPoint, http.StatusBadRequest},
		{bacnet.ErrInvalidValue, http.StatusBadRequest},
		{multiplexer.ErrDeviceUnreachable, http.StatusGatewayTimeout},
		{multiplexer.ErrTimeout, http.StatusGatewayTimeout},
		{multiplexer.ErrProtocol, http.StatusBadGateway},
		{multiplexer.ErrClosed, http.StatusServiceUnavailable},
		{device.ErrNoTransport, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := classifyError(fmt.Errorf("wrapped: %w", tt.err))
			if got != tt.want {
				t.Errorf("classifyError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestStartAndClose(t *testing.T) {
	f := testServer(t)
	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.srv.Close() })

	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := f.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// dialWS connects to the WebSocket endpoint of an httptest server.
func dialWS(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

// readWS reads one message with a deadline.
func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	return msg
}

func TestWebSocket_RequiresToken(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	_, resp, err := dialWS(t, ts, "")
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestWebSocket_Events(t *testing.T) {
	f := testServer(t)
	f.declare(t, setpoint)
	f.srv.relayEvents()
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn, _, err := dialWS(t, ts, "?token="+token(t, auth.RoleViewer))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelPointChanged, ChannelDeviceReachability}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp := readWS(t, conn); resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
	if n := f.srv.hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want 1", n)
	}

	p, _ := f.points.Get(setpoint)
	p.Value = bacnet.Real(21.7)
	p.UpdatedAt = time.Now()
	f.points.emit(point.Change{Point: *p, Previous: bacnet.Real(21.5), Source: point.SourcePoll})

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelPointChanged {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["key"] != setpoint.String() || payload["value"] != 21.7 || payload["source"] != "poll" {
		t.Errorf("payload = %v", payload)
	}

	f.devices.setReachability(1001, device.ReachabilityUnreachable)
	msg = readWS(t, conn)
	if msg.EventType != ChannelDeviceReachability {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ = msg.Payload.(map[string]any)
	if payload["instance"] != float64(1001) || payload["reachability"] != string(device.ReachabilityUnreachable) {
		t.Errorf("payload = %v", payload)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "2"}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, conn); resp.Type != WSTypePong || resp.ID != "2" {
		t.Errorf("ping response = %+v", resp)
	}
}
