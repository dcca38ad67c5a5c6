package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket keepalive defaults in seconds, used when the config leaves them unset.
const (
	defaultPingInterval = 30
	defaultPongTimeout  = 10
)

// DeviceService is the part of device.Registry the API uses.
type DeviceService interface {
	List() []device.Device
	Get(ctx context.Context, instance uint32) (*device.Device, error)
	Evict(ctx context.Context, instance uint32) error
	DiscoverAll(ctx context.Context, scope device.Scope) ([]*device.Device, error)
	FindObject(ctx context.Context, q device.ObjectQuery) ([]device.Holder, error)
	ReadObjectList(ctx context.Context, instance uint32) ([]bacnet.ObjectID, error)
	Reachability(instance uint32) (device.Reachability, error)
	Reinitialize(ctx context.Context, instance uint32, state bacnet.ReinitState, password string) error
	SyncTime(ctx context.Context, instance uint32, broadcast bool, at time.Time, utc bool) error
	OnReachability(fn device.ReachabilityListener)
}

// PointService is the part of point.Model the API uses.
type PointService interface {
	Declare(spec point.Spec) (*point.Point, error)
	Remove(key point.Key) error
	Get(key point.Key) (*point.Point, error)
	List(filter point.Filter) []*point.Point
	Read(ctx context.Context, key point.Key) (*point.Point, error)
	Write(ctx context.Context, key point.Key, value bacnet.Value, priority uint8) (*point.Point, error)
	Simulate(ctx context.Context, key point.Key, value bacnet.Value) (*point.Point, error)
	Release(ctx context.Context, key point.Key) (*point.Point, error)
	OnChange(fn point.ChangeListener)
}

// ScheduleService is the part of scheduler.Scheduler the API uses.
type ScheduleService interface {
	Add(key point.Key) error
	Remove(key point.Key) error
	Subscribe(key point.Key, lifetime time.Duration) error
	Unsubscribe(key point.Key) error
	Status(key point.Key) (scheduler.Status, error)
	ExpectValue(ctx context.Context, key point.Key, want bacnet.Value, after time.Duration) error
	Stats() scheduler.Stats
}

// HistoryReader returns stored samples of a point.
type HistoryReader interface {
	History(ctx context.Context, key point.Key, limit int) ([]point.HistoryEntry, error)
}

// AuditLog stores the commands accepted by the API. It is satisfied by
// *audit.SQLiteRepository.
type AuditLog interface {
	Record(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Devices   DeviceService
	Points    PointService
	Scheduler ScheduleService
	History   HistoryReader // optional: history routes answer 503 without it
	Audit     AuditLog      // optional: commands are not recorded without it

	// Health, when set, is embedded in the /health response (for example
	// the MQTT bridge health snapshot).
	Health func() any

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	devices   DeviceService
	points    PointService
	scheduler ScheduleService
	history   HistoryReader
	auditLog  AuditLog
	health    func() any
	version   string

	server    *http.Server
	listener  net.Listener
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
	listenOne sync.Once
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, devices, points, scheduler)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device service is required")
	}
	if deps.Points == nil {
		return nil, fmt.Errorf("point service is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	if deps.WS.PingInterval <= 0 {
		deps.WS.PingInterval = defaultPingInterval
	}
	if deps.WS.PongTimeout <= 0 {
		deps.WS.PongTimeout = defaultPongTimeout
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger.With("component", "api"),
		devices:   deps.Devices,
		points:    deps.Points,
		scheduler: deps.Scheduler,
		history:   deps.History,
		auditLog:  deps.Audit,
		health:    deps.Health,
		version:   deps.Version,
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers the point change and device
// reachability listeners that feed it, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub; cancelling it disconnects WebSocket clients
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	// Listeners cannot be removed, so register them once even if the
	// server is restarted.
	s.listenOne.Do(s.relayEvents)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
