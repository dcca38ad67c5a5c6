// Gray Logic BACnet - BACnet/IP core for the Gray Logic building platform
//
// This is the main entry point for the BACnet core. It owns one UDP
// endpoint and provides:
//   - Device discovery and a persistent device registry
//   - A cached point model fed by polling and COV subscriptions
//   - Confirmed request multiplexing with retry and per-device ceilings
//   - An optional local virtual device served to the network
//   - MQTT state/command bridge, REST/WebSocket API and sample history
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-bacnet/migrations"

	"github.com/nerrad567/gray-logic-bacnet/internal/api"
	"github.com/nerrad567/gray-logic-bacnet/internal/audit"
	"github.com/nerrad567/gray-logic-bacnet/internal/auth"
	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/bridges/bacnetip"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bacnet/internal/localdevice"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyPruneInterval is how often expired point samples are deleted.
const historyPruneInterval = time.Hour

// evictionSweepInterval is how often long-unreachable devices are looked for.
const evictionSweepInterval = time.Minute

func main() {
	tokenRole := flag.String("token", "", "print an API access token for `role` (viewer, operator, admin) and exit")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin, print its Argon2id hash and exit")
	flag.Parse()

	switch {
	case *tokenRole != "":
		if err := printToken(os.Stdout, *tokenRole); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	case *hashPassword:
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM so deferred cleanup runs.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Components are started leaf first: storage, transport, multiplexer,
// registry, point model, scheduler, local device, dispatcher, then the
// outer surfaces (MQTT bridge and API). Deferred cleanup runs in reverse.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic BACnet",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Stops background workers when startup fails part way.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditLog := audit.NewSQLiteRepository(db.DB)

	// Device registry, loaded from the database
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.With("component", "device"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.Count())

	// BACnet/IP endpoint
	transport, err := bacnetip.Listen(bacnetip.TransportConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("opening BACnet/IP endpoint: %w", err)
	}
	defer func() {
		log.Info("closing BACnet/IP endpoint")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing BACnet/IP endpoint", "error", closeErr)
		}
	}()
	transport.SetLogger(log.With("component", "transport"))
	log.Info("BACnet/IP endpoint open",
		"endpoint", transport.Endpoint(),
		"broadcast", transport.BroadcastAddress(),
	)

	// Request multiplexer
	mux := multiplexer.New(transport, multiplexer.ConfigFrom(cfg))
	mux.SetLogger(log.With("component", "multiplexer"))
	defer mux.Close()
	mux.OnReachability(func(instance uint32, online bool) {
		if setErr := registry.SetReachability(ctx, instance, online); setErr != nil && !errors.Is(setErr, device.ErrDeviceNotFound) {
			log.Warn("failed to record reachability", "device", instance, "error", setErr)
		}
	})

	registry.SetTransport(transport)
	registry.SetRequester(mux)
	registry.SetDiscoveryWindow(cfg.DiscoveryWindow())

	// Point model and sample history
	points := point.NewModel(mux, registry, point.ConfigFrom(cfg))
	points.SetLogger(log.With("component", "point"))

	history := point.NewSQLiteHistory(db.DB)
	points.AddSampler(history)
	if retention := cfg.HistoryRetention(); retention > 0 {
		go history.RunPruner(ctx, retention, historyPruneInterval, log.With("component", "history"))
	}

	influxClient, err := connectInflux(ctx, cfg, registry, points, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	// Polling and subscription scheduler
	sched := scheduler.New(points, mux, registry, scheduler.ConfigFrom(cfg))
	sched.SetLogger(log.With("component", "scheduler"))
	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx)
	}()

	registry.OnEvict(evictionFanout(mux, sched, points, log))
	if after := cfg.EvictUnreachableAfter(); after > 0 {
		go registry.RunEvictionSweep(ctx, after, evictionSweepInterval)
		log.Info("unreachable device eviction enabled", "after", after)
	}

	// Local virtual device (optional)
	var local *localdevice.Server
	if cfg.LocalDevice.Enabled {
		local, err = startLocalDevice(cfg, transport, points, log)
		if err != nil {
			return fmt.Errorf("starting local device: %w", err)
		}
	} else {
		log.Info("local device disabled")
	}

	// Route received traffic
	opts := bacnetip.DispatcherOptions{
		Sender:        transport,
		Responses:     mux,
		Announcements: registry,
		Notifications: sched,
		OnTimeSync: func(addr string, t time.Time) {
			log.Info("time synchronization received", "from", addr, "time", t.Format(time.RFC3339))
		},
		Logger: log.With("component", "dispatcher"),
	}
	if local != nil {
		opts.Local = local
	}
	dispatcher := bacnetip.NewDispatcher(opts)
	transport.SetOnReceive(dispatcher.HandleFrame)

	if local != nil {
		if announceErr := local.Announce(ctx); announceErr != nil {
			log.Warn("failed to announce local device", "error", announceErr)
		}
	}

	declared, err := declareConfiguredPoints(cfg, points, sched)
	if err != nil {
		return fmt.Errorf("declaring points: %w", err)
	}
	log.Info("configured points declared", "points", declared)

	// MQTT bridge (optional)
	var (
		mqttClient *mqtt.Client
		bridge     *bacnetip.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = bacnetip.NewBridge(bacnetip.BridgeOptions{
			Version:    version,
			MQTTClient: mqttClient,
			Points:     points,
			Devices:    registry,
			Transport:  transport,
			Audit:      auditLog,
			Logger:     log.With("component", "bridge"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT bridge disabled")
	}

	// REST and WebSocket API (optional)
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log,
			Devices:   registry,
			Points:    points,
			Scheduler: sched,
			History:   history,
			Audit:     auditLog,
			Health: func() any {
				h := map[string]any{
					"dispatcher": dispatcher.Stats(),
					"transport":  transport.Stats(),
					"requests":   mux.Stats(),
				}
				if bridge != nil {
					h["mqtt"] = bridge.Health().Snapshot()
				}
				return h
			},
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	if schedErr := <-schedDone; schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		log.Error("scheduler stopped with error", "error", schedErr)
	}

	log.Info("Gray Logic BACnet stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux connects to InfluxDB when enabled and registers it as a
// point sampler and a reachability sink.
//
// Returns:
//   - *influxdb.Client: Connected client, or nil when disabled
//   - error: If the connection fails
func connectInflux(ctx context.Context, cfg *config.Config, registry *device.Registry, points *point.Model, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	points.AddSampler(point.NewInfluxSampler(client))
	registry.OnReachability(func(d *device.Device) {
		client.WriteReachability(d.Instance, string(d.Reachability), time.Now())
	})
	return client, nil
}

// startLocalDevice creates the local virtual device, declares a local
// point for the present value of each configured object and then adds the
// objects, so their initial values reach the point model.
//
// Parameters:
//   - cfg: Application configuration
//   - transport: Carries I-Am broadcasts
//   - points: Receives present value changes and routes local writes
//   - log: Logger instance
//
// Returns:
//   - *localdevice.Server: Server ready to be registered with the dispatcher
//   - error: If the device or an object declaration is invalid
func startLocalDevice(cfg *config.Config, transport *bacnetip.UDPTransport, points *point.Model, log *logging.Logger) (*localdevice.Server, error) {
	ldCfg, specs, err := localdevice.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	srv, err := localdevice.NewServer(ldCfg)
	if err != nil {
		return nil, err
	}
	srvLog := log.With("component", "localdevice")
	srv.SetLogger(srvLog)
	srv.SetBroadcaster(transport)
	srv.SetPointSink(points)
	srv.OnReinitialize(func(state bacnet.ReinitState) {
		srvLog.Warn("reinitialize accepted", "state", uint32(state))
	})
	points.SetLocalWriter(srv)

	for _, spec := range specs {
		key := srv.Key(spec.Object, bacnet.PropPresentValue)
		if _, declErr := points.Declare(point.Spec{
			Key:   key,
			Mode:  point.ModeManual,
			Units: spec.Units.String(),
			Local: true,
		}); declErr != nil {
			return nil, fmt.Errorf("declaring %s: %w", key, declErr)
		}
		if addErr := srv.AddObject(spec); addErr != nil {
			return nil, addErr
		}
	}

	log.Info("local device started",
		"instance", srv.Instance(),
		"objects", len(specs),
	)
	return srv, nil
}

// evictionFanout returns the eviction listener that releases everything an
// evicted device still holds: queued and in-flight requests (their callers
// get multiplexer.ErrCancelled), schedule entries and COV leases, and its
// cached points.
func evictionFanout(mux *multiplexer.Multiplexer, sched *scheduler.Scheduler, points *point.Model, log *logging.Logger) device.EvictionListener {
	return func(instance uint32) {
		cancelled := mux.CancelDevice(instance)
		unscheduled := sched.RemoveDevice(instance)
		removed := points.RemoveDevice(instance)
		log.Info("device evicted",
			"device", instance,
			"cancelled_requests", cancelled,
			"unscheduled", unscheduled,
			"points_removed", removed,
		)
	}
}

// declareConfiguredPoints declares the points listed under polling.points
// and schedules every one that is not manual.
//
// Returns:
//   - int: Number of points declared
//   - error: The first invalid declaration
func declareConfiguredPoints(cfg *config.Config, points *point.Model, sched *scheduler.Scheduler) (int, error) {
	for i, pc := range cfg.Polling.Points {
		key, err := point.ParseKeyParts(strconv.FormatUint(uint64(pc.Device), 10), pc.Object, pc.Property)
		if err != nil {
			return i, fmt.Errorf("polling.points[%d]: %w", i, err)
		}
		mode, err := point.ParseMode(pc.Mode)
		if err != nil {
			return i, fmt.Errorf("polling.points[%d]: %w", i, err)
		}
		if _, err := points.Declare(point.Spec{
			Key:          key,
			Mode:         mode,
			PollInterval: time.Duration(pc.Interval) * time.Second,
			COVLifetime:  time.Duration(pc.Lifetime) * time.Second,
			History:      pc.History,
		}); err != nil {
			return i, fmt.Errorf("polling.points[%d]: %w", i, err)
		}
		if mode == point.ModeManual {
			continue
		}
		if err := sched.Add(key); err != nil {
			return i, fmt.Errorf("polling.points[%d]: %w", i, err)
		}
	}
	return len(cfg.Polling.Points), nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// printToken writes a signed API access token for role to w, using the
// JWT settings of the loaded configuration.
func printToken(w io.Writer, role string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := auth.GenerateAccessToken("cli", auth.Role(role), cfg.Security.JWT.Secret, cfg.AccessTokenTTL())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// printPasswordHash reads one line from r and writes its Argon2id PHC hash
// to w, for local_device.reinit_password_hash.
func printPasswordHash(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	hash, err := auth.HashReinitPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
