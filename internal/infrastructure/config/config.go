package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic BACnet core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	BACnet      BACnetConfig      `yaml:"bacnet"`
	LocalDevice LocalDeviceConfig `yaml:"local_device"`
	Requests    RequestsConfig    `yaml:"requests"`
	Polling     PollingConfig     `yaml:"polling"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// BACnetConfig contains the BACnet/IP network binding.
type BACnetConfig struct {
	// Interface is the local IP address to bind. Empty or "0.0.0.0" binds all.
	Interface string `yaml:"interface"`

	// Port is the UDP port. Default: 47808 (0xBAC0)
	Port int `yaml:"port"`

	// BroadcastAddress is the subnet broadcast used for Who-Is and
	// TimeSynchronization. Default: "255.255.255.255"
	BroadcastAddress string `yaml:"broadcast_address"`
}

// LocalDeviceConfig describes the virtual BACnet device this process exposes.
type LocalDeviceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Instance    uint32 `yaml:"instance"`
	Name        string `yaml:"name"`
	VendorName  string `yaml:"vendor_name"`
	VendorID    uint16 `yaml:"vendor_id"`
	ModelName   string `yaml:"model_name"`
	Description string `yaml:"description"`

	// ReinitPasswordHash is the Argon2id PHC hash that ReinitializeDevice
	// passwords are checked against. Empty refuses every reinitialize request.
	ReinitPasswordHash string `yaml:"reinit_password_hash"`

	Objects []LocalObjectConfig `yaml:"objects"`
}

// LocalObjectConfig declares one object served by the local device.
type LocalObjectConfig struct {
	// Object is "type:instance", e.g. "analogValue:1".
	Object      string `yaml:"object"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Units       string `yaml:"units"`

	// Initial is the starting present value (or relinquish default for
	// commandable objects).
	Initial any `yaml:"initial"`
}

// RequestsConfig controls the request multiplexer retry discipline.
type RequestsConfig struct {
	// TimeoutMS is the per-attempt deadline. Default: 3000
	TimeoutMS int `yaml:"timeout_ms"`

	// Retries is the total number of attempts per request. Default: 3
	Retries int `yaml:"retries"`

	// BackoffBaseMS is the wait before the second attempt; it doubles for
	// every further attempt. Default: 250
	BackoffBaseMS int `yaml:"backoff_base_ms"`

	// Ceiling is the maximum outstanding requests per device (1-4). Default: 2
	Ceiling int `yaml:"ceiling"`

	// UnreachableAfter is the number of consecutive exhausted requests that
	// mark a device unreachable. Default: 1
	UnreachableAfter int `yaml:"unreachable_after"`
}

// PollingConfig controls the scheduler and the point cache.
type PollingConfig struct {
	// Interval is the default poll interval in seconds. Default: 5
	Interval int `yaml:"interval"`

	// StaleFactor multiplies the poll interval to get the cache staleness
	// threshold. Default: 3
	StaleFactor float64 `yaml:"stale_factor"`

	// COVLifetime is the default subscription lifetime in seconds. Default: 300
	COVLifetime int `yaml:"cov_lifetime"`

	// RenewFraction is the fraction of the lifetime after which a
	// subscription is renewed. Default: 0.8
	RenewFraction float64 `yaml:"renew_fraction"`

	// DiscoveryWindow is how long Who-Is responses are collected, in seconds.
	// Default: 3
	DiscoveryWindow int `yaml:"discovery_window"`

	// EvictUnreachableAfter evicts a device that has stayed unreachable
	// for this many seconds. 0 keeps unreachable devices. Default: 3600
	EvictUnreachableAfter int `yaml:"evict_unreachable_after"`

	// Points declares remote points at startup.
	Points []PointConfig `yaml:"points"`
}

// PointConfig declares a remote point at startup.
type PointConfig struct {
	Device   uint32 `yaml:"device"`
	Object   string `yaml:"object"`
	Property string `yaml:"property"`

	// Mode is "polled", "subscribed" or "manual". Default: "polled"
	Mode string `yaml:"mode"`

	// Interval overrides the default poll interval (seconds).
	Interval int `yaml:"interval"`

	// Lifetime overrides the default COV lifetime (seconds).
	Lifetime int `yaml:"lifetime"`

	// History records every value change to the sample store.
	History bool `yaml:"history"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays prunes point samples older than this. 0 keeps all.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Output is "stdout", "stderr" or "file" (uses File).
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// AccessTokenTTL is in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// Limits enforced by Validate.
const (
	maxRequestCeiling  = 4
	maxDeviceInstance  = 4194302 // 4194303 is the Who-Is wildcard
	minJWTSecretLength = 32
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_BACNET_PORT, GRAYLOGIC_LOCAL_DEVICE_INSTANCE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in defaults, for tests and tools that run
// without a config file.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		BACnet: BACnetConfig{
			Interface:        "0.0.0.0",
			Port:             47808,
			BroadcastAddress: "255.255.255.255",
		},
		LocalDevice: LocalDeviceConfig{
			Enabled:    true,
			Instance:   389999,
			Name:       "Gray Logic BACnet",
			VendorName: "Gray Logic",
			VendorID:   999,
			ModelName:  "graylogic-bacnet",
		},
		Requests: RequestsConfig{
			TimeoutMS:        3000,
			Retries:          3,
			BackoffBaseMS:    250,
			Ceiling:          2,
			UnreachableAfter: 1,
		},
		Polling: PollingConfig{
			Interval:        5,
			StaleFactor:     3,
			COVLifetime:     300,
			RenewFraction:   0.8,
			DiscoveryWindow: 3,

			EvictUnreachableAfter: 3600,
		},
		Database: DatabaseConfig{
			Path:                 "./data/graylogic-bacnet.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-bacnet",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric values are ignored; Validate reports the resulting state.
func applyEnvOverrides(cfg *Config) {
	// BACnet
	if v := os.Getenv("GRAYLOGIC_BACNET_INTERFACE"); v != "" {
		cfg.BACnet.Interface = v
	}
	if v := os.Getenv("GRAYLOGIC_BACNET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BACnet.Port = n
		}
	}
	if v := os.Getenv("GRAYLOGIC_BACNET_BROADCAST"); v != "" {
		cfg.BACnet.BroadcastAddress = v
	}
	if v := os.Getenv("GRAYLOGIC_LOCAL_DEVICE_INSTANCE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.LocalDevice.Instance = uint32(n)
		}
	}
	if v := os.Getenv("GRAYLOGIC_LOCAL_DEVICE_REINIT_PASSWORD_HASH"); v != "" {
		cfg.LocalDevice.ReinitPasswordHash = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// BACnet
	if c.BACnet.Port < 1 || c.BACnet.Port > 65535 {
		errs = append(errs, "bacnet.port must be between 1 and 65535")
	}
	if c.BACnet.BroadcastAddress == "" {
		errs = append(errs, "bacnet.broadcast_address is required")
	}
	if c.LocalDevice.Enabled {
		if c.LocalDevice.Instance > maxDeviceInstance {
			errs = append(errs, fmt.Sprintf("local_device.instance must be at most %d", maxDeviceInstance))
		}
		if c.LocalDevice.Name == "" {
			errs = append(errs, "local_device.name is required")
		}
		for i, obj := range c.LocalDevice.Objects {
			if obj.Object == "" {
				errs = append(errs, fmt.Sprintf("local_device.objects[%d].object is required", i))
			}
		}
	}

	// Requests
	if c.Requests.TimeoutMS < 1 {
		errs = append(errs, "requests.timeout_ms must be positive")
	}
	if c.Requests.Retries < 1 {
		errs = append(errs, "requests.retries must be at least 1")
	}
	if c.Requests.BackoffBaseMS < 0 {
		errs = append(errs, "requests.backoff_base_ms must not be negative")
	}
	if c.Requests.Ceiling < 1 || c.Requests.Ceiling > maxRequestCeiling {
		errs = append(errs, fmt.Sprintf("requests.ceiling must be between 1 and %d", maxRequestCeiling))
	}
	if c.Requests.UnreachableAfter < 1 {
		errs = append(errs, "requests.unreachable_after must be at least 1")
	}

	// Polling
	if c.Polling.Interval < 1 {
		errs = append(errs, "polling.interval must be at least 1 second")
	}
	if c.Polling.StaleFactor < 1 {
		errs = append(errs, "polling.stale_factor must be at least 1")
	}
	if c.Polling.COVLifetime < 1 {
		errs = append(errs, "polling.cov_lifetime must be at least 1 second")
	}
	if c.Polling.RenewFraction <= 0 || c.Polling.RenewFraction >= 1 {
		errs = append(errs, "polling.renew_fraction must be between 0 and 1 (exclusive)")
	}
	if c.Polling.DiscoveryWindow < 1 {
		errs = append(errs, "polling.discovery_window must be at least 1 second")
	}
	if c.Polling.EvictUnreachableAfter < 0 {
		errs = append(errs, "polling.evict_unreachable_after must not be negative")
	}
	for i, p := range c.Polling.Points {
		switch strings.ToLower(p.Mode) {
		case "", "polled", "subscribed", "manual":
		default:
			errs = append(errs, fmt.Sprintf("polling.points[%d].mode %q must be polled, subscribed or manual", i, p.Mode))
		}
		if p.Object == "" {
			errs = append(errs, fmt.Sprintf("polling.points[%d].object is required", i))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Mutating API routes drive physical plant; a weak secret lets
		// anyone forge tokens.
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File == "" {
		errs = append(errs, "logging.file is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RequestTimeout returns the per-attempt request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Requests.TimeoutMS) * time.Millisecond
}

// BackoffBase returns the first retry backoff.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Requests.BackoffBaseMS) * time.Millisecond
}

// PollInterval returns the default poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.Interval) * time.Second
}

// COVLifetime returns the default subscription lifetime.
func (c *Config) COVLifetime() time.Duration {
	return time.Duration(c.Polling.COVLifetime) * time.Second
}

// DiscoveryWindow returns the Who-Is collection window.
func (c *Config) DiscoveryWindow() time.Duration {
	return time.Duration(c.Polling.DiscoveryWindow) * time.Second
}

// EvictUnreachableAfter returns how long a device may stay unreachable
// before it is evicted, or 0 to keep it.
func (c *Config) EvictUnreachableAfter() time.Duration {
	return time.Duration(c.Polling.EvictUnreachableAfter) * time.Second
}

// HistoryRetention returns how long point samples are kept, or 0 for forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.Database.HistoryRetentionDays) * 24 * time.Hour
}

// AccessTokenTTL returns the lifetime of issued API tokens.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
