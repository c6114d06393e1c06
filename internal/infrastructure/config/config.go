package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// clientIDPrefix starts every generated MQTT client id.
const clientIDPrefix = "emu2mqtt"

// minWritePacing is the shortest command spacing the device tolerates.
const minWritePacing = 3 * time.Second

// Config is the root configuration structure for emu2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Polling     PollingConfig     `yaml:"polling"`
	Healthcheck HealthcheckConfig `yaml:"healthcheck"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Database    DatabaseConfig    `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SerialConfig contains the device link settings.
type SerialConfig struct {
	// Device is the serial port the meter gateway is attached to.
	// Default: "/dev/ttyACM0"
	Device string `yaml:"device"`

	// BaudRate of the serial link. Default: 115200
	BaudRate int `yaml:"baud_rate"`

	// ReconnectDelay is the fixed delay between connection attempts.
	// Default: 5s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// SettleDelay is how long to wait after opening the port before
	// the link is reported as connected. Default: 2s
	SettleDelay time.Duration `yaml:"settle_delay"`

	// WritePacing is the minimum quiet period after each command write.
	// The device drops commands sent faster than this. Default and minimum: 3s
	WritePacing time.Duration `yaml:"write_pacing"`

	// MaxFrameBytes bounds a frame that never sees its closing line.
	// Default: 65536
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker        MQTTBrokerConfig        `yaml:"broker"`
	Auth          MQTTAuthConfig          `yaml:"auth"`
	QoS           int                     `yaml:"qos"`
	Prefix        string                  `yaml:"prefix"`
	HomeAssistant MQTTHomeAssistantConfig `yaml:"homeassistant"`
	Reconnect     MQTTReconnectConfig     `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	// ClientID identifies the session to the broker. When empty a per-run
	// id such as "emu2mqtt-1f0c9a7e" is generated so two bridges on one
	// broker do not evict each other.
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTHomeAssistantConfig contains the Home Assistant integration topics.
type MQTTHomeAssistantConfig struct {
	// StatusTopic is Home Assistant's birth topic. An "online" payload
	// triggers a reinitialize. Default: "homeassistant/status"
	StatusTopic string `yaml:"status_topic"`

	// DiscoveryPrefix is the root of the discovery config topics.
	// Default: "homeassistant"
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Delay between initial connection attempts, in seconds. Default: 5
	Delay int `yaml:"delay"`
	// MaxDelay caps the library's automatic reconnect backoff, in seconds.
	MaxDelay int `yaml:"max_delay"`
}

// PollingConfig contains the poll interval per monitored quantity.
type PollingConfig struct {
	DeviceInfo        time.Duration `yaml:"device_info"`
	ConnectionStatus  time.Duration `yaml:"connection_status"`
	Time              time.Duration `yaml:"time"`
	Price             time.Duration `yaml:"price"`
	Summation         time.Duration `yaml:"summation"`
	CurrentPeriod     time.Duration `yaml:"current_period"`
	LastPeriod        time.Duration `yaml:"last_period"`
	Stagger           time.Duration `yaml:"stagger"`
	DisconnectBackoff time.Duration `yaml:"disconnect_backoff"`
}

// HealthcheckConfig contains the liveness marker settings.
type HealthcheckConfig struct {
	// File is created while the device is connected and removed otherwise.
	// Empty disables the marker.
	File string `yaml:"file"`
}

// ShutdownConfig contains shutdown settings.
type ShutdownConfig struct {
	// Grace is how long in-flight work may settle before tasks are cancelled.
	Grace time.Duration `yaml:"grace"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables keep the names used by existing container deployments,
// for example SERIAL_DEVICE, MQTT_HOSTNAME and MQTT_PREFIX.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults plus environment
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = generateClientID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// generateClientID returns clientIDPrefix plus eight random hex digits.
func generateClientID() string {
	return clientIDPrefix + "-" + uuid.NewString()[:8]
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:         "/dev/ttyACM0",
			BaudRate:       115200,
			ReconnectDelay: 5 * time.Second,
			SettleDelay:    2 * time.Second,
			WritePacing:    3 * time.Second,
			MaxFrameBytes:  64 * 1024,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
			},
			QoS:    0,
			Prefix: "emu2",
			HomeAssistant: MQTTHomeAssistantConfig{
				StatusTopic:     "homeassistant/status",
				DiscoveryPrefix: "homeassistant",
			},
			Reconnect: MQTTReconnectConfig{
				Delay:    5,
				MaxDelay: 60,
			},
		},
		Polling: PollingConfig{
			DeviceInfo:        300 * time.Second,
			ConnectionStatus:  60 * time.Second,
			Time:              3600 * time.Second,
			Price:             1800 * time.Second,
			Summation:         60 * time.Second,
			CurrentPeriod:     60 * time.Second,
			LastPeriod:        10800 * time.Second,
			Stagger:           5 * time.Second,
			DisconnectBackoff: 5 * time.Second,
		},
		Healthcheck: HealthcheckConfig{
			File: "/app/healthcheck",
		},
		Shutdown: ShutdownConfig{
			Grace: time.Second,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/emu2mqtt.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9102",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	// Serial
	if v := os.Getenv("SERIAL_DEVICE"); v != "" {
		cfg.Serial.Device = v
	}
	if v := os.Getenv("SERIAL_BAUDRATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERIAL_BAUDRATE: %w", err)
		}
		cfg.Serial.BaudRate = n
	}

	// MQTT
	if v := os.Getenv("MQTT_HOSTNAME"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = n
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MQTT_PREFIX"); v != "" {
		cfg.MQTT.Prefix = v
	}
	if v := os.Getenv("MQTT_HA_STATUS"); v != "" {
		cfg.MQTT.HomeAssistant.StatusTopic = v
	}

	// Healthcheck
	if v, ok := os.LookupEnv("HEALTHCHECK_FILE"); ok {
		cfg.Healthcheck.File = v
	}

	// Database
	if v := os.Getenv("EMU2MQTT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Serial validation
	if c.Serial.Device == "" {
		errs = append(errs, "serial.device is required")
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.ReconnectDelay <= 0 {
		errs = append(errs, "serial.reconnect_delay must be positive")
	}
	if c.Serial.SettleDelay <= 0 {
		errs = append(errs, "serial.settle_delay must be positive")
	}
	if c.Serial.WritePacing < minWritePacing {
		errs = append(errs, fmt.Sprintf("serial.write_pacing must be at least %s", minWritePacing))
	}
	if c.Serial.MaxFrameBytes <= 0 {
		errs = append(errs, "serial.max_frame_bytes must be positive")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Prefix == "" || strings.ContainsAny(c.MQTT.Prefix, "+#") {
		errs = append(errs, "mqtt.prefix must be non-empty and contain no wildcards")
	}

	// Polling validation
	for name, d := range map[string]time.Duration{
		"device_info":       c.Polling.DeviceInfo,
		"connection_status": c.Polling.ConnectionStatus,
		"time":              c.Polling.Time,
		"price":             c.Polling.Price,
		"summation":         c.Polling.Summation,
		"current_period":    c.Polling.CurrentPeriod,
		"last_period":       c.Polling.LastPeriod,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("polling.%s must be positive", name))
		}
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// Metrics validation
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		// Map iteration order is random; keep the message stable.
		sort.Strings(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerURL returns the broker address in the form paho expects.
func (c *Config) BrokerURL() string {
	return c.MQTT.BrokerURL()
}

// BrokerURL returns the broker address in the form paho expects.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker.Host, m.Broker.Port)
}
