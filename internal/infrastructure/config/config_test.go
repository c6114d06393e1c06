package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every override so tests see only file and default values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERIAL_DEVICE", "SERIAL_BAUDRATE", "MQTT_HOSTNAME", "MQTT_PORT",
		"MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PREFIX", "MQTT_HA_STATUS",
		"HEALTHCHECK_FILE", "EMU2MQTT_DATABASE_PATH", "LOG_LEVEL",
	} {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
serial:
  device: "/dev/ttyUSB1"
  baud_rate: 9600
  write_pacing: 4s
mqtt:
  broker:
    host: "broker.local"
    port: 8883
    tls: true
  prefix: "meter"
polling:
  summation: 30s
database:
  path: "/tmp/test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Serial.Device != "/dev/ttyUSB1" {
		t.Errorf("Serial.Device = %q, want %q", cfg.Serial.Device, "/dev/ttyUSB1")
	}
	if cfg.Serial.BaudRate != 9600 {
		t.Errorf("Serial.BaudRate = %d, want 9600", cfg.Serial.BaudRate)
	}
	if cfg.Serial.WritePacing != 4*time.Second {
		t.Errorf("Serial.WritePacing = %v, want 4s", cfg.Serial.WritePacing)
	}
	if cfg.Serial.ReconnectDelay != 5*time.Second {
		t.Errorf("Serial.ReconnectDelay = %v, want default 5s", cfg.Serial.ReconnectDelay)
	}
	if cfg.Polling.Summation != 30*time.Second {
		t.Errorf("Polling.Summation = %v, want 30s", cfg.Polling.Summation)
	}
	if cfg.Polling.LastPeriod != 3*time.Hour {
		t.Errorf("Polling.LastPeriod = %v, want default 3h", cfg.Polling.LastPeriod)
	}
	if cfg.MQTT.Prefix != "meter" {
		t.Errorf("MQTT.Prefix = %q, want %q", cfg.MQTT.Prefix, "meter")
	}
	if got := cfg.BrokerURL(); got != "ssl://broker.local:8883" {
		t.Errorf("BrokerURL() = %q, want %q", got, "ssl://broker.local:8883")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyACM0" {
		t.Errorf("Serial.Device = %q, want default", cfg.Serial.Device)
	}
	if cfg.MQTT.HomeAssistant.StatusTopic != "homeassistant/status" {
		t.Errorf("StatusTopic = %q, want default", cfg.MQTT.HomeAssistant.StatusTopic)
	}
	if cfg.Healthcheck.File != "/app/healthcheck" {
		t.Errorf("Healthcheck.File = %q, want default", cfg.Healthcheck.File)
	}
	if got := cfg.BrokerURL(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("BrokerURL() = %q", got)
	}
}

func TestLoad_ClientID(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantExact string
	}{
		{name: "generated when empty", content: "mqtt:\n  prefix: emu2\n"},
		{
			name:      "configured value kept",
			content:   "mqtt:\n  broker:\n    client_id: meter-a\n",
			wantExact: "meter-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			got := cfg.MQTT.Broker.ClientID
			if tt.wantExact != "" {
				if got != tt.wantExact {
					t.Errorf("ClientID = %q, want %q", got, tt.wantExact)
				}
				return
			}
			if !strings.HasPrefix(got, "emu2mqtt-") || len(got) != len("emu2mqtt-")+8 {
				t.Errorf("ClientID = %q, want emu2mqtt-<8 hex>", got)
			}
		})
	}
}

func TestLoad_GeneratedClientIDsDiffer(t *testing.T) {
	clearEnv(t)

	first, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first.MQTT.Broker.ClientID == second.MQTT.Broker.ClientID {
		t.Errorf("two runs share client id %q", first.MQTT.Broker.ClientID)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERIAL_DEVICE", "/dev/ttyACM3")
	t.Setenv("SERIAL_BAUDRATE", "57600")
	t.Setenv("MQTT_HOSTNAME", "mosquitto")
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("MQTT_USERNAME", "emu")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_PREFIX", "house/emu2")
	t.Setenv("MQTT_HA_STATUS", "ha/status")
	t.Setenv("HEALTHCHECK_FILE", "")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Serial.Device", cfg.Serial.Device, "/dev/ttyACM3"},
		{"Serial.BaudRate", cfg.Serial.BaudRate, 57600},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mosquitto"},
		{"MQTT.Broker.Port", cfg.MQTT.Broker.Port, 1884},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "emu"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "secret"},
		{"MQTT.Prefix", cfg.MQTT.Prefix, "house/emu2"},
		{"StatusTopic", cfg.MQTT.HomeAssistant.StatusTopic, "ha/status"},
		{"Healthcheck.File", cfg.Healthcheck.File, ""},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_InvalidEnvNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_PORT", "not-a-port")

	if _, err := Load(""); err == nil {
		t.Error("Load() expected error for non-numeric MQTT_PORT, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "empty serial device",
			modify:  func(c *Config) { c.Serial.Device = "" },
			wantErr: "serial.device is required",
		},
		{
			name:    "zero baud rate",
			modify:  func(c *Config) { c.Serial.BaudRate = 0 },
			wantErr: "serial.baud_rate",
		},
		{
			name:    "write pacing below device floor",
			modify:  func(c *Config) { c.Serial.WritePacing = time.Second },
			wantErr: "serial.write_pacing must be at least 3s",
		},
		{
			name:    "zero write pacing",
			modify:  func(c *Config) { c.Serial.WritePacing = 0 },
			wantErr: "serial.write_pacing",
		},
		{
			name:    "negative settle delay",
			modify:  func(c *Config) { c.Serial.SettleDelay = -time.Second },
			wantErr: "serial.settle_delay",
		},
		{
			name:    "invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "wildcard prefix",
			modify:  func(c *Config) { c.MQTT.Prefix = "emu2/#" },
			wantErr: "mqtt.prefix",
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.MQTT.Broker.Port = 70000 },
			wantErr: "mqtt.broker.port",
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Polling.Price = 0 },
			wantErr: "polling.price",
		},
		{
			name:    "database enabled without path",
			modify:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name: "database disabled without path",
			modify: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Path = ""
			},
		},
		{
			name: "metrics enabled without listen",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = ""
			},
			wantErr: "metrics.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Serial.Device = ""
	cfg.MQTT.QoS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"serial.device", "mqtt.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

// The shipped example must stay loadable and match the built-in defaults.
func TestLoad_ShippedExample(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "emu2mqtt.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := defaultConfig()
	if cfg.Serial != def.Serial {
		t.Errorf("Serial = %+v, want %+v", cfg.Serial, def.Serial)
	}
	if cfg.Polling != def.Polling {
		t.Errorf("Polling = %+v, want %+v", cfg.Polling, def.Polling)
	}
	if cfg.MQTT != def.MQTT {
		t.Errorf("MQTT = %+v, want %+v", cfg.MQTT, def.MQTT)
	}
	if cfg.Database != def.Database || cfg.Metrics != def.Metrics {
		t.Errorf("Database/Metrics differ from defaults: %+v %+v", cfg.Database, cfg.Metrics)
	}
}

func TestMQTTConfig_BrokerURL(t *testing.T) {
	m := MQTTConfig{Broker: MQTTBrokerConfig{Host: "broker", Port: 8883, TLS: true}}
	if got := m.BrokerURL(); got != "ssl://broker:8883" {
		t.Errorf("BrokerURL() = %q", got)
	}
}
