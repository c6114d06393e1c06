// emu2mqtt bridges a Rainforest EMU-2 energy monitor on a serial port to
// an MQTT broker, with Home Assistant discovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/emu2mqtt/internal/bridges/emu"
	"github.com/nerrad567/emu2mqtt/internal/device"
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/config"
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/database"
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/metrics"
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/emu2mqtt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "EMU2MQTT_CONFIG"

// shutdownTimeout bounds closing the metrics server and the broker session.
const shutdownTimeout = 5 * time.Second

var _ emu.Metrics = (*metrics.Collector)(nil)

// errStarting is reported by /health until every component is wired.
var errStarting = errors.New("starting")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, wires every component and blocks until ctx is
// cancelled. It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting emu2mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"serial_device", cfg.Serial.Device,
		"prefix", cfg.MQTT.Prefix,
	)

	facts := emu.NewFacts()
	var snapshots emu.SnapshotStore
	var dbHealth healthChecker
	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		repo := device.NewSnapshotRepository(db.DB)
		restoreIdentity(ctx, repo, facts, log)
		snapshots = repo
		dbHealth = db
	} else {
		log.Info("database disabled, identity will not survive restarts")
	}

	var collector *metrics.Collector
	var bridgeMetrics emu.Metrics
	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		bridgeMetrics = collector

		srv = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, collector)
		srv.SetHealthCheck(func(context.Context) error { return errStarting })
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("error stopping metrics server", "error", err)
			}
		}()
		log.Info("metrics server listening", "addr", srv.Addr(), "path", cfg.Metrics.Path)
	}

	busLog := log.With("component", "mqtt")
	client, err := mqtt.Connect(ctx, cfg.MQTT, busLog)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("shutdown before broker connection")
			return nil
		}
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", cfg.BrokerURL(),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	session := emu.NewSession(emu.SessionOptions{
		Config: emu.SessionConfig{
			Device:         cfg.Serial.Device,
			BaudRate:       cfg.Serial.BaudRate,
			ReconnectDelay: cfg.Serial.ReconnectDelay,
			SettleDelay:    cfg.Serial.SettleDelay,
			WritePacing:    cfg.Serial.WritePacing,
		},
		Opener: emu.SerialOpener,
		Logger: log.With("component", "serial"),
	})

	bridge, err := emu.NewBridge(emu.BridgeOptions{
		Config:    bridgeConfig(cfg),
		Device:    session,
		Bus:       client,
		Facts:     facts,
		Marker:    emu.NewMarker(cfg.Healthcheck.File, nil),
		Snapshots: snapshots,
		Metrics:   bridgeMetrics,
		Logger:    log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	client.SetOnConnect(func() {
		bridge.SetBusConnected(true)
		if collector != nil {
			collector.BusConnection(true)
		}
	})
	client.SetOnDisconnect(func(err error) {
		busLog.Warn("MQTT disconnected", "error", err)
		bridge.SetBusConnected(false)
		if collector != nil {
			collector.BusConnection(false)
		}
	})
	bridge.SetBusConnected(client.IsConnected())
	if collector != nil {
		collector.BusConnection(client.IsConnected())
	}
	if srv != nil {
		srv.SetHealthCheck(healthCheck(dbHealth,
			func() bool { return bridge.State().DeviceConnected },
			client.IsConnected,
		))
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := bridge.Run(ctx); err != nil {
		return fmt.Errorf("running bridge: %w", err)
	}

	log.Info("emu2mqtt stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: time.Duration(cfg.BusyTimeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// snapshotLoader is the read side of the identity store.
type snapshotLoader interface {
	LoadSnapshot(ctx context.Context, kind string) ([]byte, error)
}

// restoreIdentity seeds facts with the last persisted DeviceInfo. A missing
// or unreadable snapshot is not fatal: the pollers learn identity again.
func restoreIdentity(ctx context.Context, repo snapshotLoader, facts *emu.Facts, log *logging.Logger) {
	payload, err := repo.LoadSnapshot(ctx, emu.KindDeviceInfo)
	if err != nil {
		if !errors.Is(err, device.ErrSnapshotNotFound) {
			log.Warn("loading identity snapshot", "error", err)
		}
		return
	}

	resp, err := emu.RestoreResponse(emu.KindDeviceInfo, payload)
	if err != nil {
		log.Warn("discarding unreadable identity snapshot", "error", err)
		return
	}
	facts.Store(resp)

	mac, _ := facts.MeterMacID()
	log.Info("restored device identity", "meter_mac_id", mac)
}

// healthChecker is implemented by *database.DB.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck returns the /health function. It reports the first failing
// component; db may be nil when persistence is disabled.
func healthCheck(db healthChecker, deviceConnected, busConnected func() bool) metrics.HealthFunc {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db.HealthCheck(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if !deviceConnected() {
			return errors.New("serial: device not connected")
		}
		if !busConnected() {
			return errors.New("mqtt: broker not connected")
		}
		return nil
	}
}

// bridgeConfig maps the loaded configuration onto the bridge settings.
func bridgeConfig(cfg *config.Config) emu.BridgeConfig {
	return emu.BridgeConfig{
		Topics:     mqtt.NewTopics(cfg.MQTT.Prefix, cfg.MQTT.HomeAssistant.DiscoveryPrefix),
		BirthTopic: cfg.MQTT.HomeAssistant.StatusTopic,
		QoS:        byte(cfg.MQTT.QoS),
		Polling: emu.PollSchedule{
			DeviceInfo:        cfg.Polling.DeviceInfo,
			ConnectionStatus:  cfg.Polling.ConnectionStatus,
			Time:              cfg.Polling.Time,
			Price:             cfg.Polling.Price,
			Summation:         cfg.Polling.Summation,
			CurrentPeriod:     cfg.Polling.CurrentPeriod,
			LastPeriod:        cfg.Polling.LastPeriod,
			Stagger:           cfg.Polling.Stagger,
			DisconnectBackoff: cfg.Polling.DisconnectBackoff,
		},
		Timings:       emu.DefaultTimings(),
		MaxFrameBytes: cfg.Serial.MaxFrameBytes,
		ShutdownGrace: cfg.Shutdown.Grace,
	}
}
