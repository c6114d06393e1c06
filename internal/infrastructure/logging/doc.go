// Package logging provides structured logging for emu2mqtt.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// LOG_LEVEL overrides the level.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected to device", "port", "/dev/ttyACM0")
//	logger.Error("publish failed", "error", err)
//
// Never log the MQTT password.
package logging
