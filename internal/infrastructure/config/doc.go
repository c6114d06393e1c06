// Package config handles loading and validating emu2mqtt configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Environment variables keep the names used by existing container images:
// SERIAL_DEVICE, SERIAL_BAUDRATE, MQTT_HOSTNAME, MQTT_PORT, MQTT_USERNAME,
// MQTT_PASSWORD, MQTT_PREFIX, MQTT_HA_STATUS, HEALTHCHECK_FILE and LOG_LEVEL.
//
// Security Considerations:
//   - The MQTT password should be set via MQTT_PASSWORD rather than the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/emu2mqtt.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Serial.Device)
package config
