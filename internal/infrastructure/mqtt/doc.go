// Package mqtt provides MQTT client connectivity for emu2mqtt.
//
// This package manages:
//   - Connection to the broker, retried until it succeeds, then kept alive
//     by paho's auto-reconnect
//   - Message publishing with QoS validation
//   - Topic subscriptions restored after every reconnect
//   - A Last Will on the status topic
//   - Topic builders for everything the bridge publishes or subscribes to
//
// # Topics
//
//	<prefix>/<response_key>            decoded device responses
//	<prefix>/status                    device link status
//	<prefix>/command                   raw device command (inbound)
//	<prefix>/reinitialize              re-run startup (inbound)
//	<prefix>/close_current_period      (inbound)
//	<prefix>/restart                   (inbound)
//	<prefix>/set_current_price         price in cents (inbound)
//	<discovery>/<component>/<id>/config  Home Assistant discovery
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.Prefix, cfg.MQTT.HomeAssistant.DiscoveryPrefix)
//	client.Publish(topics.Status(), []byte(`{"connected":true}`), 0, false)
package mqtt
