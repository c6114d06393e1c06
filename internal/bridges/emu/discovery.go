package emu

import (
	"github.com/nerrad567/emu2mqtt/internal/infrastructure/mqtt"
)

// deviceName is the display name shared by every discovered entity.
const deviceName = "EMU2"

// Template fragments reused across entities.
const (
	meterStatusTemplate = `{% if value_json.status == "Connected" %}{{ value_json.status }}{% else %}Disconnected{% endif %}`
	connectedTemplate   = `{{ value_json.connected }}`
)

// entity is one Home Assistant discovery config.
type entity struct {
	component string
	config    map[string]any
}

// DiscoveryMessages builds the Home Assistant discovery configs for the
// device described by info. They are addressed to absolute topics under
// the discovery prefix.
func DiscoveryMessages(topics mqtt.Topics, info *Response) []Message {
	entities := discoveryEntities(topics, info)
	msgs := make([]Message, 0, len(entities))
	for _, e := range entities {
		id, _ := e.config["unique_id"].(string)
		msgs = append(msgs, Message{
			Topic:    topics.Discovery(e.component, id),
			Absolute: true,
			Payload:  e.config,
		})
	}
	return msgs
}

func discoveryEntities(topics mqtt.Topics, info *Response) []entity {
	mac := info.Fields.Text("device_mac_id")
	device := map[string]any{
		"identifiers":  []string{mac},
		"name":         deviceName,
		"manufacturer": info.Fields.Text("manufacturer"),
		"model":        info.Fields.Text("model_id"),
		"hw_version":   info.Fields.Text("hwversion"),
		"sw_version":   info.Fields.Text("fwversion"),
	}

	status := topics.Status()
	connection := topics.Response("connection_status")
	summation := topics.Response("current_summation_delivered")
	period := topics.Response("current_period_usage")
	price := topics.Response("price_cluster")

	serialConnected := map[string]any{
		"payload_available":     true,
		"payload_not_available": false,
		"topic":                 status,
		"value_template":        connectedTemplate,
	}
	meterConnected := map[string]any{
		"payload_available":     "Connected",
		"payload_not_available": "Disconnected",
		"topic":                 connection,
		"value_template":        meterStatusTemplate,
	}
	serialAvailability := []map[string]any{serialConnected}
	allAvailability := []map[string]any{serialConnected, meterConnected}

	id := func(suffix string) string { return mac + "_" + suffix }

	return []entity{
		{"binary_sensor", map[string]any{
			"name":                  "Status",
			"device_class":          "connectivity",
			"json_attributes_topic": status,
			"state_topic":           status,
			"value_template":        connectedTemplate,
			"payload_on":            true,
			"payload_off":           false,
			"entity_category":       "diagnostic",
			"unique_id":             id("status"),
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":                  "Meter Connection Strength",
			"unit_of_measurement":   "%",
			"icon":                  "mdi:signal",
			"json_attributes_topic": connection,
			"state_topic":           connection,
			"value_template":        "{{ value_json.link_strength }}",
			"entity_category":       "diagnostic",
			"unique_id":             id("meter_connection_strength"),
			"availability":          serialAvailability,
			"device":                device,
		}},
		{"binary_sensor", map[string]any{
			"name":                  "Meter Status",
			"device_class":          "connectivity",
			"json_attributes_topic": connection,
			"state_topic":           connection,
			"value_template":        meterStatusTemplate,
			"payload_on":            "Connected",
			"payload_off":           "Disconnected",
			"entity_category":       "diagnostic",
			"unique_id":             id("meter_status"),
			"availability":          serialAvailability,
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":                "Power",
			"device_class":        "power",
			"state_class":         "measurement",
			"unit_of_measurement": "W",
			"state_topic":         topics.Response("instantaneous_demand"),
			"value_template":      "{{ value_json.demand }}",
			"unique_id":           id("power"),
			"device":              device,
		}},
		{"sensor", map[string]any{
			"name":                  "Total Delivered",
			"device_class":          "energy",
			"state_class":           "total_increasing",
			"unit_of_measurement":   "kWh",
			"json_attributes_topic": summation,
			"state_topic":           summation,
			"value_template":        "{{ value_json.summation_delivered }}",
			"unique_id":             id("energy_delivered"),
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":                  "Total Received",
			"device_class":          "energy",
			"state_class":           "total_increasing",
			"unit_of_measurement":   "kWh",
			"json_attributes_topic": summation,
			"state_topic":           summation,
			"value_template":        "{{ value_json.summation_received }}",
			"unique_id":             id("energy_received"),
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":                  "Current Period Usage",
			"device_class":          "energy",
			"state_class":           "total",
			"unit_of_measurement":   "kWh",
			"json_attributes_topic": period,
			"state_topic":           period,
			"value_template":        "{{ value_json.current_usage }}",
			"unique_id":             id("current_usage"),
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":            "Current Period Start",
			"device_class":    "timestamp",
			"state_topic":     period,
			"value_template":  "{{ as_local(as_datetime(value_json.start_date)) }}",
			"entity_category": "diagnostic",
			"unique_id":       id("current_start"),
			"device":          device,
		}},
		{"button", map[string]any{
			"name":              "Restart",
			"device_class":      "restart",
			"command_topic":     topics.Restart(),
			"availability_mode": "all",
			"availability":      allAvailability,
			"payload_press":     "restart",
			"entity_category":   "config",
			"unique_id":         id("restart"),
			"device":            device,
		}},
		{"button", map[string]any{
			"name":              "Close Current Period",
			"command_topic":     topics.CloseCurrentPeriod(),
			"availability_mode": "all",
			"availability":      allAvailability,
			"payload_press":     "close_current_period",
			"entity_category":   "config",
			"unique_id":         id("close_current_period"),
			"device":            device,
		}},
		{"number", map[string]any{
			"name":                  "Current Price",
			"mode":                  "box",
			"min":                   "0",
			"step":                  "0.001",
			"device_class":          "monetary",
			"entity_category":       "config",
			"unit_of_measurement":   "¢",
			"command_topic":         topics.SetCurrentPrice(),
			"json_attributes_topic": price,
			"state_topic":           price,
			"value_template":        "{{ value_json.price }}",
			"availability_mode":     "all",
			"availability":          allAvailability,
			"unique_id":             id("current_price"),
			"device":                device,
		}},
		{"sensor", map[string]any{
			"name":                  "Energy Price",
			"device_class":          "monetary",
			"unit_of_measurement":   "USD/kWh",
			"json_attributes_topic": price,
			"state_topic":           price,
			"value_template":        "{{ value_json.price|float / 100 }}",
			"unique_id":             id("energy_price"),
			"device":                device,
		}},
	}
}
