package mqtt

import (
	"fmt"
	"strings"
)

// Default topic roots.
const (
	// DefaultPrefix is the root of every topic the bridge owns.
	DefaultPrefix = "emu2"

	// DefaultDiscoveryPrefix is Home Assistant's discovery root.
	DefaultDiscoveryPrefix = "homeassistant"

	// DefaultBirthTopic is where Home Assistant announces it is online.
	DefaultBirthTopic = "homeassistant/status"
)

// Topic suffixes below the prefix.
const (
	SuffixStatus             = "status"
	SuffixCommand            = "command"
	SuffixReinitialize       = "reinitialize"
	SuffixCloseCurrentPeriod = "close_current_period"
	SuffixRestart            = "restart"
	SuffixSetCurrentPrice    = "set_current_price"
)

// Topics provides builders for emu2mqtt topics.
// Using these helpers keeps topic naming consistent between the publisher
// and the subscriptions.
//
//	topics := mqtt.NewTopics("emu2", "homeassistant")
//	topics.Response("price_cluster") // "emu2/price_cluster"
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
}

// NewTopics returns topic builders, falling back to the defaults for empty
// roots. Trailing slashes are trimmed.
func NewTopics(prefix, discoveryPrefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	discoveryPrefix = strings.TrimRight(discoveryPrefix, "/")
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	return Topics{Prefix: prefix, DiscoveryPrefix: discoveryPrefix}
}

// Response returns the topic for a decoded response key or other suffix.
//
// Example: emu2/current_summation_delivered
func (t Topics) Response(key string) string {
	return fmt.Sprintf("%s/%s", t.Prefix, key)
}

// Status returns the device link status topic.
//
// Example: emu2/status
func (t Topics) Status() string {
	return t.Response(SuffixStatus)
}

// Command returns the raw command passthrough topic.
func (t Topics) Command() string {
	return t.Response(SuffixCommand)
}

// Reinitialize returns the topic that re-runs the startup sequence.
func (t Topics) Reinitialize() string {
	return t.Response(SuffixReinitialize)
}

// CloseCurrentPeriod returns the topic that ends the metering period.
func (t Topics) CloseCurrentPeriod() string {
	return t.Response(SuffixCloseCurrentPeriod)
}

// Restart returns the device restart topic.
func (t Topics) Restart() string {
	return t.Response(SuffixRestart)
}

// SetCurrentPrice returns the topic carrying a new price in cents.
func (t Topics) SetCurrentPrice() string {
	return t.Response(SuffixSetCurrentPrice)
}

// Inbound returns every prefix-relative topic the bridge subscribes to.
func (t Topics) Inbound() []string {
	return []string{
		t.Command(),
		t.Reinitialize(),
		t.CloseCurrentPeriod(),
		t.Restart(),
		t.SetCurrentPrice(),
	}
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/sensor/0xd8d5b900000113ae_power/config
func (t Topics) Discovery(component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, component, uniqueID)
}
