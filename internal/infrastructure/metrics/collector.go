package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every bridge metric.
const namespace = "emu2mqtt"

// Collector records bridge activity.
//
// Thread Safety: All methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	framesDecoded     *prometheus.CounterVec
	framesDiscarded   *prometheus.CounterVec
	commandsWritten   prometheus.Counter
	deviceConnects    prometheus.Counter
	deviceConnected   prometheus.Gauge
	busConnected      prometheus.Gauge
	busPublishes      prometheus.Counter
	busPublishFailure prometheus.Counter
	busCommands       *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		framesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      "decoded_total",
				Help:      "Device frames decoded, by response kind",
			},
			[]string{"kind"},
		),
		framesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      "discarded_total",
				Help:      "Device frames discarded, by reason",
			},
			[]string{"reason"},
		),
		commandsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "commands_written_total",
			Help:      "Commands written to the device",
		}),
		deviceConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connects_total",
			Help:      "Successful device link connections",
		}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "Device link state (1=connected)",
		}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Broker link state (1=connected)",
		}),
		busPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Messages published to the broker",
		}),
		busPublishFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Failed publish attempts",
		}),
		busCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "commands_total",
				Help:      "Inbound bus commands, by action",
			},
			[]string{"action"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Items waiting in each internal queue",
			},
			[]string{"queue"},
		),
	}

	c.registry.MustRegister(
		c.framesDecoded,
		c.framesDiscarded,
		c.commandsWritten,
		c.deviceConnects,
		c.deviceConnected,
		c.busConnected,
		c.busPublishes,
		c.busPublishFailure,
		c.busCommands,
		c.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition formats.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// FrameDecoded counts a decoded frame.
func (c *Collector) FrameDecoded(kind string) {
	c.framesDecoded.WithLabelValues(kind).Inc()
}

// FrameDiscarded counts a discarded frame.
func (c *Collector) FrameDiscarded(reason string) {
	c.framesDiscarded.WithLabelValues(reason).Inc()
}

// CommandWritten counts a command written to the device.
func (c *Collector) CommandWritten() {
	c.commandsWritten.Inc()
}

// DeviceConnection records a device link transition.
func (c *Collector) DeviceConnection(connected bool) {
	if connected {
		c.deviceConnects.Inc()
	}
	c.deviceConnected.Set(boolValue(connected))
}

// BusConnection records a broker link transition.
func (c *Collector) BusConnection(connected bool) {
	c.busConnected.Set(boolValue(connected))
}

// BusPublished counts a successful publish.
func (c *Collector) BusPublished() {
	c.busPublishes.Inc()
}

// BusPublishFailed counts a failed publish attempt.
func (c *Collector) BusPublishFailed() {
	c.busPublishFailure.Inc()
}

// BusCommand counts an inbound bus command.
func (c *Collector) BusCommand(action string) {
	c.busCommands.WithLabelValues(action).Inc()
}

// QueueDepth records the current length of a queue.
func (c *Collector) QueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
