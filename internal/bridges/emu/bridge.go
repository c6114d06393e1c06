package emu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/emu2mqtt/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// defaultBusRetryDelay is the wait between publish or subscribe
	// attempts while the bus is unavailable.
	defaultBusRetryDelay = 5 * time.Second

	// defaultShutdownGrace lets in-flight work settle before cancellation.
	defaultShutdownGrace = time.Second

	// snapshotTimeout bounds one identity snapshot write.
	snapshotTimeout = 5 * time.Second

	// finalStatusTimeout bounds the last status publish on shutdown.
	finalStatusTimeout = 5 * time.Second
)

// Queue names reported to Metrics.
const (
	queueToBus    = "to_bus"
	queueToDevice = "to_device"
)

// Message is one unit on the device-to-bus queue. Topic is relative to the
// bridge prefix unless Absolute is set.
type Message struct {
	Topic    string
	Absolute bool
	Payload  any
}

// DeviceLink is the device side of the bridge.
// *Session is the production implementation.
type DeviceLink interface {
	ReadLine(ctx context.Context) (string, error)
	Write(ctx context.Context, data []byte) error
	WaitConnected(ctx context.Context) error
	IsConnected() bool
	SetOnStateChange(fn func(connected bool))
	Close() error
}

// Ensure Session implements DeviceLink.
var _ DeviceLink = (*Session)(nil)

// BusClient is the message bus side of the bridge.
// This allows mocking in tests; *mqtt.Client is the production implementation.
type BusClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// SnapshotStore persists the latest device identity so identity-dependent
// polls can run before the device answers after a restart.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, kind string, payload []byte) error
}

// Metrics receives bridge activity counts. All methods must be safe for
// concurrent use.
type Metrics interface {
	FrameDecoded(kind string)
	FrameDiscarded(reason string)
	CommandWritten()
	DeviceConnection(connected bool)
	BusPublished()
	BusPublishFailed()
	BusCommand(action string)
	QueueDepth(queue string, depth int)
}

type nopMetrics struct{}

func (nopMetrics) FrameDecoded(string)    {}
func (nopMetrics) FrameDiscarded(string)  {}
func (nopMetrics) CommandWritten()        {}
func (nopMetrics) DeviceConnection(bool)  {}
func (nopMetrics) BusPublished()          {}
func (nopMetrics) BusPublishFailed()      {}
func (nopMetrics) BusCommand(string)      {}
func (nopMetrics) QueueDepth(string, int) {}

// PollSchedule holds the interval of each periodic request. A zero
// interval disables that poller.
type PollSchedule struct {
	DeviceInfo       time.Duration
	ConnectionStatus time.Duration
	Time             time.Duration
	Price            time.Duration
	Summation        time.Duration
	CurrentPeriod    time.Duration
	LastPeriod       time.Duration

	// Stagger offsets the first run of each poller from the previous one.
	Stagger time.Duration

	// DisconnectBackoff is how long a poller waits when the device is down.
	DisconnectBackoff time.Duration
}

// DefaultPollSchedule returns the production polling intervals.
func DefaultPollSchedule() PollSchedule {
	return PollSchedule{
		DeviceInfo:        5 * time.Minute,
		ConnectionStatus:  time.Minute,
		Time:              time.Hour,
		Price:             30 * time.Minute,
		Summation:         time.Minute,
		CurrentPeriod:     time.Minute,
		LastPeriod:        3 * time.Hour,
		Stagger:           5 * time.Second,
		DisconnectBackoff: 5 * time.Second,
	}
}

// Timings holds the waits inside multi-step workflows.
type Timings struct {
	// DiscoveryRetry is how often discovery is retried until identity is known.
	DiscoveryRetry time.Duration
	// DiscoveryStatus is the wait between queueing discovery and the status.
	DiscoveryStatus time.Duration
	// ReinitIdentity is the wait after requesting identity on reinitialize.
	ReinitIdentity time.Duration
	// ReinitDiscovery is the wait after sending discovery on reinitialize.
	ReinitDiscovery time.Duration
	// ReinitSpacing separates the re-poll requests of a reinitialize.
	ReinitSpacing time.Duration
	// PriceConfirm is the wait before re-reading a newly set price.
	PriceConfirm time.Duration
}

// DefaultTimings returns the production workflow timings.
func DefaultTimings() Timings {
	return Timings{
		DiscoveryRetry:  10 * time.Second,
		DiscoveryStatus: 2 * time.Second,
		ReinitIdentity:  10 * time.Second,
		ReinitDiscovery: 5 * time.Second,
		ReinitSpacing:   10 * time.Second,
		PriceConfirm:    3 * time.Second,
	}
}

// BridgeConfig holds the orchestration settings.
type BridgeConfig struct {
	Topics mqtt.Topics

	// BirthTopic receives "online" when Home Assistant starts.
	// Empty disables the subscription.
	BirthTopic string

	QoS           byte
	Polling       PollSchedule
	Timings       Timings
	MaxFrameBytes int
	ShutdownGrace time.Duration
	BusRetryDelay time.Duration
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config BridgeConfig

	// Device is the device link. Required.
	Device DeviceLink

	// Bus is the message bus client. Required.
	Bus BusClient

	// Facts is the session fact store. A new one is created if nil, but
	// callers seeding a persisted identity pass their own.
	Facts *Facts

	// Marker is the optional liveness file.
	Marker *Marker

	// Snapshots is the optional identity store.
	Snapshots SnapshotStore

	Metrics Metrics
	Clock   Clock
	Logger  Logger
}

// Bridge joins the device session and the bus.
//
// It owns two unbounded FIFO queues: decoded responses and status events
// flow device-to-bus, raw command bytes flow bus-to-device. A fixed set
// of goroutines moves data between them: device reader, device writer,
// bus subscriber, bus writer, one poller per monitored quantity and a
// one-shot discovery waiter.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Bridge struct {
	cfg       BridgeConfig
	device    DeviceLink
	bus       BusClient
	facts     *Facts
	marker    *Marker
	snapshots SnapshotStore
	metrics   Metrics
	clock     Clock
	logger    Logger

	state     SessionState
	toBus     *Queue[Message]
	toDevice  *Queue[[]byte]
	assembler *Assembler

	reinitializing atomic.Bool
	running        atomic.Bool

	// Task coordination. mu guards ctx and stopping so no goroutine is
	// added to wg once shutdown has begun.
	mu       sync.Mutex
	ctx      context.Context
	stopping bool
	wg       sync.WaitGroup
}

// NewBridge creates a new bridge instance.
// Call Run to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("device link is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus client is required")
	}

	cfg := opts.Config
	if cfg.Topics.Prefix == "" || cfg.Topics.DiscoveryPrefix == "" {
		cfg.Topics = mqtt.NewTopics(cfg.Topics.Prefix, cfg.Topics.DiscoveryPrefix)
	}
	if cfg.BusRetryDelay <= 0 {
		cfg.BusRetryDelay = defaultBusRetryDelay
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.Polling.DisconnectBackoff <= 0 {
		cfg.Polling.DisconnectBackoff = DefaultPollSchedule().DisconnectBackoff
	}

	facts := opts.Facts
	if facts == nil {
		facts = NewFacts()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	b := &Bridge{
		cfg:       cfg,
		device:    opts.Device,
		bus:       opts.Bus,
		facts:     facts,
		marker:    opts.Marker,
		snapshots: opts.Snapshots,
		metrics:   metrics,
		clock:     clock,
		logger:    orNop(opts.Logger),
		toBus:     NewQueue[Message](),
		toDevice:  NewQueue[[]byte](),
		assembler: NewAssembler(cfg.MaxFrameBytes),
	}
	b.state.setBusConnected(opts.Bus.IsConnected())
	return b, nil
}

// Run starts every bridge task and blocks until ctx is cancelled, then
// shuts down: it flags shutdown, waits the grace period, cancels all
// tasks, closes the device link and publishes a final disconnected
// status. Run may only be called once.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("emu: bridge already running")
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.mu.Lock()
	b.ctx = taskCtx
	b.mu.Unlock()

	b.device.SetOnStateChange(b.handleDeviceState)

	b.spawn(b.deviceReader)
	b.spawn(b.deviceWriter)
	b.spawn(b.busSubscriber)
	b.spawn(b.busWriter)

	polls := b.polls()
	for i, p := range polls {
		offset := time.Duration(i+1) * b.cfg.Polling.Stagger
		b.spawn(func(ctx context.Context) { b.runPoller(ctx, p, offset) })
	}
	b.spawn(b.discoveryWaiter)

	b.logger.Info("bridge started",
		"prefix", b.cfg.Topics.Prefix,
		"pollers", len(polls),
	)

	<-ctx.Done()
	b.shutdown(cancel)
	return nil
}

// spawn runs fn in a tracked goroutine. It reports false once shutdown
// has begun.
func (b *Bridge) spawn(fn func(ctx context.Context)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping || b.ctx == nil {
		return false
	}
	ctx := b.ctx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
	return true
}

func (b *Bridge) shutdown(cancel context.CancelFunc) {
	b.state.beginShutdown()
	b.logger.Info("shutting down bridge", "grace", b.cfg.ShutdownGrace.String())
	_ = b.clock.Sleep(context.Background(), b.cfg.ShutdownGrace)

	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	cancel()
	if err := b.device.Close(); err != nil {
		b.logger.Warn("closing device link", "error", err)
	}
	b.wg.Wait()

	b.publishFinalStatus()
	b.logger.Info("bridge stopped")
}

// publishFinalStatus reports the device as disconnected, best effort.
func (b *Bridge) publishFinalStatus() {
	b.state.setDeviceConnected(false)
	b.updateMarker(false)

	payload, err := json.Marshal(NewStatusPayload(false, b.clock.Now()))
	if err != nil {
		b.logger.Error("encoding final status", "error", err)
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- b.bus.Publish(b.cfg.Topics.Status(), payload, b.cfg.QoS, false)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("final status not published", "error", err)
			return
		}
		b.metrics.BusPublished()
	case <-time.After(finalStatusTimeout):
		b.logger.Warn("final status publish timed out")
	}
}

// State returns a snapshot of the link and shutdown flags.
func (b *Bridge) State() StateSnapshot {
	return b.state.Snapshot()
}

// Facts returns the session fact store.
func (b *Bridge) Facts() *Facts {
	return b.facts
}

// SetBusConnected records a bus link transition. Wire it to the bus
// client's connect and disconnect callbacks.
func (b *Bridge) SetBusConnected(connected bool) {
	if !b.state.setBusConnected(connected) {
		return
	}
	if connected {
		b.logger.Info("connected to bus")
	} else {
		b.logger.Warn("lost connection to bus")
	}
}

// handleDeviceState is called by the device link on every transition.
func (b *Bridge) handleDeviceState(connected bool) {
	if !b.state.setDeviceConnected(connected) {
		return
	}
	b.metrics.DeviceConnection(connected)
	b.enqueueStatus()
}

// enqueueStatus queues the current device link status and syncs the
// liveness marker.
func (b *Bridge) enqueueStatus() {
	connected := b.state.DeviceConnected()
	b.pushBus(Message{
		Topic:   mqtt.SuffixStatus,
		Payload: NewStatusPayload(connected, b.clock.Now()),
	})
	b.updateMarker(connected)
}

func (b *Bridge) updateMarker(connected bool) {
	changed, err := b.marker.Update(connected)
	if err != nil {
		b.logger.Error("updating liveness marker", "path", b.marker.Path(), "error", err)
		return
	}
	if changed {
		b.logger.Debug("liveness marker updated", "path", b.marker.Path(), "connected", connected)
	}
}

func (b *Bridge) pushBus(m Message) {
	b.toBus.Push(m)
	b.metrics.QueueDepth(queueToBus, b.toBus.Len())
}

// deviceReader assembles device lines into frames and decodes them.
func (b *Bridge) deviceReader(ctx context.Context) {
	for {
		line, err := b.device.ReadLine(ctx)
		if err != nil {
			b.assembler.Reset()
			if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
				return
			}
			b.logger.Debug("device read interrupted", "error", err)
			continue
		}

		frame, err := b.assembler.Feed(line)
		if err != nil {
			b.metrics.FrameDiscarded(discardReason(err))
			b.logger.Warn("discarding device frame", "error", err)
			continue
		}
		if frame != nil {
			b.handleFrame(ctx, frame)
		}
	}
}

// handleFrame decodes a frame, records it as a fact and queues it for
// publishing.
func (b *Bridge) handleFrame(ctx context.Context, frame *Frame) {
	resp, err := Decode(frame, b.facts.DecodeContext(b.clock.Now()))
	if err != nil {
		b.metrics.FrameDiscarded(discardReason(err))
		b.logger.Warn("unrecognized response from device", "tag", frame.Tag, "error", err)
		return
	}

	b.facts.Store(resp)
	b.metrics.FrameDecoded(resp.Kind)
	b.logger.Debug("decoded device response", "kind", resp.Kind)

	if resp.Kind == KindDeviceInfo {
		b.saveSnapshot(ctx, resp)
	}

	b.pushBus(Message{Topic: resp.Key, Payload: resp.Fields})
}

func (b *Bridge) saveSnapshot(ctx context.Context, resp *Response) {
	if b.snapshots == nil {
		return
	}
	payload, err := json.Marshal(resp.Fields)
	if err != nil {
		b.logger.Error("encoding identity snapshot", "error", err)
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	if err := b.snapshots.SaveSnapshot(saveCtx, resp.Kind, payload); err != nil {
		b.logger.Error("saving identity snapshot", "error", err)
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, ErrUnknownResponseKind):
		return "unknown_kind"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	default:
		return "parse"
	}
}

// deviceWriter sends queued commands in order, subject to the session's
// pacing floor.
func (b *Bridge) deviceWriter(ctx context.Context) {
	for {
		wire, err := b.toDevice.Pop(ctx)
		if err != nil {
			return
		}
		b.metrics.QueueDepth(queueToDevice, b.toDevice.Len())

		if err := b.device.WaitConnected(ctx); err != nil {
			return
		}
		if err := b.device.Write(ctx, wire); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
				return
			}
			b.logger.Warn("dropping command after write failure",
				"command", strings.TrimSpace(string(wire)),
				"error", err,
			)
			continue
		}
		b.metrics.CommandWritten()
		b.logger.Debug("sent command to device", "command", strings.TrimSpace(string(wire)))
	}
}

// busWriter publishes queued messages in order.
func (b *Bridge) busWriter(ctx context.Context) {
	for {
		msg, err := b.toBus.Pop(ctx)
		if err != nil {
			return
		}
		b.metrics.QueueDepth(queueToBus, b.toBus.Len())
		b.publish(ctx, msg)
	}
}

// publish sends one message, retrying while the recorded bus state is
// disconnected so ordering is kept across reconnects. A failure while
// connected drops the message.
func (b *Bridge) publish(ctx context.Context, msg Message) {
	topic := msg.Topic
	if !msg.Absolute {
		topic = b.cfg.Topics.Response(msg.Topic)
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		b.logger.Error("encoding bus message", "topic", topic, "error", err)
		return
	}

	for {
		err := b.bus.Publish(topic, payload, b.cfg.QoS, false)
		if err == nil {
			b.metrics.BusPublished()
			b.logger.Debug("published bus message", "topic", topic)
			return
		}
		b.metrics.BusPublishFailed()

		if b.state.BusConnected() {
			b.logger.Warn("dropping bus message after publish failure", "topic", topic, "error", err)
			return
		}
		b.logger.Warn("bus unavailable, retrying publish",
			"topic", topic,
			"delay", b.cfg.BusRetryDelay.String(),
			"error", err,
		)
		if err := b.clock.Sleep(ctx, b.cfg.BusRetryDelay); err != nil {
			return
		}
	}
}

// busSubscriber subscribes to every inbound topic, retrying failures.
// The bus client restores subscriptions itself after a reconnect.
func (b *Bridge) busSubscriber(ctx context.Context) {
	pending := b.cfg.Topics.Inbound()
	if b.cfg.BirthTopic != "" {
		pending = append(pending, b.cfg.BirthTopic)
	}

	for {
		var failed []string
		for _, topic := range pending {
			if err := b.bus.Subscribe(topic, b.cfg.QoS, b.handleBusMessage); err != nil {
				b.logger.Warn("subscribe failed", "topic", topic, "error", err)
				failed = append(failed, topic)
				continue
			}
			b.logger.Info("subscribed to bus topic", "topic", topic)
		}
		if len(failed) == 0 {
			return
		}
		pending = failed
		if err := b.clock.Sleep(ctx, b.cfg.BusRetryDelay); err != nil {
			return
		}
	}
}

// poll is one periodic device request.
type poll struct {
	name     string
	interval time.Duration
	issue    func() error
}

// polls returns the enabled pollers in their stagger order.
func (b *Bridge) polls() []poll {
	s := b.cfg.Polling
	all := []poll{
		{CmdGetDeviceInfo, s.DeviceInfo, b.RequestDeviceInfo},
		{CmdGetConnectionStatus, s.ConnectionStatus, b.RequestConnectionStatus},
		{CmdGetTime, s.Time, b.RequestTime},
		{CmdGetCurrentPrice, s.Price, b.RequestCurrentPrice},
		{CmdGetCurrentSummationDelivered, s.Summation, b.RequestCurrentSummation},
		{CmdGetCurrentPeriodUsage, s.CurrentPeriod, b.RequestCurrentPeriodUsage},
		{CmdGetLastPeriodUsage, s.LastPeriod, b.RequestLastPeriodUsage},
	}

	enabled := all[:0]
	for _, p := range all {
		if p.interval > 0 {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// runPoller issues p every interval after an initial offset. Ticks that
// find the device disconnected back off briefly instead of queueing.
func (b *Bridge) runPoller(ctx context.Context, p poll, offset time.Duration) {
	if err := b.clock.Sleep(ctx, offset); err != nil {
		return
	}
	b.logger.Info("polling device", "command", p.name, "interval", p.interval.String())

	for !b.state.ShuttingDown() {
		if !b.device.IsConnected() {
			if err := b.clock.Sleep(ctx, b.cfg.Polling.DisconnectBackoff); err != nil {
				return
			}
			continue
		}
		b.logRequestError(p.name, p.issue())
		if err := b.clock.Sleep(ctx, p.interval); err != nil {
			return
		}
	}
}

// discoveryWaiter sends discovery once, as soon as identity is known.
func (b *Bridge) discoveryWaiter(ctx context.Context) {
	for {
		sent, err := b.sendDiscovery(ctx)
		if sent || err != nil {
			return
		}
		if err := b.clock.Sleep(ctx, b.cfg.Timings.DiscoveryRetry); err != nil {
			return
		}
	}
}

// sendDiscovery queues the discovery configs followed, after a short
// wait, by the current status. It reports false when identity is not yet
// known.
func (b *Bridge) sendDiscovery(ctx context.Context) (bool, error) {
	info, ok := b.facts.DeviceInfo()
	if !ok {
		return false, nil
	}

	b.logger.Info("sending device discovery")
	for _, m := range DiscoveryMessages(b.cfg.Topics, info) {
		b.pushBus(m)
	}

	if err := b.clock.Sleep(ctx, b.cfg.Timings.DiscoveryStatus); err != nil {
		return true, err
	}
	b.enqueueStatus()
	return true, nil
}
