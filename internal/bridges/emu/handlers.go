package emu

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Bus actions reported to Metrics.
const (
	actionCommand            = "command"
	actionReinitialize       = "reinitialize"
	actionBirth              = "birth"
	actionCloseCurrentPeriod = "close_current_period"
	actionRestart            = "restart"
	actionSetCurrentPrice    = "set_current_price"
)

// birthOnline is the payload Home Assistant sends on its birth topic at
// startup.
const birthOnline = "online"

// handleBusMessage dispatches one inbound bus message by topic.
// Errors are logged by the bus client's handler wrapper.
func (b *Bridge) handleBusMessage(topic string, payload []byte) error {
	t := b.cfg.Topics

	// Payload is ignored for these two.
	switch topic {
	case t.CloseCurrentPeriod():
		b.metrics.BusCommand(actionCloseCurrentPeriod)
		return b.CloseCurrentPeriod()
	case t.Restart():
		b.metrics.BusCommand(actionRestart)
		return b.Restart()
	}

	if !utf8.Valid(payload) {
		return fmt.Errorf("%w: %s: payload is not UTF-8", ErrBusPayload, topic)
	}
	text := string(payload)

	switch topic {
	case t.Command():
		b.metrics.BusCommand(actionCommand)
		b.toDevice.Push(append([]byte(nil), payload...))
		b.metrics.QueueDepth(queueToDevice, b.toDevice.Len())
		b.logger.Debug("queued raw command", "command", strings.TrimSpace(text))
		return nil

	case t.Reinitialize():
		b.metrics.BusCommand(actionReinitialize)
		b.startReinitialize()
		return nil

	case t.SetCurrentPrice():
		b.metrics.BusCommand(actionSetCurrentPrice)
		cents := strings.TrimSpace(text)
		b.spawn(func(ctx context.Context) {
			_ = b.SetCurrentPrice(ctx, cents)
		})
		return nil
	}

	if b.cfg.BirthTopic != "" && topic == b.cfg.BirthTopic {
		if strings.TrimSpace(text) != birthOnline {
			b.logger.Debug("ignoring birth message", "payload", text)
			return nil
		}
		b.metrics.BusCommand(actionBirth)
		b.logger.Info("home assistant came online")
		b.startReinitialize()
		return nil
	}

	b.logger.Debug("ignoring message on unhandled topic", "topic", topic)
	return nil
}

func (b *Bridge) startReinitialize() {
	b.spawn(func(ctx context.Context) {
		if err := b.Reinitialize(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("reinitialize failed", "error", err)
		}
	})
}
