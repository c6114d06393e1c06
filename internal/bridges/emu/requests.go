package emu

import (
	"context"
	"errors"
	"fmt"
)

// send encodes cmd and queues it for the device writer.
func (b *Bridge) send(cmd Command) error {
	wire, err := cmd.Encode()
	if err != nil {
		b.logger.Error("encoding device command", "command", cmd.Name, "error", err)
		return err
	}
	b.toDevice.Push(wire)
	b.metrics.QueueDepth(queueToDevice, b.toDevice.Len())
	return nil
}

// sendForMeter sends a command addressed to the known meter. It returns
// ErrIdentityUnknown while no DeviceInfo fact exists.
func (b *Bridge) sendForMeter(name string, params ...Param) error {
	mac, ok := b.facts.MeterMacID()
	if !ok {
		b.logger.Debug("skipping command until device identity is known", "command", name)
		return fmt.Errorf("%s: %w", name, ErrIdentityUnknown)
	}
	all := append([]Param{{Name: "MeterMacId", Value: mac}}, params...)
	return b.send(NewCommand(name, all...))
}

// logRequestError reports a request that could not be queued. Missing
// identity is expected until the first DeviceInfo reply and stays quiet.
func (b *Bridge) logRequestError(command string, err error) {
	if err == nil || errors.Is(err, ErrIdentityUnknown) {
		return
	}
	b.logger.Warn("device request failed", "command", command, "error", err)
}

var refresh = Param{Name: "Refresh", Value: "Y"}

// RequestDeviceInfo asks the device for its identity.
func (b *Bridge) RequestDeviceInfo() error {
	return b.send(NewCommand(CmdGetDeviceInfo))
}

// RequestTime asks the device for its clock.
func (b *Bridge) RequestTime() error {
	return b.send(NewCommand(CmdGetTime))
}

// RequestConnectionStatus asks for the meter link quality.
func (b *Bridge) RequestConnectionStatus() error {
	return b.sendForMeter(CmdGetConnectionStatus, refresh)
}

// RequestCurrentPrice asks for the active price.
func (b *Bridge) RequestCurrentPrice() error {
	return b.sendForMeter(CmdGetCurrentPrice)
}

// RequestCurrentSummation asks for cumulative delivered and received totals.
func (b *Bridge) RequestCurrentSummation() error {
	return b.sendForMeter(CmdGetCurrentSummationDelivered, refresh)
}

// RequestCurrentPeriodUsage asks for usage in the open metering period.
func (b *Bridge) RequestCurrentPeriodUsage() error {
	return b.sendForMeter(CmdGetCurrentPeriodUsage)
}

// RequestLastPeriodUsage asks for usage in the previous metering period.
func (b *Bridge) RequestLastPeriodUsage() error {
	return b.sendForMeter(CmdGetLastPeriodUsage)
}

// CloseCurrentPeriod ends the open metering period and re-reads both
// period totals.
func (b *Bridge) CloseCurrentPeriod() error {
	if err := b.sendForMeter(CmdCloseCurrentPeriod); err != nil {
		return err
	}
	b.logger.Info("closing current metering period")
	if err := b.RequestCurrentPeriodUsage(); err != nil {
		return err
	}
	return b.RequestLastPeriodUsage()
}

// Restart asks the device to reboot.
func (b *Bridge) Restart() error {
	b.logger.Warn("restarting device")
	return b.send(NewCommand(CmdRestart))
}

// SetCurrentPrice sets the device price from decimal cents text, then
// re-reads the price to confirm it.
func (b *Bridge) SetCurrentPrice(ctx context.Context, cents string) error {
	price, trailing, err := EncodePrice(cents)
	if err != nil {
		b.logger.Warn("rejecting price", "cents", cents, "error", err)
		return err
	}
	if err := b.sendForMeter(CmdSetCurrentPrice,
		Param{Name: "Price", Value: price},
		Param{Name: "TrailingDigits", Value: trailing},
	); err != nil {
		return err
	}
	b.logger.Info("setting current price", "cents", cents, "price", price, "trailing_digits", trailing)

	if err := b.clock.Sleep(ctx, b.cfg.Timings.PriceConfirm); err != nil {
		return err
	}
	return b.RequestCurrentPrice()
}

// Reinitialize re-runs the startup sequence: identity, discovery, then a
// spaced re-poll of every quantity. A request arriving while a sequence
// is running is dropped.
func (b *Bridge) Reinitialize(ctx context.Context) error {
	if !b.reinitializing.CompareAndSwap(false, true) {
		b.logger.Info("reinitialize already in progress, ignoring request")
		return nil
	}
	defer b.reinitializing.Store(false)

	b.logger.Info("reinitializing device session")
	if err := b.RequestDeviceInfo(); err != nil {
		return err
	}
	if err := b.clock.Sleep(ctx, b.cfg.Timings.ReinitIdentity); err != nil {
		return err
	}

	sent, err := b.sendDiscovery(ctx)
	if err != nil {
		return err
	}
	if !sent {
		b.logger.Warn("device identity still unknown, discovery not sent")
	}
	if err := b.clock.Sleep(ctx, b.cfg.Timings.ReinitDiscovery); err != nil {
		return err
	}

	steps := []struct {
		command string
		issue   func() error
	}{
		{CmdGetDeviceInfo, b.RequestDeviceInfo},
		{CmdGetConnectionStatus, b.RequestConnectionStatus},
		{CmdGetTime, b.RequestTime},
		{CmdGetCurrentPrice, b.RequestCurrentPrice},
		{CmdGetCurrentSummationDelivered, b.RequestCurrentSummation},
		{CmdGetLastPeriodUsage, b.RequestLastPeriodUsage},
	}
	for i, step := range steps {
		if i > 0 {
			if err := b.clock.Sleep(ctx, b.cfg.Timings.ReinitSpacing); err != nil {
				return err
			}
		}
		b.logRequestError(step.command, step.issue())
	}
	b.logger.Info("reinitialize complete")
	return nil
}
