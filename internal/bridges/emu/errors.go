package emu

import "errors"

// Domain errors for the EMU-2 bridge package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when a write is attempted while the
	// serial link to the device is down.
	ErrNotConnected = errors.New("emu: not connected to device")

	// ErrTransport is returned when the serial link fails mid-operation.
	// The session marks itself disconnected before returning it.
	ErrTransport = errors.New("emu: serial transport error")

	// ErrSessionClosed is returned after Close has been called.
	ErrSessionClosed = errors.New("emu: session closed")

	// ErrFrameParse is returned when a completed frame is not well-formed.
	ErrFrameParse = errors.New("emu: malformed frame")

	// ErrFrameTooLarge is returned when a frame grows past the configured
	// bound without a closing line.
	ErrFrameTooLarge = errors.New("emu: frame exceeds maximum size")

	// ErrUnknownResponseKind is returned when a frame's root tag has no
	// decoding rule.
	ErrUnknownResponseKind = errors.New("emu: unknown response kind")

	// ErrInvalidField is returned when a field value cannot be converted.
	ErrInvalidField = errors.New("emu: invalid field value")

	// ErrEncoding is returned when an outbound command cannot be built.
	ErrEncoding = errors.New("emu: command encoding failed")

	// ErrIdentityUnknown is returned by commands that need the meter MAC
	// before any DeviceInfo response has been seen.
	ErrIdentityUnknown = errors.New("emu: device identity not yet known")

	// ErrBusPayload is returned for inbound bus messages that cannot be
	// interpreted.
	ErrBusPayload = errors.New("emu: invalid bus payload")
)
