package emu

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// statusTimeLayout is local ISO 8601 with microseconds and UTC offset.
const statusTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// StatusPayload is published on <prefix>/status on every device link
// transition.
type StatusPayload struct {
	Connected bool   `json:"connected"`
	Datetime  string `json:"datetime"`
}

// NewStatusPayload builds a status payload stamped with now.
func NewStatusPayload(connected bool, now time.Time) StatusPayload {
	return StatusPayload{
		Connected: connected,
		Datetime:  now.Format(statusTimeLayout),
	}
}

// SessionState tracks both links and the shutdown flag.
// shuttingDown only ever goes from false to true.
type SessionState struct {
	deviceConnected atomic.Bool
	busConnected    atomic.Bool
	shuttingDown    atomic.Bool
}

// StateSnapshot is a point-in-time copy of SessionState.
type StateSnapshot struct {
	DeviceConnected bool
	BusConnected    bool
	ShuttingDown    bool
}

// DeviceConnected reports the last known device link state.
func (s *SessionState) DeviceConnected() bool { return s.deviceConnected.Load() }

// BusConnected reports the last known bus link state.
func (s *SessionState) BusConnected() bool { return s.busConnected.Load() }

// ShuttingDown reports whether shutdown has begun.
func (s *SessionState) ShuttingDown() bool { return s.shuttingDown.Load() }

// Snapshot copies the current state.
func (s *SessionState) Snapshot() StateSnapshot {
	return StateSnapshot{
		DeviceConnected: s.DeviceConnected(),
		BusConnected:    s.BusConnected(),
		ShuttingDown:    s.ShuttingDown(),
	}
}

// setDeviceConnected stores v and reports whether it changed.
func (s *SessionState) setDeviceConnected(v bool) bool {
	return s.deviceConnected.Swap(v) != v
}

// setBusConnected stores v and reports whether it changed.
func (s *SessionState) setBusConnected(v bool) bool {
	return s.busConnected.Swap(v) != v
}

// beginShutdown sets the shutdown flag, reporting whether this call set it.
func (s *SessionState) beginShutdown() bool {
	return s.shuttingDown.CompareAndSwap(false, true)
}

// Marker is the liveness file: present while the device is connected.
//
// Update checks the file before touching it, so repeated calls with the
// same state do nothing. A Marker with an empty path is disabled.
type Marker struct {
	path  string
	clock Clock
	mu    sync.Mutex
}

// NewMarker returns a Marker for path. clock defaults to SystemClock.
func NewMarker(path string, clock Clock) *Marker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Marker{path: path, clock: clock}
}

// Path returns the marker location.
func (m *Marker) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// Update creates the marker when connected and absent, and removes it when
// disconnected and present. It reports whether the file was changed.
func (m *Marker) Update(connected bool) (bool, error) {
	if m == nil || m.path == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := os.Stat(m.path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat marker: %w", err)
	}

	switch {
	case connected && !exists:
		stamp := m.clock.Now().Format(statusTimeLayout)
		if err := os.WriteFile(m.path, []byte(stamp), 0o644); err != nil {
			return false, fmt.Errorf("create marker: %w", err)
		}
		return true, nil
	case !connected && exists:
		if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove marker: %w", err)
		}
		return true, nil
	}
	return false, nil
}
