package emu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Default device link timings.
const (
	// DefaultReconnectDelay is the fixed delay between connection attempts.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultSettleDelay is how long a freshly opened port is left alone
	// before the link is reported as connected.
	DefaultSettleDelay = 2 * time.Second

	// DefaultWritePacing is the quiet period the device needs after each
	// command. Commands written faster than this are silently dropped by
	// the device.
	DefaultWritePacing = 3 * time.Second
)

// SessionConfig holds the device link settings.
//
// Zero durations take the package defaults. WritePacing below
// DefaultWritePacing is raised to it.
type SessionConfig struct {
	Device         string
	BaudRate       int
	ReconnectDelay time.Duration
	SettleDelay    time.Duration
	WritePacing    time.Duration
}

// Opener opens the physical link to the device.
type Opener func(device string, baudRate int) (io.ReadWriteCloser, error)

// SerialOpener opens a serial port at 8N1.
func SerialOpener(device string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return port, nil
}

// SessionOptions holds the dependencies of a Session.
type SessionOptions struct {
	Config SessionConfig

	// Opener defaults to SerialOpener.
	Opener Opener

	// Clock defaults to SystemClock.
	Clock Clock

	Logger Logger
}

// Session owns the link to the device.
//
// Connect retries forever with a fixed delay. A read or write failure
// marks the session disconnected exactly once per connection and closes
// the port; the next ReadLine reconnects. Writes are paced: after a
// successful write no further write starts until WritePacing has elapsed.
//
// Thread Safety:
//   - ReadLine is intended for a single reader goroutine.
//   - Write may run concurrently with ReadLine.
type Session struct {
	cfg    SessionConfig
	open   Opener
	clock  Clock
	logger Logger

	mu         sync.Mutex
	port       io.ReadWriteCloser
	reader     *bufio.Reader
	connected  bool
	closed     bool
	generation uint64
	ready      chan struct{} // closed while connected
	onState    func(connected bool)

	writeMu   sync.Mutex
	nextWrite time.Time
}

// NewSession creates a disconnected session. Call ReadLine or Connect to
// open the link.
func NewSession(opts SessionOptions) *Session {
	cfg := opts.Config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	// Pacing is a floor: shorter values are raised to it.
	if cfg.WritePacing < DefaultWritePacing {
		cfg.WritePacing = DefaultWritePacing
	}

	open := opts.Opener
	if open == nil {
		open = SerialOpener
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	return &Session{
		cfg:    cfg,
		open:   open,
		clock:  clock,
		logger: orNop(opts.Logger),
		ready:  make(chan struct{}),
	}
}

// SetOnStateChange registers a callback for connect and disconnect
// transitions. It is called outside the session's locks.
func (s *Session) SetOnStateChange(fn func(connected bool)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Connect opens the link, retrying every ReconnectDelay until it succeeds,
// ctx is done, or the session is closed. It returns immediately when
// already connected.
func (s *Session) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		closed, connected := s.closed, s.connected
		s.mu.Unlock()
		if closed {
			return ErrSessionClosed
		}
		if connected {
			return nil
		}

		port, err := s.open(s.cfg.Device, s.cfg.BaudRate)
		if err == nil {
			return s.establish(ctx, port)
		}

		s.logger.Warn("reconnecting to device",
			"device", s.cfg.Device,
			"attempt", attempt,
			"delay", s.cfg.ReconnectDelay.String(),
			"error", err,
		)
		if err := s.clock.Sleep(ctx, s.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

// establish installs a freshly opened port once it has settled.
func (s *Session) establish(ctx context.Context, port io.ReadWriteCloser) error {
	if err := s.clock.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		port.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		port.Close()
		return ErrSessionClosed
	}
	s.port = port
	s.reader = bufio.NewReader(port)
	s.connected = true
	s.generation++
	close(s.ready)
	cb := s.onState
	s.mu.Unlock()

	s.logger.Info("connected to device", "device", s.cfg.Device)
	if cb != nil {
		cb(true)
	}
	return nil
}

// ReadLine returns the next line from the device, connecting first if
// needed. On a transport failure the session is marked disconnected and
// an ErrTransport error is returned; the caller should call ReadLine again
// to reconnect.
func (s *Session) ReadLine(ctx context.Context) (string, error) {
	for {
		if err := s.Connect(ctx); err != nil {
			return "", err
		}

		s.mu.Lock()
		r, gen, ok := s.reader, s.generation, s.connected
		s.mu.Unlock()
		if !ok {
			continue
		}

		line, err := r.ReadString('\n')
		if err != nil {
			s.markDisconnected(gen, err)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		return strings.ToValidUTF8(line, "\uFFFD"), nil
	}
}

// Write sends data to the device, first waiting out the pacing floor left
// by the previous write.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if wait := s.nextWrite.Sub(s.clock.Now()); wait > 0 {
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	s.mu.Lock()
	port, gen, connected, closed := s.port, s.generation, s.connected, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if !connected {
		return ErrNotConnected
	}

	if _, err := port.Write(data); err != nil {
		s.markDisconnected(gen, err)
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	s.nextWrite = s.clock.Now().Add(s.cfg.WritePacing)
	return nil
}

// WaitConnected blocks until the link is up or ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	ready, closed := s.ready, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// IsConnected reports whether the link is currently up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close closes the link and stops further reconnects. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	gen := s.generation
	s.mu.Unlock()

	s.markDisconnected(gen, nil)
	return nil
}

// markDisconnected tears down connection gen. Later calls for the same
// connection, or for one already replaced, are no-ops.
func (s *Session) markDisconnected(gen uint64, cause error) {
	s.mu.Lock()
	if !s.connected || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.connected = false
	port := s.port
	s.port = nil
	s.reader = nil
	s.ready = make(chan struct{})
	cb := s.onState
	s.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if cause != nil {
		s.logger.Warn("lost connection to device", "device", s.cfg.Device, "error", cause)
	} else {
		s.logger.Info("closed device connection", "device", s.cfg.Device)
	}
	if cb != nil {
		cb(false)
	}
}
