package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// readHeaderTimeout bounds slow clients.
const readHeaderTimeout = 5 * time.Second

// DefaultPath is where metrics are served when no path is configured.
const DefaultPath = "/metrics"

// HealthFunc reports the bridge's health. A non-nil error makes /health
// answer 503 with the error text.
type HealthFunc func(ctx context.Context) error

// Server serves a Collector and a health endpoint over HTTP.
type Server struct {
	addr      string
	path      string
	collector *Collector

	mu       sync.Mutex
	health   HealthFunc
	server   *http.Server
	listener net.Listener
	done     chan error
}

// NewServer creates a metrics server. Call Start to begin listening.
func NewServer(addr, path string, collector *Collector) *Server {
	if path == "" {
		path = DefaultPath
	}
	return &Server{addr: addr, path: path, collector: collector}
}

// SetHealthCheck replaces the function consulted by /health. Without one
// /health always answers OK.
func (s *Server) SetHealthCheck(fn HealthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// Start binds the listen address and serves in the background.
// A bind failure is returned immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}
	if s.collector == nil {
		return fmt.Errorf("metrics collector not provided")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.done = make(chan error, 1)

	go func(srv *http.Server, done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.server, s.done)

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return <-done
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle(s.path, s.collector.Handler())
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	check := s.health
	s.mu.Unlock()

	if check != nil {
		if err := check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
