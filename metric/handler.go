package metric

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/health"
)

// Server exposes a registry over HTTP for Prometheus scraping, with a
// health endpoint alongside.
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *MetricsRegistry
	monitor  *health.Monitor
	mu       sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthMonitor backs /healthz with an aggregated health monitor.
// Without one the endpoint always reports OK.
func WithHealthMonitor(m *health.Monitor) ServerOption {
	return func(s *Server) {
		s.monitor = m
	}
}

// NewServer creates a metrics server. Port 0 defaults to 9090, an
// empty path to /metrics.
func NewServer(port int, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	s := &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until Stop is called. It blocks; run it on its own
// goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running: %w", errors.ErrInvalidState),
			"metric", "Start", "listener state check")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry: %w", errors.ErrNotInitialized),
			"metric", "Start", "registry check")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	monitor := s.monitor
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if monitor == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		overall := monitor.Overall()
		w.Header().Set("Content-Type", "application/json")
		if !overall.Serving() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(overall)
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "metric", "Start",
			fmt.Sprintf("serve on port %d", s.port))
	}
	return nil
}

// Stop closes the listener. Safe to call when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "metric", "Stop", "listener close")
	}
	return nil
}

// Address returns the scrape URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
