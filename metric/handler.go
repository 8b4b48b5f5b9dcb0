package metric

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/pkg/tlsutil"
)

// Server exposes the metrics registry over HTTP, with optional TLS.
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *MetricsRegistry
	tls      *tlsutil.Config
	health   http.Handler
	mu       sync.Mutex // protects server and health fields
}

// SetHealthHandler replaces the default /health stub. Must be called
// before Start.
func (s *Server) SetHealthHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// NewServer creates a metrics server for the provided registry. A nil
// TLS config serves plain HTTP.
func NewServer(port int, path string, registry *MetricsRegistry, tlsCfg *tlsutil.Config) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		tls:      tlsCfg,
	}
}

// Start starts the metrics HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.New(errors.KindValidation, "Server", "Start",
			"metrics server already running")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.New(errors.KindConfig, "Server", "Start",
			"metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsEnabled := s.tls != nil && s.tls.Enabled
	if tlsEnabled {
		tlsConfig, err := s.tls.ServerTLSConfig()
		if err != nil {
			s.server = nil
			s.mu.Unlock()
			return errors.Wrap(err, errors.KindConfig, "Server", "Start", "load TLS config")
		}
		s.server.TLSConfig = tlsConfig
	}

	server := s.server
	s.mu.Unlock()

	var err error
	if tlsEnabled {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.KindConnection, "Server", "Start",
			fmt.Sprintf("serve metrics on port %d", s.port))
	}
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // allow restart
		if err != nil {
			return errors.Wrap(err, errors.KindConnection, "Server", "Stop", "close HTTP server")
		}
	}
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	scheme := "http"
	if s.tls != nil && s.tls.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d%s", scheme, s.port, s.path)
}
