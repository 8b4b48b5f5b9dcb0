// Package rest implements the REST transport: an HTTP server exposing
// envelope routes and an HTTP client speaking the same protocol. Request
// and response bodies carry JSON envelopes; GET requests carry the
// request envelope base64-encoded in the X-Qollective-Envelope header.
package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

// EnvelopeHeader carries the base64-encoded request envelope on GET
// requests, which have no body to put it in.
const EnvelopeHeader = "X-Qollective-Envelope"

// Server is the REST transport server. Routes are registered before
// Start; the handler registry is immutable while running.
type Server struct {
	cfg       transport.ServerConfig
	logger    *logging.Logger
	metrics   *metric.Metrics
	extractor *tenant.Extractor

	maxHeaderSize int
	enableCORS    bool
	corsOrigins   []string

	mu     sync.RWMutex
	routes map[string]handler.Raw

	running  atomic.Bool
	server   *http.Server
	listener net.Listener

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics recording.
func WithMetrics(m *metric.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithTenantExtractor enables tenant extraction middleware.
func WithTenantExtractor(e *tenant.Extractor) ServerOption {
	return func(s *Server) { s.extractor = e }
}

// WithCORS enables CORS for the given origins ("*" allows any).
func WithCORS(origins []string) ServerOption {
	return func(s *Server) {
		s.enableCORS = true
		s.corsOrigins = origins
	}
}

// WithMaxHeaderSize overrides the envelope header size bound.
func WithMaxHeaderSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxHeaderSize = n
		}
	}
}

// NewServer creates a REST server from configuration.
func NewServer(cfg transport.ServerConfig, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		logger:        logging.Nop(),
		maxHeaderSize: transport.DefaultMaxHeaderSize,
		routes:        make(map[string]handler.Raw),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a route. Registration is rejected once the server runs.
func (s *Server) Register(route string, h handler.Raw) error {
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Register",
			"cannot register routes on a running server")
	}
	if route == "" || h == nil {
		return errors.New(errors.KindValidation, "Server", "Register",
			"route and handler are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[route]; exists {
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"route %s already registered", route)
	}
	s.routes[route] = h
	return nil
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New(errors.KindValidation, "Server", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindValidation, "Server", "Start", "check context")
	}
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Start", "server already running")
	}

	mux := http.NewServeMux()
	s.mu.RLock()
	for route, h := range s.routes {
		mux.HandleFunc(route, s.envelopeHandler(route, h))
	}
	s.mu.RUnlock()

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsEnabled := s.cfg.TLS != nil && s.cfg.TLS.Enabled
	if tlsEnabled {
		tlsConfig, err := s.cfg.TLS.ServerTLSConfig()
		if err != nil {
			return err
		}
		s.server.TLSConfig = tlsConfig
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "Server", "Start",
			fmt.Sprintf("listen on %s", addr))
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		var serveErr error
		if tlsEnabled {
			serveErr = s.server.ServeTLS(ln, "", "")
		} else {
			serveErr = s.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("REST server stopped", serveErr)
		}
	}()

	s.logger.Info("REST server listening", "addr", ln.Addr().String(), "tls", tlsEnabled)
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.KindConnection, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Addr returns the bound listener address, valid after Start. Useful
// when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// envelopeHandler builds the http.HandlerFunc serving one route.
func (s *Server) envelopeHandler(route string, h handler.Raw) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.requestsTotal.Add(1)
		if s.metrics != nil {
			s.metrics.IncInFlight("rest")
			defer s.metrics.DecInFlight("rest")
		}

		if s.enableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		env, envErr := s.decodeRequest(r)
		if envErr != nil {
			s.writeEnvelope(w, route, envelope.NewErrorEnvelope[json.RawMessage](
				envelope.PreserveForResponse(nil), envErr), start)
			return
		}

		if s.extractor != nil {
			s.extractTenant(env, r)
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()

		resp, err := h.Handle(ctx, env)
		if err != nil {
			resp = envelope.NewErrorEnvelope[json.RawMessage](
				envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err))
		}
		if resp == nil {
			resp = envelope.NewErrorEnvelope[json.RawMessage](
				envelope.PreserveForResponse(env.Meta),
				envelope.NewError("INTERNAL_ERROR", "handler returned no response", http.StatusInternalServerError))
		}

		s.writeEnvelope(w, route, resp, start)
	}
}

// decodeRequest reads the request envelope from the body, or from the
// envelope header on GET. Malformed input is a validation failure, never
// a transport fault.
func (s *Server) decodeRequest(r *http.Request) (*envelope.Raw, *envelope.Error) {
	var data []byte

	if r.Method == http.MethodGet {
		encoded := r.Header.Get(EnvelopeHeader)
		if encoded == "" {
			// Bare GET: empty request envelope.
			return envelope.New(envelope.ForNewRequest(), json.RawMessage(nil)), nil
		}
		if len(encoded) > s.maxHeaderSize {
			return nil, envelope.NewError("VALIDATION_ERROR",
				fmt.Sprintf("envelope header exceeds %d bytes", s.maxHeaderSize),
				http.StatusRequestHeaderFieldsTooLarge)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, envelope.NewError("VALIDATION_ERROR",
				"envelope header is not valid base64", http.StatusBadRequest)
		}
		data = decoded
	} else {
		defer func() { _ = r.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
		if err != nil {
			return nil, envelope.NewError("VALIDATION_ERROR",
				"failed to read request body", http.StatusBadRequest)
		}
		if int64(len(body)) > s.cfg.MaxRequestSize {
			return nil, envelope.NewError("VALIDATION_ERROR",
				fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestSize),
				http.StatusRequestEntityTooLarge)
		}
		data = body
	}

	env := &envelope.Raw{}
	if len(data) == 0 {
		return envelope.New(envelope.ForNewRequest(), json.RawMessage(nil)), nil
	}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, envelope.NewError("VALIDATION_ERROR",
			errors.Translate(err), http.StatusBadRequest)
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	return env, nil
}

// extractTenant runs tenant extraction against the HTTP request and
// applies the result to the envelope metadata in place.
func (s *Server) extractTenant(env *envelope.Raw, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	s.extractor.Apply(envctx.New(env.Meta), &tenant.Request{
		Authorization: r.Header.Get("Authorization"),
		Headers:       headers,
		Query:         query,
		Payload:       env.Payload,
	})
}

// writeEnvelope serializes the response envelope with its HTTP status.
func (s *Server) writeEnvelope(w http.ResponseWriter, route string, resp *envelope.Raw, start time.Time) {
	status := http.StatusOK
	if resp.HasError() {
		status = resp.Error.Status()
		s.requestsFailed.Add(1)
		if s.metrics != nil {
			s.metrics.RecordEnvelopeError("rest", resp.Error.Code)
		}
	}

	if resp.Meta != nil && resp.Meta.RequestID != "" {
		w.Header().Set("X-Request-ID", resp.Meta.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response envelope", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write response", "error", err.Error())
	}

	if s.metrics != nil {
		s.metrics.RecordRequest("rest", route, strconv.Itoa(status), time.Since(start))
	}
}

// applyCORS applies CORS headers for allowed origins.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+EnvelopeHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}
