package grpcx

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

// Metadata keys bridged between gRPC metadata and envelope metadata.
const (
	mdAuthorization = "authorization"
	mdTenantID      = "x-tenant-id"
	mdRequestID     = "x-request-id"
	mdTraceparent   = "traceparent"
	mdRoute         = "x-qollective-route"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// Server is the gRPC transport server. Handlers are addressed by route,
// carried in the x-qollective-route metadata entry; a single registered
// route also serves requests that omit it.
type Server struct {
	cfg       transport.ServerConfig
	logger    *logging.Logger
	metrics   *metric.Metrics
	extractor *tenant.Extractor

	mu     sync.RWMutex
	routes map[string]handler.Raw

	running    atomic.Bool
	grpcServer *grpc.Server
	listener   net.Listener

	topicsMu sync.Mutex
	topics   map[string]map[chan rawFrame]struct{}
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

// NewServer creates a gRPC server from configuration.
func NewServer(cfg transport.ServerConfig, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.Nop(),
		routes: make(map[string]handler.Raw),
		topics: make(map[string]map[chan rawFrame]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a route. Rejected once the server runs.
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

// Start binds the listener and serves in the background.
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

	var serverOpts []grpc.ServerOption
	if s.cfg.TLS != nil && s.cfg.TLS.Enabled {
		tlsConfig, err := s.cfg.TLS.ServerTLSConfig()
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "Server", "Start",
			fmt.Sprintf("listen on %s", addr))
	}
	s.listener = ln

	s.grpcServer = grpc.NewServer(serverOpts...)
	s.grpcServer.RegisterService(&serviceDesc, s)
	s.running.Store(true)

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Error("gRPC server stopped", err)
		}
	}()

	s.logger.Info("gRPC server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight RPCs, falling back to a hard stop at the
// timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
	}
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SendEnvelope implements the unary RPC.
func (s *Server) SendEnvelope(ctx context.Context, in rawFrame) (rawFrame, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncInFlight("grpc")
		defer s.metrics.DecInFlight("grpc")
	}

	md, _ := metadata.FromIncomingContext(ctx)
	route := mdValue(md, mdRoute)

	env := &envelope.Raw{}
	if err := json.Unmarshal(in, env); err != nil {
		return s.encodeResponse(route, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(nil),
			envelope.NewError("VALIDATION_ERROR", errors.Translate(err), 400)), start)
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	s.bridgeMetadata(env, md)

	h, ok := s.routeHandler(route)
	if !ok {
		return s.encodeResponse(route, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta),
			envelope.NewError("NOT_FOUND", fmt.Sprintf("no handler for route %q", route), 404)), start)
	}

	if s.extractor != nil {
		headers := make(map[string]string, len(md))
		for k := range md {
			headers[k] = mdValue(md, k)
		}
		s.extractor.Apply(envctx.New(env.Meta), &tenant.Request{
			Authorization: mdValue(md, mdAuthorization),
			Headers:       headers,
			Payload:       env.Payload,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := h.Handle(ctx, env)
	if err != nil {
		resp = envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err))
	}
	if resp == nil {
		resp = envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta),
			envelope.NewError("INTERNAL_ERROR", "handler returned no response", 500))
	}
	return s.encodeResponse(route, resp, start)
}

// Subscribe implements the server-streaming RPC. The request envelope
// payload names the topic; published envelopes stream until the client
// goes away.
func (s *Server) Subscribe(in rawFrame, stream grpc.ServerStream) error {
	env := &envelope.Raw{}
	if err := json.Unmarshal(in, env); err != nil {
		return errors.Wrap(err, errors.KindValidation, "Server", "Subscribe", "decode request envelope")
	}

	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Topic == "" {
		return errors.New(errors.KindValidation, "Server", "Subscribe", "request payload must name a topic")
	}

	ch := make(chan rawFrame, 16)
	s.topicsMu.Lock()
	if s.topics[req.Topic] == nil {
		s.topics[req.Topic] = make(map[chan rawFrame]struct{})
	}
	s.topics[req.Topic][ch] = struct{}{}
	s.topicsMu.Unlock()

	defer func() {
		s.topicsMu.Lock()
		delete(s.topics[req.Topic], ch)
		s.topicsMu.Unlock()
	}()

	for {
		select {
		case frame := <-ch:
			if err := stream.SendMsg(&frame); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// PublishTopic fans an envelope out to all stream subscribers of the
// topic. Returns the number of receivers.
func (s *Server) PublishTopic(topic string, env *envelope.Raw) (int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindSerialization, "Server", "PublishTopic", "encode envelope")
	}

	n := 0
	s.topicsMu.Lock()
	for ch := range s.topics[topic] {
		select {
		case ch <- rawFrame(data):
			n++
		default:
			// Slow subscriber: skip rather than block the publisher.
		}
	}
	s.topicsMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPublish("grpc", topic)
	}
	return n, nil
}

// routeHandler resolves the handler for a route. A request without a
// route falls back to the sole registered handler.
func (s *Server) routeHandler(route string) (handler.Raw, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.routes[route]; ok {
		return h, true
	}
	if route == "" && len(s.routes) == 1 {
		for _, h := range s.routes {
			return h, true
		}
	}
	return nil, false
}

// bridgeMetadata copies gRPC metadata entries into envelope metadata
// where the envelope does not already carry them.
func (s *Server) bridgeMetadata(env *envelope.Raw, md metadata.MD) {
	if env.Meta.RequestID == "" {
		env.Meta.RequestID = mdValue(md, mdRequestID)
	}
	if env.Meta.Tenant == "" {
		env.Meta.Tenant = mdValue(md, mdTenantID)
	}
	if env.Meta.Tracing == nil {
		if tm, ok := parseTraceparent(mdValue(md, mdTraceparent)); ok {
			env.Meta.Tracing = tm
		}
	}
}

// encodeResponse serializes the response envelope and records metrics.
func (s *Server) encodeResponse(route string, resp *envelope.Raw, start time.Time) (rawFrame, error) {
	status := "ok"
	if resp.HasError() {
		status = resp.Error.Code
		if s.metrics != nil {
			s.metrics.RecordEnvelopeError("grpc", resp.Error.Code)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRequest("grpc", route, status, time.Since(start))
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Server", "encodeResponse", "encode envelope")
	}
	return rawFrame(data), nil
}

func mdValue(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// parseTraceparent reads a W3C traceparent header value
// ("00-<trace-id>-<span-id>-<flags>") into tracing metadata.
func parseTraceparent(v string) (*envelope.TracingMeta, bool) {
	parts := strings.Split(v, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return nil, false
	}
	return &envelope.TracingMeta{
		TraceID: parts[1],
		SpanID:  parts[2],
	}, true
}
