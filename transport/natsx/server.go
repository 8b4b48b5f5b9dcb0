// Package natsx is the NATS transport. Services listen on
// service.<name>.request subjects with a queue group per service, so
// running multiple instances load-balances requests. Replies travel
// over per-request inboxes recorded in the envelope's reply_to
// extension.
package natsx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/natsclient"
	"github.com/jocax/qollective-sub006/pkg/worker"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

// Worker pool defaults for request processing.
const (
	defaultWorkers   = 16
	defaultQueueSize = 256
)

// NATS headers bridged with envelope metadata.
const (
	headerRequestID   = "X-Request-Id"
	headerTenantID    = "X-Tenant-Id"
	headerTraceparent = "Traceparent"
	headerAuth        = "Authorization"
)

// replyToExtension is the metadata extension recording the reply inbox.
const replyToExtension = "reply_to"

// SubjectForService returns the request subject for a service name.
func SubjectForService(service string) string {
	return "service." + service + ".request"
}

// Server serves envelope requests over NATS. Each registered service
// name becomes a queue subscription on its request subject; the queue
// group is the service name itself.
type Server struct {
	nc             *natsclient.Client
	logger         *logging.Logger
	metrics        *metric.Metrics
	extractor      *tenant.Extractor
	requestTimeout time.Duration

	workers   int
	queueSize int
	pool      *worker.Pool[task]

	routes  map[string]handler.Raw
	running atomic.Bool
}

// task is one request awaiting a pool worker. It carries no context:
// the subscription's per-message context dies when the callback
// returns, so workers run on the pool context and handleMessage
// applies the request timeout itself.
type task struct {
	service string
	handler handler.Raw
	msg     *nats.Msg
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

// WithRequestTimeout bounds per-request handler execution.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithWorkers sizes the request worker pool. Requests past the queue
// capacity are answered with RATE_LIMITED instead of queueing forever.
func WithWorkers(workers, queueSize int) ServerOption {
	return func(s *Server) {
		if workers > 0 {
			s.workers = workers
		}
		if queueSize > 0 {
			s.queueSize = queueSize
		}
	}
}

// NewServer creates a NATS transport server on an existing client. The
// client's connection lifecycle stays with the caller.
func NewServer(nc *natsclient.Client, opts ...ServerOption) (*Server, error) {
	if nc == nil {
		return nil, errors.New(errors.KindConfig, "Server", "NewServer", "NATS client is required")
	}

	s := &Server{
		nc:             nc,
		logger:         logging.Nop(),
		requestTimeout: transport.DefaultRequestTimeout,
		workers:        defaultWorkers,
		queueSize:      defaultQueueSize,
		routes:         make(map[string]handler.Raw),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a service. Rejected once the server runs.
func (s *Server) Register(service string, h handler.Raw) error {
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Register",
			"cannot register services on a running server")
	}
	if service == "" || h == nil {
		return errors.New(errors.KindValidation, "Server", "Register",
			"service and handler are required")
	}
	if strings.ContainsAny(service, ".*> ") {
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"service name %q contains subject-reserved characters", service)
	}
	if _, exists := s.routes[service]; exists {
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"service %s already registered", service)
	}
	s.routes[service] = h
	return nil
}

// Start subscribes all registered services on their request subjects.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New(errors.KindValidation, "Server", "Start", "context cannot be nil")
	}
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Start", "server already running")
	}
	if !s.nc.IsHealthy() {
		return errors.New(errors.KindNatsConnection, "Server", "Start", "NATS client is not connected")
	}

	s.pool = worker.NewPool(s.workers, s.queueSize, func(taskCtx context.Context, t task) error {
		s.serveRequest(taskCtx, t.service, t.handler, t.msg)
		return nil
	})
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, errors.KindInternal, "Server", "Start", "start worker pool")
	}

	for service, h := range s.routes {
		subject := SubjectForService(service)
		err := s.nc.QueueSubscribe(ctx, subject, service, func(msgCtx context.Context, msg *nats.Msg) {
			s.dispatch(msgCtx, service, h, msg)
		})
		if err != nil {
			return errors.Wrap(err, errors.KindNatsSubscription, "Server", "Start",
				fmt.Sprintf("subscribe %s", subject))
		}
		s.logger.Info("serving NATS requests", "subject", subject, "queue", service)
	}

	s.running.Store(true)
	return nil
}

// Stop drains the worker pool. Subscriptions are torn down when the
// owning NATS client closes.
func (s *Server) Stop(timeout time.Duration) error {
	s.running.Store(false)
	if s.pool != nil {
		if err := s.pool.Stop(timeout); err != nil {
			return errors.Wrap(err, errors.KindInternal, "Server", "Stop", "drain worker pool")
		}
	}
	return nil
}

// dispatch queues a request for the worker pool, shedding load with a
// RATE_LIMITED reply when the queue is full.
func (s *Server) dispatch(ctx context.Context, service string, h handler.Raw, msg *nats.Msg) {
	err := s.pool.Submit(task{service: service, handler: h, msg: msg})
	if err == nil {
		return
	}

	s.logger.Warn("request shed", "service", service, "error", err.Error())
	if s.metrics != nil {
		s.metrics.RecordEnvelopeError("nats", "RATE_LIMITED")
	}
	if msg.Reply == "" {
		return
	}
	resp := envelope.NewErrorEnvelope[json.RawMessage](
		envelope.PreserveForResponse(nil),
		envelope.NewError("RATE_LIMITED", "server is overloaded, retry later", 429))
	if data, mErr := json.Marshal(resp); mErr == nil {
		_ = s.nc.PublishMsg(ctx, &nats.Msg{Subject: msg.Reply, Data: data})
	}
}

// serveRequest handles one request message and publishes the reply.
func (s *Server) serveRequest(ctx context.Context, service string, h handler.Raw, msg *nats.Msg) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncInFlight("nats")
		defer s.metrics.DecInFlight("nats")
	}

	resp := s.handleMessage(ctx, h, msg)

	status := "ok"
	if resp.HasError() {
		status = resp.Error.Code
		if s.metrics != nil {
			s.metrics.RecordEnvelopeError("nats", resp.Error.Code)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRequest("nats", service, status, time.Since(start))
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode reply envelope", err, "service", service)
		return
	}

	reply := &nats.Msg{Subject: msg.Reply, Data: data, Header: nats.Header{}}
	writeMetaHeaders(reply.Header, resp.Meta)
	if err := s.nc.PublishMsg(ctx, reply); err != nil {
		s.logger.Error("failed to publish reply", err, "service", service)
	}
}

// handleMessage turns a request message into a response envelope.
// Malformed envelopes come back as VALIDATION_ERROR envelopes, never
// as dropped messages.
func (s *Server) handleMessage(ctx context.Context, h handler.Raw, msg *nats.Msg) *envelope.Raw {
	env := &envelope.Raw{}
	if err := json.Unmarshal(msg.Data, env); err != nil {
		return envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(nil),
			envelope.NewError("VALIDATION_ERROR", errors.Translate(err), 400))
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	s.bridgeHeaders(env, msg)

	if s.extractor != nil {
		headers := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[k] = msg.Header.Get(k)
		}
		s.extractor.Apply(envctx.New(env.Meta), &tenant.Request{
			Authorization: msg.Header.Get(headerAuth),
			Headers:       headers,
			Payload:       env.Payload,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := h.Handle(ctx, env)
	if err != nil {
		return envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err))
	}
	if resp == nil {
		return envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta),
			envelope.NewError("INTERNAL_ERROR", "handler returned no response", 500))
	}
	return resp
}

// bridgeHeaders copies native NATS headers into envelope metadata where
// the envelope does not already carry them, and records the reply
// inbox.
func (s *Server) bridgeHeaders(env *envelope.Raw, msg *nats.Msg) {
	if env.Meta.RequestID == "" {
		env.Meta.RequestID = msg.Header.Get(headerRequestID)
	}
	if env.Meta.Tenant == "" {
		env.Meta.Tenant = msg.Header.Get(headerTenantID)
	}
	if env.Meta.Tracing == nil {
		if tm, ok := parseTraceparent(msg.Header.Get(headerTraceparent)); ok {
			env.Meta.Tracing = tm
		}
	}
	if msg.Reply != "" {
		if env.Meta.Extensions == nil {
			env.Meta.Extensions = make(map[string]any)
		}
		if _, set := env.Meta.Extensions[replyToExtension]; !set {
			env.Meta.Extensions[replyToExtension] = msg.Reply
		}
	}
}

// writeMetaHeaders mirrors envelope identity into native NATS headers so
// plain NATS consumers can correlate without parsing the envelope.
func writeMetaHeaders(h nats.Header, meta *envelope.Meta) {
	if meta == nil {
		return
	}
	if meta.RequestID != "" {
		h.Set(headerRequestID, meta.RequestID)
	}
	if meta.Tenant != "" {
		h.Set(headerTenantID, meta.Tenant)
	}
	if tr := meta.Tracing; tr != nil && tr.TraceID != "" && tr.SpanID != "" {
		h.Set(headerTraceparent, fmt.Sprintf("00-%s-%s-01", tr.TraceID, tr.SpanID))
	}
}

// parseTraceparent reads a W3C traceparent header value into tracing
// metadata.
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
