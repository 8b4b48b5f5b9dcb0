package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/transport"
)

// maxLineSize bounds a single stdio frame.
const maxLineSize = 4 * 1024 * 1024

// Server serves MCP envelopes over a stdio pair. Each input line is one
// JSON envelope; responses go out as one line each. Handlers register
// per McpData section kind.
type Server struct {
	in  io.Reader
	out io.Writer

	logger         *logging.Logger
	metrics        *metric.Metrics
	requestTimeout time.Duration

	handlers map[string]handler.Raw

	writeMu sync.Mutex
	running atomic.Bool
	wg      sync.WaitGroup
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

// WithRequestTimeout bounds per-frame handler execution.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer creates an MCP server on a reader/writer pair, typically
// os.Stdin and os.Stdout.
func NewServer(in io.Reader, out io.Writer, opts ...ServerOption) (*Server, error) {
	if in == nil || out == nil {
		return nil, errors.New(errors.KindConfig, "Server", "NewServer",
			"input and output streams are required")
	}

	s := &Server{
		in:             in,
		out:            out,
		logger:         logging.Nop(),
		requestTimeout: transport.DefaultRequestTimeout,
		handlers:       make(map[string]handler.Raw),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a handler for a McpData section kind.
func (s *Server) Register(kind string, h handler.Raw) error {
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Register",
			"cannot register handlers on a running server")
	}
	switch kind {
	case KindToolCall, KindToolResponse, KindToolRegistration, KindDiscoveryData:
	default:
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"unknown MCP section kind %q", kind)
	}
	if h == nil {
		return errors.New(errors.KindValidation, "Server", "Register", "handler is required")
	}
	if _, exists := s.handlers[kind]; exists {
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"kind %s already registered", kind)
	}
	s.handlers[kind] = h
	return nil
}

// Start reads frames until the input stream closes or the context ends.
// Frames are handled sequentially, preserving stdio ordering.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New(errors.KindValidation, "Server", "Start", "context cannot be nil")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New(errors.KindValidation, "Server", "Start", "server already running")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx)
	}()
	return nil
}

// Stop waits for the read loop to finish. The caller closes the input
// stream to unblock it.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New(errors.KindMcpTransport, "Server", "Stop",
			"timed out waiting for read loop")
	}
}

func (s *Server) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil || !s.running.Load() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleFrame(ctx, line)
		if err := s.writeEnvelope(resp); err != nil {
			s.logger.Error("failed to write MCP frame", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("MCP input stream failed", err)
	}
}

// handleFrame turns one input line into a response envelope. Malformed
// frames come back as error envelopes, never dropped.
func (s *Server) handleFrame(ctx context.Context, line []byte) *envelope.Raw {
	start := time.Now()

	env := &envelope.Raw{}
	if err := json.Unmarshal(line, env); err != nil {
		return s.record(start, "", envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(nil),
			envelope.NewError("VALIDATION_ERROR", errors.Translate(err), 400)))
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}

	data := &McpData{}
	if err := json.Unmarshal(env.Payload, data); err != nil {
		perr := errors.Wrap(err, errors.KindMcpProtocol, "Server", "handleFrame", "decode MCP payload")
		return s.record(start, "", envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(perr)))
	}
	if err := data.Validate(); err != nil {
		return s.record(start, "", envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err)))
	}

	kind := data.Kind()
	h, ok := s.handlers[kind]
	if !ok {
		perr := errors.Newf(errors.KindMcpProtocol, "Server", "handleFrame",
			"no handler for MCP section %s", kind)
		return s.record(start, kind, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(perr)))
	}

	hctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := h.Handle(hctx, env)
	if err != nil {
		return s.record(start, kind, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err)))
	}
	if resp == nil {
		return s.record(start, kind, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta),
			envelope.NewError("INTERNAL_ERROR", "handler returned no response", 500)))
	}
	return s.record(start, kind, resp)
}

func (s *Server) record(start time.Time, kind string, resp *envelope.Raw) *envelope.Raw {
	if s.metrics == nil {
		return resp
	}
	status := "ok"
	if resp.HasError() {
		status = resp.Error.Code
		s.metrics.RecordEnvelopeError("mcp", resp.Error.Code)
	}
	s.metrics.RecordRequest("mcp", kind, status, time.Since(start))
	return resp
}

// writeEnvelope writes one envelope as a single output line.
func (s *Server) writeEnvelope(env *envelope.Raw) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.KindSerialization, "Server", "writeEnvelope", "encode envelope")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.KindMcpTransport, "Server", "writeEnvelope", "write frame")
	}
	return nil
}
