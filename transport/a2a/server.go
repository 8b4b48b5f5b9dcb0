// Package a2a is the agent-to-agent transport. Envelopes carry the MCP
// tool-call payload shape and travel over a WebSocket; each envelope
// names its destination agent in the target_agent metadata extension.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/transport"
	"github.com/jocax/qollective-sub006/transport/mcp"
)

// AgentExtension is the metadata extension naming the destination
// agent.
const AgentExtension = "target_agent"

// wirePath is the WebSocket endpoint all agents share.
const wirePath = "/a2a"

const maxMessageSize = 4 * 1024 * 1024

// Server hosts agents behind one WebSocket endpoint. Each agent is a
// handler addressed by name; envelopes for unknown agents come back as
// AGENT_NOT_FOUND error envelopes.
type Server struct {
	cfg            transport.ServerConfig
	logger         *logging.Logger
	metrics        *metric.Metrics
	requestTimeout time.Duration

	agents map[string]handler.Raw

	running    atomic.Bool
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	wg         sync.WaitGroup
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

// NewServer creates an A2A server from configuration.
func NewServer(cfg transport.ServerConfig, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		logger:         logging.Nop(),
		requestTimeout: cfg.RequestTimeout,
		agents:         make(map[string]handler.Raw),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds an agent. Rejected once the server runs.
func (s *Server) Register(agent string, h handler.Raw) error {
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Register",
			"cannot register agents on a running server")
	}
	if agent == "" || h == nil {
		return errors.New(errors.KindValidation, "Server", "Register",
			"agent name and handler are required")
	}
	if _, exists := s.agents[agent]; exists {
		return errors.Newf(errors.KindValidation, "Server", "Register",
			"agent %s already registered", agent)
	}
	s.agents[agent] = h
	return nil
}

// Start binds the listener and accepts agent connections.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New(errors.KindValidation, "Server", "Start", "context cannot be nil")
	}
	if s.running.Load() {
		return errors.New(errors.KindValidation, "Server", "Start", "server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wirePath, s.wireHandler)

	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "Server", "Start",
			fmt.Sprintf("listen on %s", addr))
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.running.Store(true)

	go func() {
		var serveErr error
		if s.cfg.TLS != nil && s.cfg.TLS.Enabled {
			tlsConfig, err := s.cfg.TLS.ServerTLSConfig()
			if err != nil {
				s.logger.Error("A2A TLS setup failed", err)
				return
			}
			s.httpServer.TLSConfig = tlsConfig
			serveErr = s.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("A2A server stopped", serveErr)
		}
	}()

	s.logger.Info("A2A server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down and waits for connections to finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	if err != nil {
		return errors.Wrap(err, errors.KindProtocolAdapter, "Server", "Stop", "shutdown")
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

func (s *Server) wireHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("A2A upgrade failed", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened("a2a")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			if s.metrics != nil {
				s.metrics.ConnectionClosed("a2a")
			}
		}()
		s.readLoop(r.Context(), conn)
	}()
}

// readLoop handles envelopes on one connection sequentially. Responses
// keep arrival order.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		resp := s.handleMessage(ctx, data)
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode A2A response", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

// handleMessage routes one envelope to its agent and returns the
// response envelope.
func (s *Server) handleMessage(ctx context.Context, data []byte) *envelope.Raw {
	start := time.Now()

	env := &envelope.Raw{}
	if err := json.Unmarshal(data, env); err != nil {
		return s.record(start, "", envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(nil),
			envelope.NewError("VALIDATION_ERROR", errors.Translate(err), 400)))
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}

	agent := agentFromMeta(env.Meta)
	if agent == "" {
		aerr := errors.New(errors.KindValidation, "Server", "handleMessage",
			"envelope does not name a target agent")
		return s.record(start, "", envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(aerr)))
	}

	h, ok := s.agents[agent]
	if !ok {
		aerr := errors.Newf(errors.KindAgentNotFound, "Server", "handleMessage",
			"no agent named %s", agent)
		return s.record(start, agent, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(aerr)))
	}

	carrier := &mcp.McpData{}
	if err := json.Unmarshal(env.Payload, carrier); err != nil {
		perr := errors.Wrap(err, errors.KindProtocolAdapter, "Server", "handleMessage",
			"decode carrier payload")
		return s.record(start, agent, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(perr)))
	}
	if err := carrier.Validate(); err != nil {
		return s.record(start, agent, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err)))
	}

	hctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := h.Handle(hctx, env)
	if err != nil {
		return s.record(start, agent, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta), envelope.ErrorFromErr(err)))
	}
	if resp == nil {
		return s.record(start, agent, envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(env.Meta),
			envelope.NewError("INTERNAL_ERROR", "agent returned no response", 500)))
	}
	return s.record(start, agent, resp)
}

func (s *Server) record(start time.Time, agent string, resp *envelope.Raw) *envelope.Raw {
	if s.metrics == nil {
		return resp
	}
	status := "ok"
	if resp.HasError() {
		status = resp.Error.Code
		s.metrics.RecordEnvelopeError("a2a", resp.Error.Code)
	}
	s.metrics.RecordRequest("a2a", agent, status, time.Since(start))
	return resp
}

// agentFromMeta reads the routing key from the metadata extensions.
func agentFromMeta(meta *envelope.Meta) string {
	if meta == nil || meta.Extensions == nil {
		return ""
	}
	if agent, ok := meta.Extensions[AgentExtension].(string); ok {
		return agent
	}
	return ""
}
