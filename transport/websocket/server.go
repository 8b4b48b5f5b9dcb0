package websocket

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

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

// Timing and queue defaults for server connections.
const (
	defaultQueueSize   = 256
	defaultPingPeriod  = 30 * time.Second
	defaultPongWait    = 60 * time.Second
	defaultWriteWait   = 10 * time.Second
	maxFrameSize       = 4 * 1024 * 1024
	transportLabelName = "websocket"
)

// Server is the WebSocket transport server. Each registered route is an
// upgrade endpoint; frames on the resulting connection carry envelopes.
type Server struct {
	cfg       transport.ServerConfig
	logger    *logging.Logger
	metrics   *metric.Metrics
	extractor *tenant.Extractor

	queueSize  int
	pingPeriod time.Duration
	pongWait   time.Duration

	mu     sync.RWMutex
	routes map[string]handler.Raw

	running  atomic.Bool
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*serverConn]struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// serverConn is one accepted connection with its outbound queue and
// topic subscriptions.
type serverConn struct {
	conn  *websocket.Conn
	queue *sendQueue

	subsMu sync.RWMutex
	subs   map[string]struct{}

	// Captured from the upgrade request for tenant extraction.
	authorization string
	headers       map[string]string
	query         map[string]string

	closeOnce sync.Once
}

func (c *serverConn) subscribe(topic string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[topic] = struct{}{}
}

func (c *serverConn) unsubscribe(topic string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, topic)
}

func (c *serverConn) subscribed(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[topic]
	return ok
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

// WithQueueSize bounds the per-connection outbound queue.
func WithQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithPingInterval overrides the keepalive ping period. The pong wait
// follows at twice the period.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingPeriod = d
			s.pongWait = 2 * d
		}
	}
}

// NewServer creates a WebSocket server from configuration.
func NewServer(cfg transport.ServerConfig, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     logging.Nop(),
		queueSize:  defaultQueueSize,
		pingPeriod: defaultPingPeriod,
		pongWait:   defaultPongWait,
		routes:     make(map[string]handler.Raw),
		clients:    make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds an upgrade endpoint. Rejected once the server runs.
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

// Start binds the listener and accepts connections in the background.
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

	s.shutdown = make(chan struct{})

	mux := http.NewServeMux()
	s.mu.RLock()
	for route, h := range s.routes {
		mux.HandleFunc(route, s.upgradeHandler(route, h))
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
			s.logger.Error("WebSocket server stopped", serveErr)
		}
	}()

	s.logger.Info("WebSocket server listening", "addr", ln.Addr().String(), "tls", tlsEnabled)
	return nil
}

// Stop closes all connections and shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	s.clientsMu.Lock()
	for c := range s.clients {
		s.closeConn(c, CloseServerShutdown, "server shutting down")
	}
	s.clients = make(map[*serverConn]struct{})
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.KindConnection, "Server", "Stop", "shutdown HTTP server")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("connection goroutines did not exit within timeout")
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

// PublishTopic sends an envelope to every connection subscribed to the
// topic, as a SubscriptionData frame. Returns the number of receivers.
func (s *Server) PublishTopic(topic string, env *envelope.Raw) (int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindSerialization, "Server", "PublishTopic", "encode envelope")
	}
	payload, err := json.Marshal(subscription{Topic: topic, Envelope: data})
	if err != nil {
		return 0, errors.Wrap(err, errors.KindSerialization, "Server", "PublishTopic", "encode subscription")
	}

	n := 0
	s.clientsMu.RLock()
	for c := range s.clients {
		if c.subscribed(topic) {
			if c.queue.push(&Frame{Type: FrameSubscriptionData, ID: topic, Data: payload}) {
				n++
			}
		}
	}
	s.clientsMu.RUnlock()

	if s.metrics != nil {
		s.metrics.RecordPublish(transportLabelName, topic)
	}
	return n, nil
}

// upgradeHandler upgrades HTTP requests and runs the connection loops.
func (s *Server) upgradeHandler(route string, h handler.Raw) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err.Error())
			return
		}

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

		c := &serverConn{
			conn:          ws,
			queue:         newSendQueue(s.queueSize),
			subs:          make(map[string]struct{}),
			authorization: r.Header.Get("Authorization"),
			headers:       headers,
			query:         query,
		}

		s.clientsMu.Lock()
		s.clients[c] = struct{}{}
		s.clientsMu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionOpened(transportLabelName)
		}

		s.wg.Add(1)
		go s.writePump(c)

		s.readLoop(c, route, h)

		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionClosed(transportLabelName)
		}
		s.closeConn(c, websocket.CloseNormalClosure, "")
	}
}

// readLoop consumes frames until the connection drops. Envelope frames
// run through the handler sequentially, preserving per-connection order.
func (s *Server) readLoop(c *serverConn, route string, h handler.Raw) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.closeConn(c, CloseProtocolViolation, "malformed frame")
			return
		}

		switch frame.Type {
		case FrameEnvelope:
			s.handleEnvelopeFrame(c, route, h, &frame)
		case FramePing:
			c.queue.push(&Frame{Type: FramePong, ID: frame.ID})
		case FramePong:
			// Keepalive only.
		case FrameSubscribe:
			var sub subscription
			if err := json.Unmarshal(frame.Data, &sub); err != nil || sub.Topic == "" {
				s.closeConn(c, CloseProtocolViolation, "malformed subscribe frame")
				return
			}
			c.subscribe(sub.Topic)
		case FrameUnsubscribe:
			var sub subscription
			if err := json.Unmarshal(frame.Data, &sub); err != nil || sub.Topic == "" {
				s.closeConn(c, CloseProtocolViolation, "malformed unsubscribe frame")
				return
			}
			c.unsubscribe(sub.Topic)
		default:
			s.closeConn(c, CloseProtocolViolation, fmt.Sprintf("unknown frame type %q", frame.Type))
			return
		}
	}
}

// handleEnvelopeFrame decodes, extracts tenant context, invokes the
// handler, and queues the response frame.
func (s *Server) handleEnvelopeFrame(c *serverConn, route string, h handler.Raw, frame *Frame) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncInFlight(transportLabelName)
		defer s.metrics.DecInFlight(transportLabelName)
	}

	env, err := decodeEnvelope(frame)
	if err != nil {
		resp := envelope.NewErrorEnvelope[json.RawMessage](
			envelope.PreserveForResponse(nil),
			envelope.NewError("VALIDATION_ERROR", errors.Translate(err), 400))
		s.queueResponse(c, route, frame.ID, resp, start)
		return
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}

	if s.extractor != nil {
		s.extractor.Apply(envctx.New(env.Meta), &tenant.Request{
			Authorization: c.authorization,
			Headers:       c.headers,
			Query:         c.query,
			Payload:       env.Payload,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
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
	s.queueResponse(c, route, frame.ID, resp, start)
}

// queueResponse frames the response envelope and enqueues it. Error
// envelopes become Error frames, which the queue never drops.
func (s *Server) queueResponse(c *serverConn, route, id string, resp *envelope.Raw, start time.Time) {
	var frame *Frame
	var err error
	status := "ok"
	if resp.HasError() {
		frame, err = errorFrame(id, resp)
		status = resp.Error.Code
		if s.metrics != nil {
			s.metrics.RecordEnvelopeError(transportLabelName, resp.Error.Code)
		}
	} else {
		frame, err = envelopeFrame(id, resp)
	}
	if err != nil {
		s.logger.Error("encode response frame", err)
		return
	}

	if !c.queue.push(frame) {
		s.logger.Warn("outbound queue overflow, frame dropped", "id", id)
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(transportLabelName, route, status, time.Since(start))
	}
}

// writePump drains the queue onto the wire and keeps the connection
// alive with periodic pings.
func (s *Server) writePump(c *serverConn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.queue.wait():
			for {
				frame, ok := c.queue.pop()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
				if err := c.conn.WriteJSON(frame); err != nil {
					return
				}
			}
			if c.queue.isClosed() {
				return
			}
		}
	}
}

// closeConn sends a close frame once and tears the connection down.
func (s *Server) closeConn(c *serverConn, code int, reason string) {
	c.closeOnce.Do(func() {
		c.queue.close()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
