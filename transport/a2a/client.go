package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/transport"
)

// Client is the A2A transport client. Targets look like
// a2a://host:port/<agent>; the agent name from the path becomes the
// envelope's target_agent extension. One WebSocket is kept per host.
type Client struct {
	cfg    transport.ClientConfig
	logger *logging.Logger

	mu    sync.Mutex
	conns map[string]*clientConn

	closed atomic.Bool
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Raw

	done chan struct{}
	once sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates an A2A client from configuration.
func NewClient(cfg transport.ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.Nop(),
		conns:  make(map[string]*clientConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// agentFromTarget extracts the agent name from the target path.
func agentFromTarget(target *transport.Target) (string, error) {
	agent := strings.Trim(target.URL.Path, "/")
	if agent == "" {
		return "", errors.New(errors.KindValidation, "Client", "agentFromTarget",
			"target path must name an agent")
	}
	return agent, nil
}

// SendEnvelope stamps the agent routing key on the envelope, sends it,
// and waits for the response with the same request ID.
func (c *Client) SendEnvelope(ctx context.Context, target *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	if c.closed.Load() {
		return nil, errors.New(errors.KindProtocolAdapter, "Client", "SendEnvelope", "client is closed")
	}
	agent, err := agentFromTarget(target)
	if err != nil {
		return nil, err
	}
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}

	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	if env.Meta.Extensions == nil {
		env.Meta.Extensions = make(map[string]any)
	}
	env.Meta.Extensions[AgentExtension] = agent

	ch := make(chan *envelope.Raw, 1)
	conn.pendingMu.Lock()
	conn.pending[env.Meta.RequestID] = ch
	conn.pendingMu.Unlock()
	defer func() {
		conn.pendingMu.Lock()
		delete(conn.pending, env.Meta.RequestID)
		conn.pendingMu.Unlock()
	}()

	if err := conn.write(env); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp, nil
	case <-conn.done:
		return nil, errors.New(errors.KindConnection, "Client", "SendEnvelope",
			"connection closed while awaiting response")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindGatewayTimeout, "Client", "SendEnvelope",
			fmt.Sprintf("await response from %s", agent))
	}
}

// Publish sends an envelope without awaiting a response.
func (c *Client) Publish(_ context.Context, target *transport.Target, env *envelope.Raw) error {
	if c.closed.Load() {
		return errors.New(errors.KindProtocolAdapter, "Client", "Publish", "client is closed")
	}
	agent, err := agentFromTarget(target)
	if err != nil {
		return err
	}
	conn, err := c.connFor(target)
	if err != nil {
		return err
	}

	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	if env.Meta.Extensions == nil {
		env.Meta.Extensions = make(map[string]any)
	}
	env.Meta.Extensions[AgentExtension] = agent
	return conn.write(env)
}

// Close tears down all connections.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*clientConn)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
	return nil
}

// connFor returns the connection for the target host, dialing on first
// use.
func (c *Client) connFor(target *transport.Target) (*clientConn, error) {
	host := target.URL.Host

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		select {
		case <-conn.done:
			delete(c.conns, host)
		default:
			return conn, nil
		}
	}

	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		tlsConfig, err := c.cfg.TLS.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
		scheme = "wss"
	}

	wireURL := fmt.Sprintf("%s://%s%s", scheme, host, wirePath)
	ws, _, err := dialer.Dial(wireURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "Client", "connFor",
			fmt.Sprintf("dial %s", wireURL))
	}

	conn := &clientConn{
		ws:      ws,
		pending: make(map[string]chan *envelope.Raw),
		done:    make(chan struct{}),
	}
	go conn.readLoop(c.logger)
	c.conns[host] = conn
	return conn, nil
}

func (cc *clientConn) write(env *envelope.Raw) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.KindSerialization, "Client", "write", "encode envelope")
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.KindConnection, "Client", "write", "write message")
	}
	return nil
}

func (cc *clientConn) readLoop(logger *logging.Logger) {
	defer cc.shutdown()

	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			return
		}

		env := &envelope.Raw{}
		if err := json.Unmarshal(data, env); err != nil {
			logger.Warn("malformed A2A message", "error", err.Error())
			continue
		}
		if env.Meta == nil || env.Meta.RequestID == "" {
			continue
		}

		cc.pendingMu.Lock()
		ch, ok := cc.pending[env.Meta.RequestID]
		cc.pendingMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (cc *clientConn) shutdown() {
	cc.once.Do(func() {
		close(cc.done)
		_ = cc.ws.Close()
	})
}
