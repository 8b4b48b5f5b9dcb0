package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/transport"
)

// Client is the WebSocket transport client. It keeps one connection per
// target URL and correlates responses by frame ID. It implements
// transport.Client.
type Client struct {
	cfg    transport.ClientConfig
	logger *logging.Logger

	mu     sync.Mutex
	conns  map[string]*clientConn
	closed atomic.Bool
}

// clientConn is one dialed connection with its pending-response and
// subscription registries.
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Frame

	subsMu sync.Mutex
	subs   map[string]chan *envelope.Raw

	done    chan struct{}
	doneErr error
	once    sync.Once
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

// NewClient creates a WebSocket client from configuration.
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

// SendEnvelope sends an Envelope frame and waits for the frame carrying
// the same ID. Error frames decode into error envelopes and are returned
// as responses, not Go errors.
func (c *Client) SendEnvelope(ctx context.Context, target *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	cc, err := c.connFor(target)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	frame, err := envelopeFrame(id, env)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	cc.pendingMu.Lock()
	cc.pending[id] = ch
	cc.pendingMu.Unlock()
	defer func() {
		cc.pendingMu.Lock()
		delete(cc.pending, id)
		cc.pendingMu.Unlock()
	}()

	if err := cc.writeFrame(frame); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return decodeEnvelope(resp)
	case <-cc.done:
		if cc.doneErr != nil {
			return nil, errors.Wrap(cc.doneErr, errors.KindConnection, "Client", "SendEnvelope",
				"connection closed while waiting for response")
		}
		return nil, errors.New(errors.KindConnection, "Client", "SendEnvelope",
			"connection closed while waiting for response")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindGatewayTimeout, "Client", "SendEnvelope",
			"await response")
	}
}

// Publish sends an Envelope frame without waiting for the response.
func (c *Client) Publish(_ context.Context, target *transport.Target, env *envelope.Raw) error {
	cc, err := c.connFor(target)
	if err != nil {
		return err
	}

	frame, err := envelopeFrame(uuid.NewString(), env)
	if err != nil {
		return err
	}
	return cc.writeFrame(frame)
}

// Subscribe registers interest in a topic. SubscriptionData envelopes
// arrive on the returned channel until Unsubscribe or connection loss.
func (c *Client) Subscribe(target *transport.Target, topic string) (<-chan *envelope.Raw, error) {
	if topic == "" {
		return nil, errors.New(errors.KindValidation, "Client", "Subscribe", "topic is required")
	}
	cc, err := c.connFor(target)
	if err != nil {
		return nil, err
	}

	ch := make(chan *envelope.Raw, 16)
	cc.subsMu.Lock()
	cc.subs[topic] = ch
	cc.subsMu.Unlock()

	payload, _ := json.Marshal(subscription{Topic: topic})
	if err := cc.writeFrame(&Frame{Type: FrameSubscribe, ID: uuid.NewString(), Data: payload}); err != nil {
		cc.subsMu.Lock()
		delete(cc.subs, topic)
		cc.subsMu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Unsubscribe drops a topic registration and closes its channel.
func (c *Client) Unsubscribe(target *transport.Target, topic string) error {
	cc, err := c.connFor(target)
	if err != nil {
		return err
	}

	cc.subsMu.Lock()
	if ch, ok := cc.subs[topic]; ok {
		delete(cc.subs, topic)
		close(ch)
	}
	cc.subsMu.Unlock()

	payload, _ := json.Marshal(subscription{Topic: topic})
	return cc.writeFrame(&Frame{Type: FrameUnsubscribe, ID: uuid.NewString(), Data: payload})
}

// Close tears down all connections.
func (c *Client) Close() error {
	c.closed.Store(true)

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*clientConn)
	c.mu.Unlock()

	for _, cc := range conns {
		cc.shutdown(nil)
	}
	return nil
}

// connFor returns the existing connection for the target, dialing on
// first use.
func (c *Client) connFor(target *transport.Target) (*clientConn, error) {
	if c.closed.Load() {
		return nil, errors.New(errors.KindConnection, "Client", "connFor", "client is closed")
	}

	key := target.URL.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[key]; ok {
		select {
		case <-cc.done:
			delete(c.conns, key)
		default:
			return cc, nil
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		tlsConfig, err := c.cfg.TLS.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
	}

	ws, _, err := dialer.Dial(key, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "Client", "connFor",
			fmt.Sprintf("dial %s", key))
	}

	cc := &clientConn{
		ws:      ws,
		pending: make(map[string]chan *Frame),
		subs:    make(map[string]chan *envelope.Raw),
		done:    make(chan struct{}),
	}
	c.conns[key] = cc

	go c.readLoop(cc)
	return cc, nil
}

// readLoop dispatches inbound frames to pending waiters and topic
// subscribers.
func (c *Client) readLoop(cc *clientConn) {
	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			cc.shutdown(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed frame from server", "error", err.Error())
			continue
		}

		switch frame.Type {
		case FrameEnvelope, FrameError:
			cc.pendingMu.Lock()
			ch, ok := cc.pending[frame.ID]
			cc.pendingMu.Unlock()
			if ok {
				ch <- &frame
			}
		case FramePing:
			_ = cc.writeFrame(&Frame{Type: FramePong, ID: frame.ID})
		case FramePong:
			// Keepalive only.
		case FrameSubscriptionData:
			var sub subscription
			if err := json.Unmarshal(frame.Data, &sub); err != nil {
				c.logger.Warn("malformed subscription frame", "error", err.Error())
				continue
			}
			env := &envelope.Raw{}
			if err := json.Unmarshal(sub.Envelope, env); err != nil {
				c.logger.Warn("malformed subscription envelope", "error", err.Error())
				continue
			}
			cc.subsMu.Lock()
			ch, ok := cc.subs[sub.Topic]
			cc.subsMu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
					// Slow subscriber: drop rather than stall the read loop.
				}
			}
		default:
			c.logger.Warn("unexpected frame type", "type", string(frame.Type))
		}
	}
}

// writeFrame serializes one frame under the connection's write lock.
func (cc *clientConn) writeFrame(f *Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.ws.WriteJSON(f); err != nil {
		return errors.Wrap(err, errors.KindConnection, "Client", "writeFrame", "write frame")
	}
	return nil
}

// shutdown closes the connection once and releases all waiters.
func (cc *clientConn) shutdown(err error) {
	cc.once.Do(func() {
		cc.doneErr = err
		close(cc.done)
		_ = cc.ws.Close()

		cc.subsMu.Lock()
		for topic, ch := range cc.subs {
			close(ch)
			delete(cc.subs, topic)
		}
		cc.subsMu.Unlock()
	})
}
