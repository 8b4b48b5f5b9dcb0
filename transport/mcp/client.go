package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/transport"
)

// Client speaks the MCP stdio protocol over an attached reader/writer
// pair, typically the stdin/stdout of a child process. Responses are
// correlated to requests by Meta.request_id, so the target URL carries
// no routing information beyond selecting this transport.
type Client struct {
	cfg    transport.ClientConfig
	logger *logging.Logger

	out     io.Writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Raw

	closed   atomic.Bool
	done     chan struct{}
	closeOut func() error
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

// WithCloser sets a function invoked on Close, typically closing the
// child process's stdin.
func WithCloser(fn func() error) ClientOption {
	return func(c *Client) { c.closeOut = fn }
}

// NewClient creates an MCP client on a stream pair and starts its read
// loop.
func NewClient(cfg transport.ClientConfig, in io.Reader, out io.Writer, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if in == nil || out == nil {
		return nil, errors.New(errors.KindConfig, "Client", "NewClient",
			"input and output streams are required")
	}

	c := &Client{
		cfg:     cfg,
		logger:  logging.Nop(),
		out:     out,
		pending: make(map[string]chan *envelope.Raw),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop(in)
	return c, nil
}

// SendEnvelope writes the envelope as one line and waits for the
// response frame with the same request ID.
func (c *Client) SendEnvelope(ctx context.Context, _ *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	if c.closed.Load() {
		return nil, errors.New(errors.KindMcpTransport, "Client", "SendEnvelope", "client is closed")
	}
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	} else if env.Meta.RequestID == "" {
		env.Meta.RequestID = envelope.ForNewRequest().RequestID
	}

	ch := make(chan *envelope.Raw, 1)
	c.pendingMu.Lock()
	c.pending[env.Meta.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.Meta.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeEnvelope(env); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, errors.New(errors.KindMcpTransport, "Client", "SendEnvelope",
			"stream closed while awaiting response")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindGatewayTimeout, "Client", "SendEnvelope",
			"await response")
	}
}

// Publish writes the envelope without awaiting a response.
func (c *Client) Publish(_ context.Context, _ *transport.Target, env *envelope.Raw) error {
	if c.closed.Load() {
		return errors.New(errors.KindMcpTransport, "Client", "Publish", "client is closed")
	}
	return c.writeEnvelope(env)
}

// Close stops the client. Pending senders are released via the done
// channel.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	if c.closeOut != nil {
		return c.closeOut()
	}
	return nil
}

func (c *Client) writeEnvelope(env *envelope.Raw) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.KindSerialization, "Client", "writeEnvelope", "encode envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.KindMcpTransport, "Client", "writeEnvelope", "write frame")
	}
	return nil
}

func (c *Client) readLoop(in io.Reader) {
	defer func() {
		if c.closed.CompareAndSwap(false, true) {
			close(c.done)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env := &envelope.Raw{}
		if err := json.Unmarshal(line, env); err != nil {
			c.logger.Warn("malformed MCP frame", "error", err.Error())
			continue
		}
		if env.Meta == nil || env.Meta.RequestID == "" {
			c.logger.Warn("MCP frame without request id")
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.Meta.RequestID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}
