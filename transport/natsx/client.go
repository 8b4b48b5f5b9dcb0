package natsx

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/natsclient"
	"github.com/jocax/qollective-sub006/transport"
)

// inboxPrefix namespaces per-request reply inboxes.
const inboxPrefix = "_INBOX.qollective."

// Client is the NATS transport client. Targets look like
// nats://host:4222/<service>; the path selects the service subject.
// One connection is kept per NATS server.
type Client struct {
	cfg    transport.ClientConfig
	logger *logging.Logger

	mu    sync.Mutex
	conns map[string]*natsclient.Client
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

// NewClient creates a NATS transport client from configuration.
func NewClient(cfg transport.ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.Nop(),
		conns:  make(map[string]*natsclient.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newInbox returns a unique reply inbox for one request.
func newInbox() string {
	return inboxPrefix + uuid.NewString()
}

// serviceFromTarget extracts the service name from the target path.
func serviceFromTarget(target *transport.Target) (string, error) {
	service := strings.Trim(target.URL.Path, "/")
	if service == "" {
		return "", errors.New(errors.KindValidation, "Client", "serviceFromTarget",
			"target path must name a service")
	}
	return service, nil
}

// SendEnvelope performs a request/reply exchange over a unique inbox.
// The inbox is recorded in the request's reply_to extension before the
// envelope leaves the process.
func (c *Client) SendEnvelope(ctx context.Context, target *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	service, err := serviceFromTarget(target)
	if err != nil {
		return nil, err
	}
	nc, err := c.connFor(ctx, target)
	if err != nil {
		return nil, err
	}

	inbox := newInbox()
	if env.Meta == nil {
		env.Meta = envelope.ForNewRequest()
	}
	if env.Meta.Extensions == nil {
		env.Meta.Extensions = make(map[string]any)
	}
	env.Meta.Extensions[replyToExtension] = inbox

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Client", "SendEnvelope", "encode envelope")
	}

	conn := nc.Conn()
	if conn == nil {
		return nil, errors.New(errors.KindNatsConnection, "Client", "SendEnvelope", "connection lost")
	}
	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNatsSubscription, "Client", "SendEnvelope",
			"subscribe reply inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()

	msg := &nats.Msg{
		Subject: SubjectForService(service),
		Reply:   inbox,
		Data:    data,
		Header:  nats.Header{},
	}
	writeMetaHeaders(msg.Header, env.Meta)

	if err := nc.PublishMsg(ctx, msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reply, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, errors.KindGatewayTimeout, "Client", "SendEnvelope",
				fmt.Sprintf("await reply from %s", service))
		}
		return nil, errors.Wrap(err, errors.KindNatsRequest, "Client", "SendEnvelope",
			fmt.Sprintf("await reply from %s", service))
	}

	resp := &envelope.Raw{}
	if err := json.Unmarshal(reply.Data, resp); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "Client", "SendEnvelope",
			"decode response envelope")
	}
	return resp, nil
}

// Publish sends an envelope without awaiting a reply.
func (c *Client) Publish(ctx context.Context, target *transport.Target, env *envelope.Raw) error {
	service, err := serviceFromTarget(target)
	if err != nil {
		return err
	}
	nc, err := c.connFor(ctx, target)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.KindSerialization, "Client", "Publish", "encode envelope")
	}

	msg := &nats.Msg{
		Subject: SubjectForService(service),
		Data:    data,
		Header:  nats.Header{},
	}
	writeMetaHeaders(msg.Header, env.Meta)
	return nc.PublishMsg(ctx, msg)
}

// Close closes all server connections.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*natsclient.Client)
	c.mu.Unlock()

	var firstErr error
	for _, nc := range conns {
		if err := nc.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// connFor returns a connected client for the target server, dialing on
// first use.
func (c *Client) connFor(ctx context.Context, target *transport.Target) (*natsclient.Client, error) {
	host := target.URL.Host

	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.conns[host]; ok {
		return nc, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(c.logger),
		natsclient.WithName("qollective-client"),
	}
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLSConfig(c.cfg.TLS))
	}

	nc, err := natsclient.NewClient("nats://"+host, opts...)
	if err != nil {
		return nil, err
	}
	if err := nc.Connect(ctx); err != nil {
		return nil, err
	}
	c.conns[host] = nc
	return nc, nil
}
