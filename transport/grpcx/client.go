package grpcx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/transport"
)

// Client is the gRPC transport client. It keeps one connection per
// target host and implements transport.Client. The target path selects
// the server-side route.
type Client struct {
	cfg    transport.ClientConfig
	logger *logging.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
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

// NewClient creates a gRPC client from configuration.
func NewClient(cfg transport.ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.Nop(),
		conns:  make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendEnvelope performs the unary RPC. Remote error envelopes come back
// as envelopes; gRPC-level failures surface as Grpc errors.
func (c *Client) SendEnvelope(ctx context.Context, target *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Client", "SendEnvelope", "encode envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx = c.outgoingMetadata(ctx, target, env)

	in := rawFrame(data)
	out := new(rawFrame)
	if err := conn.Invoke(ctx, methodSendEnvelope, &in, out, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, wrapRPCError(err, target)
	}

	resp := &envelope.Raw{}
	if err := json.Unmarshal(*out, resp); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "Client", "SendEnvelope",
			"decode response envelope")
	}
	return resp, nil
}

// Publish performs the RPC and discards the response envelope.
func (c *Client) Publish(ctx context.Context, target *transport.Target, env *envelope.Raw) error {
	resp, err := c.SendEnvelope(ctx, target, env)
	if err != nil {
		return err
	}
	if resp.HasError() {
		return errors.Newf(errors.KindRemote, "Client", "Publish",
			"remote rejected publish: %s", resp.Error.Code)
	}
	return nil
}

// Subscribe opens the server-streaming RPC for a topic. Streamed
// envelopes arrive on the returned channel until the context ends.
func (c *Client) Subscribe(ctx context.Context, target *transport.Target, topic string) (<-chan *envelope.Raw, error) {
	if topic == "" {
		return nil, errors.New(errors.KindValidation, "Client", "Subscribe", "topic is required")
	}
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"topic": topic})
	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(payload))
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Client", "Subscribe", "encode request")
	}

	stream, err := conn.NewStream(ctx, &subscribeStreamDesc, methodSubscribe, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, wrapRPCError(err, target)
	}
	in := rawFrame(data)
	if err := stream.SendMsg(&in); err != nil {
		return nil, wrapRPCError(err, target)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, wrapRPCError(err, target)
	}

	ch := make(chan *envelope.Raw, 16)
	go func() {
		defer close(ch)
		for {
			out := new(rawFrame)
			if err := stream.RecvMsg(out); err != nil {
				return
			}
			env := &envelope.Raw{}
			if err := json.Unmarshal(*out, env); err != nil {
				c.logger.Warn("malformed streamed envelope", "error", err.Error())
				continue
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close tears down all connections.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.KindConnection, "Client", "Close", "close connection")
		}
	}
	return firstErr
}

// connFor returns the connection for the target host, dialing on first
// use.
func (c *Client) connFor(target *transport.Target) (*grpc.ClientConn, error) {
	host := target.URL.Host
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		return conn, nil
	}

	creds := insecure.NewCredentials()
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		tlsConfig, err := c.cfg.TLS.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "Client", "connFor",
			fmt.Sprintf("dial %s", host))
	}
	c.conns[host] = conn
	return conn, nil
}

// outgoingMetadata attaches the route and bridged envelope metadata.
func (c *Client) outgoingMetadata(ctx context.Context, target *transport.Target, env *envelope.Raw) context.Context {
	pairs := []string{mdRoute, strings.TrimPrefix(target.URL.Path, "/")}
	if env.Meta != nil {
		if env.Meta.RequestID != "" {
			pairs = append(pairs, mdRequestID, env.Meta.RequestID)
		}
		if env.Meta.Tenant != "" {
			pairs = append(pairs, mdTenantID, env.Meta.Tenant)
		}
		if tr := env.Meta.Tracing; tr != nil && tr.TraceID != "" && tr.SpanID != "" {
			pairs = append(pairs, mdTraceparent, fmt.Sprintf("00-%s-%s-01", tr.TraceID, tr.SpanID))
		}
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// wrapRPCError classifies a gRPC failure.
func wrapRPCError(err error, target *transport.Target) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.KindGrpc, "Client", "SendEnvelope",
			fmt.Sprintf("RPC to %s", target.URL.Host))
	}
	return errors.Wrap(err, errors.KindGrpc, "Client", "SendEnvelope",
		fmt.Sprintf("RPC to %s (%s)", target.URL.Host, st.Code()))
}
