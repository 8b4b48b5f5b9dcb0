package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/transport"
)

// maxResponseSize bounds response bodies read by the client.
const maxResponseSize = 16 * 1024 * 1024

// Client is the REST transport client. It implements transport.Client.
type Client struct {
	cfg        transport.ClientConfig
	httpClient *http.Client
	logger     *logging.Logger
	preferGET  bool
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

// WithGETEncoding makes SendEnvelope use GET with the envelope header
// instead of POST with a body. Envelopes that exceed the configured
// header size bound are rejected rather than silently downgraded.
func WithGETEncoding() ClientOption {
	return func(c *Client) { c.preferGET = true }
}

// NewClient creates a REST client from configuration.
func NewClient(cfg transport.ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		httpTransport.TLSClientConfig = tlsConfig
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: httpTransport,
		},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendEnvelope performs one request/reply round trip. Error envelopes in
// the response are returned as envelopes, not Go errors; the caller
// inspects Response.Error.
func (c *Client) SendEnvelope(ctx context.Context, target *transport.Target, env *envelope.Raw) (*envelope.Raw, error) {
	req, err := c.buildRequest(ctx, target, env)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "Client", "SendEnvelope",
			fmt.Sprintf("request to %s", target.URL.Host))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "Client", "SendEnvelope", "read response body")
	}

	out := &envelope.Raw{}
	if err := json.Unmarshal(body, out); err != nil {
		// Non-envelope body: surface the HTTP status as a transport-level
		// error envelope so callers still get the preservation rule.
		if resp.StatusCode >= 400 {
			return envelope.NewErrorEnvelope[json.RawMessage](
				envelope.PreserveForResponse(env.Meta),
				envelope.NewError("TRANSPORT_ERROR", http.StatusText(resp.StatusCode), resp.StatusCode),
			), nil
		}
		return nil, errors.Wrap(err, errors.KindDeserialization, "Client", "SendEnvelope",
			"decode response envelope")
	}
	return out, nil
}

// Publish sends an envelope without caring about the response payload.
func (c *Client) Publish(ctx context.Context, target *transport.Target, env *envelope.Raw) error {
	req, err := c.buildRequest(ctx, target, env)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "Client", "Publish",
			fmt.Sprintf("request to %s", target.URL.Host))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode >= 400 {
		return errors.Newf(errors.KindTransport, "Client", "Publish",
			"publish to %s returned status %d", target.URL.Host, resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// buildRequest encodes the envelope as a POST body, or as the base64
// envelope header when GET encoding is selected.
func (c *Client) buildRequest(ctx context.Context, target *transport.Target, env *envelope.Raw) (*http.Request, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Client", "buildRequest", "encode envelope")
	}

	if c.preferGET {
		encoded := base64.StdEncoding.EncodeToString(data)
		if len(encoded) > c.cfg.MaxHeaderSize {
			return nil, errors.Newf(errors.KindValidation, "Client", "buildRequest",
				"encoded envelope is %d bytes, exceeds header bound %d", len(encoded), c.cfg.MaxHeaderSize)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "Client", "buildRequest", "build GET request")
		}
		req.Header.Set(EnvelopeHeader, encoded)
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL.String(), bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "Client", "buildRequest", "build POST request")
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
