package transport

import (
	"context"
	"sync"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/pkg/retry"
)

// HybridClient routes requests to protocol clients by target scheme. It
// holds one client per protocol; protocols without a registered client
// reject with a Transport error. Registration happens before first use;
// dispatch is concurrency-safe.
type HybridClient struct {
	mu      sync.RWMutex
	clients map[Protocol]Client
	logger  *logging.Logger
}

// HybridOption configures a HybridClient.
type HybridOption func(*HybridClient)

// WithLogger sets the dispatch logger.
func WithLogger(l *logging.Logger) HybridOption {
	return func(h *HybridClient) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHybridClient creates an empty hybrid client.
func NewHybridClient(opts ...HybridOption) *HybridClient {
	h := &HybridClient{
		clients: make(map[Protocol]Client),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterClient installs the client serving a protocol, replacing any
// previous one.
func (h *HybridClient) RegisterClient(p Protocol, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[p] = c
}

// clientFor resolves the target and its protocol client.
func (h *HybridClient) clientFor(rawURL string) (*Target, Client, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, nil, err
	}

	h.mu.RLock()
	c, ok := h.clients[target.Protocol]
	h.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Newf(errors.KindTransport, "HybridClient", "clientFor",
			"no client registered for protocol %s", target.Protocol)
	}
	return target, c, nil
}

// SendEnvelope dispatches a request/reply envelope to the target URL.
// When the send fails with a retryable kind, the request is resent
// under that kind's backoff configuration. Error envelopes returned by
// the remote side are responses, not failures, and pass through.
func (h *HybridClient) SendEnvelope(ctx context.Context, rawURL string, env *envelope.Raw) (*envelope.Raw, error) {
	target, c, err := h.clientFor(rawURL)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("dispatching envelope", "protocol", string(target.Protocol), "target", rawURL)

	res, err := c.SendEnvelope(ctx, target, env)
	if err == nil || !errors.IsRetryable(err) {
		return res, err
	}

	cfg := errors.RetryConfigFor(err)
	cfg.MaxAttempts-- // the first attempt already failed
	h.logger.Warn("send failed, retrying",
		"protocol", string(target.Protocol),
		"policy", errors.KindOf(err).RetryPolicy().String(),
		"error", err.Error())

	return retry.DoWithResult(ctx, cfg, func() (*envelope.Raw, error) {
		res, err := c.SendEnvelope(ctx, target, env)
		if err != nil && !errors.IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return res, err
	})
}

// Publish dispatches a fire-and-forget envelope to the target URL.
func (h *HybridClient) Publish(ctx context.Context, rawURL string, env *envelope.Raw) error {
	target, c, err := h.clientFor(rawURL)
	if err != nil {
		return err
	}
	h.logger.Debug("publishing envelope", "protocol", string(target.Protocol), "target", rawURL)
	return c.Publish(ctx, target, env)
}

// Close closes every registered client, returning the first error.
func (h *HybridClient) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for p, c := range h.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.KindTransport, "HybridClient", "Close",
				"close "+string(p)+" client")
		}
	}
	h.clients = make(map[Protocol]Client)
	return firstErr
}

// Send performs a typed request/reply through a hybrid client: encode the
// request envelope, dispatch, decode the response. Error envelopes pass
// through untouched so callers inspect Response.Error.
func Send[In, Out any](ctx context.Context, h *HybridClient, rawURL string, env *envelope.Envelope[In]) (*envelope.Envelope[Out], error) {
	raw, err := envelope.ToRaw(env)
	if err != nil {
		return nil, err
	}

	res, err := h.SendEnvelope(ctx, rawURL, raw)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New(errors.KindTransport, "transport", "Send", "nil response envelope")
	}
	return envelope.FromRaw[Out](res)
}
