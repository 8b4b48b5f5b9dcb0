// Package handler defines the three-layer handler chain every transport
// invokes: EnvelopeHandler (sees raw envelopes) wraps ContextDataHandler
// (sees scoped context and payload) wraps the domain handler. Default
// adapters compose the layers and implement the metadata preservation
// rule between request and response.
package handler

import (
	"context"
	"encoding/json"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
)

// EnvelopeHandler is the outermost layer. It sees and may modify envelope
// metadata directly. Implementations return an error only for failures the
// transport should map to an error envelope; they may also return an error
// envelope themselves.
type EnvelopeHandler[In, Out any] interface {
	Handle(ctx context.Context, env *envelope.Envelope[In]) (*envelope.Envelope[Out], error)
}

// EnvelopeHandlerFunc adapts a function to EnvelopeHandler.
type EnvelopeHandlerFunc[In, Out any] func(ctx context.Context, env *envelope.Envelope[In]) (*envelope.Envelope[Out], error)

// Handle implements EnvelopeHandler.
func (f EnvelopeHandlerFunc[In, Out]) Handle(ctx context.Context, env *envelope.Envelope[In]) (*envelope.Envelope[Out], error) {
	return f(ctx, env)
}

// ContextDataHandler is the middle layer. It sees the request payload and
// the scoped context (via envctx.Current) but not the raw envelope.
type ContextDataHandler[In, Out any] interface {
	Handle(ctx context.Context, data In) (Out, error)
}

// ContextDataFunc adapts a function to ContextDataHandler.
type ContextDataFunc[In, Out any] func(ctx context.Context, data In) (Out, error)

// Handle implements ContextDataHandler.
func (f ContextDataFunc[In, Out]) Handle(ctx context.Context, data In) (Out, error) {
	return f(ctx, data)
}

// DefaultContextDataHandler wraps a plain domain function that needs
// neither context nor metadata.
type DefaultContextDataHandler[In, Out any] struct {
	fn func(In) (Out, error)
}

// NewDefaultContextDataHandler adapts a domain function into the chain.
func NewDefaultContextDataHandler[In, Out any](fn func(In) (Out, error)) *DefaultContextDataHandler[In, Out] {
	return &DefaultContextDataHandler[In, Out]{fn: fn}
}

// Handle implements ContextDataHandler.
func (h *DefaultContextDataHandler[In, Out]) Handle(_ context.Context, data In) (Out, error) {
	return h.fn(data)
}

// DefaultEnvelopeHandler composes the chain: it splits the request
// envelope, scopes a request context around its metadata, invokes the
// inner handler inside that scope, and assembles the response envelope
// with PreserveForResponse. Handler errors become error envelopes.
type DefaultEnvelopeHandler[In, Out any] struct {
	inner ContextDataHandler[In, Out]
}

// NewDefaultEnvelopeHandler wraps a ContextDataHandler.
func NewDefaultEnvelopeHandler[In, Out any](inner ContextDataHandler[In, Out]) *DefaultEnvelopeHandler[In, Out] {
	return &DefaultEnvelopeHandler[In, Out]{inner: inner}
}

// Handle implements EnvelopeHandler.
func (h *DefaultEnvelopeHandler[In, Out]) Handle(ctx context.Context, env *envelope.Envelope[In]) (*envelope.Envelope[Out], error) {
	if env == nil {
		return nil, errors.New(errors.KindEnvelope, "DefaultEnvelopeHandler", "Handle", "nil envelope")
	}

	meta, payload := env.Extract()
	reqCtx := envctx.New(meta)
	ctx = envctx.With(ctx, reqCtx)

	out, err := h.inner.Handle(ctx, payload)

	// Middleware may have enriched the metadata inside the scope, so the
	// response derives from the context's view, not the original pointer.
	respMeta := envelope.PreserveForResponse(reqCtx.Meta())
	if err != nil {
		return envelope.NewErrorEnvelope[Out](respMeta, envelope.ErrorFromErr(err)), nil
	}
	return envelope.New(respMeta, out), nil
}

// Raw is the untyped handler shape transports store in their registries.
type Raw interface {
	Handle(ctx context.Context, env *envelope.Raw) (*envelope.Raw, error)
}

// RawFunc adapts a function to Raw.
type RawFunc func(ctx context.Context, env *envelope.Raw) (*envelope.Raw, error)

// Handle implements Raw.
func (f RawFunc) Handle(ctx context.Context, env *envelope.Raw) (*envelope.Raw, error) {
	return f(ctx, env)
}

// ToRaw adapts a typed EnvelopeHandler into the untyped transport shape.
// Payload decode failures surface as VALIDATION_ERROR envelopes rather
// than transport faults.
func ToRaw[In, Out any](h EnvelopeHandler[In, Out]) Raw {
	return RawFunc(func(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
		typed, err := envelope.FromRaw[In](raw)
		if err != nil {
			var reqMeta *envelope.Meta
			if raw != nil {
				reqMeta = raw.Meta
			}
			respMeta := envelope.PreserveForResponse(reqMeta)
			verr := errors.Wrap(err, errors.KindValidation, "handler", "ToRaw", "decode payload")
			return envelope.NewErrorEnvelope[json.RawMessage](respMeta, envelope.ErrorFromErr(verr)), nil
		}

		res, err := h.Handle(ctx, typed)
		if err != nil {
			respMeta := envelope.PreserveForResponse(typed.Meta)
			return envelope.NewErrorEnvelope[json.RawMessage](respMeta, envelope.ErrorFromErr(err)), nil
		}
		return envelope.ToRaw(res)
	})
}

// NewEchoHandler returns a raw handler that returns the request payload
// unchanged. Used by conformance tests and the demo binary.
func NewEchoHandler() Raw {
	return ToRaw[json.RawMessage, json.RawMessage](
		NewDefaultEnvelopeHandler[json.RawMessage, json.RawMessage](
			ContextDataFunc[json.RawMessage, json.RawMessage](
				func(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
					return data, nil
				},
			),
		),
	)
}
