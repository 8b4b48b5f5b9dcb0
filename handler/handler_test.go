package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Greeting string `json:"greeting"`
	Tenant   string `json:"tenant,omitempty"`
}

func greet(ctx context.Context, req greetRequest) (greetResponse, error) {
	resp := greetResponse{Greeting: "hello " + req.Name}
	if c, ok := envctx.Current(ctx); ok {
		resp.Tenant = c.Tenant()
	}
	return resp, nil
}

func TestDefaultEnvelopeHandler_Success(t *testing.T) {
	h := NewDefaultEnvelopeHandler[greetRequest, greetResponse](
		ContextDataFunc[greetRequest, greetResponse](greet))

	reqMeta := envelope.ForNewRequest()
	reqMeta.Tenant = "t1"
	req := envelope.New(reqMeta, greetRequest{Name: "world"})

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Payload.Greeting)
	assert.Equal(t, "t1", resp.Payload.Tenant, "handler must observe scoped context")
	assert.Equal(t, reqMeta.RequestID, resp.Meta.RequestID)
	assert.Equal(t, "t1", resp.Meta.Tenant)
	assert.False(t, resp.HasError())
}

func TestDefaultEnvelopeHandler_PreservationRule(t *testing.T) {
	reqMeta := envelope.ForNewRequest()
	reqMeta.Tenant = "t1"
	reqMeta.Security = &envelope.SecurityMeta{UserID: "alice"}
	reqMeta.Tracing = &envelope.TracingMeta{TraceID: "0123456789abcdef0123456789abcdef"}
	reqMeta.Debug = &envelope.DebugMeta{Level: "trace"}
	reqMeta.SetExtension("scratch", "data")

	h := NewDefaultEnvelopeHandler[greetRequest, greetResponse](
		ContextDataFunc[greetRequest, greetResponse](greet))
	resp, err := h.Handle(context.Background(), envelope.New(reqMeta, greetRequest{Name: "x"}))
	require.NoError(t, err)

	m := resp.Meta
	assert.Equal(t, reqMeta.RequestID, m.RequestID)
	assert.Equal(t, "t1", m.Tenant)
	assert.Equal(t, "alice", m.Security.UserID)
	assert.Equal(t, reqMeta.Tracing.TraceID, m.Tracing.TraceID)
	assert.Nil(t, m.Debug)
	assert.Nil(t, m.Performance)
	assert.Nil(t, m.Monitoring)
	assert.Empty(t, m.Extensions)
	require.NotNil(t, m.Timestamp)
	assert.True(t, !m.Timestamp.Before(*reqMeta.Timestamp))
}

func TestDefaultEnvelopeHandler_MiddlewareEnrichmentVisible(t *testing.T) {
	// A middleware-shaped inner handler that sets the tenant before the
	// domain logic runs; the response metadata must reflect it.
	inner := ContextDataFunc[greetRequest, greetResponse](func(ctx context.Context, req greetRequest) (greetResponse, error) {
		if c, ok := envctx.Current(ctx); ok {
			c.Update(func(m *envelope.Meta) { m.Tenant = "enriched" })
		}
		return greet(ctx, req)
	})

	h := NewDefaultEnvelopeHandler[greetRequest, greetResponse](inner)
	resp, err := h.Handle(context.Background(), envelope.New(envelope.ForNewRequest(), greetRequest{}))
	require.NoError(t, err)

	assert.Equal(t, "enriched", resp.Meta.Tenant)
}

func TestDefaultEnvelopeHandler_ErrorBecomesEnvelope(t *testing.T) {
	inner := ContextDataFunc[greetRequest, greetResponse](func(context.Context, greetRequest) (greetResponse, error) {
		return greetResponse{}, errors.New(errors.KindNotFound, "greeter", "lookup", "no such name")
	})

	h := NewDefaultEnvelopeHandler[greetRequest, greetResponse](inner)
	resp, err := h.Handle(context.Background(), envelope.New(envelope.ForNewRequest(), greetRequest{}))
	require.NoError(t, err)

	require.True(t, resp.HasError())
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, 404, resp.Error.HTTPStatusCode)
}

func TestDefaultContextDataHandler(t *testing.T) {
	h := NewDefaultContextDataHandler(func(n int) (int, error) { return n * 2, nil })

	out, err := h.Handle(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestToRaw_RoundTrip(t *testing.T) {
	typed := NewDefaultEnvelopeHandler[greetRequest, greetResponse](
		ContextDataFunc[greetRequest, greetResponse](greet))
	raw := ToRaw[greetRequest, greetResponse](typed)

	req := &envelope.Raw{
		Meta:    envelope.ForNewRequest(),
		Payload: json.RawMessage(`{"name":"raw"}`),
	}
	resp, err := raw.Handle(context.Background(), req)
	require.NoError(t, err)

	var out greetResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Equal(t, "hello raw", out.Greeting)
}

func TestToRaw_BadPayloadBecomesValidationError(t *testing.T) {
	typed := NewDefaultEnvelopeHandler[greetRequest, greetResponse](
		ContextDataFunc[greetRequest, greetResponse](greet))
	raw := ToRaw[greetRequest, greetResponse](typed)

	req := &envelope.Raw{
		Meta:    envelope.ForNewRequest(),
		Payload: json.RawMessage(`{"name":123}`),
	}
	resp, err := raw.Handle(context.Background(), req)
	require.NoError(t, err)

	require.True(t, resp.HasError())
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Equal(t, 400, resp.Error.HTTPStatusCode)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestNewEchoHandler(t *testing.T) {
	echo := NewEchoHandler()

	req := &envelope.Raw{
		Meta:    envelope.ForNewRequest(),
		Payload: json.RawMessage(`{"x":1}`),
	}
	resp, err := echo.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, `{"x":1}`, string(resp.Payload))
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}
