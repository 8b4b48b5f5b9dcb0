package grpcx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	cfg := transport.DefaultServerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0

	srv, err := NewServer(cfg, opts...)
	require.NoError(t, err)

	require.NoError(t, srv.Register("echo", handler.NewEchoHandler()))
	require.NoError(t, srv.Register("fail", handler.RawFunc(
		func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
			return nil, errors.New(errors.KindPermission, "demo", "fail", "not allowed")
		})))
	require.NoError(t, srv.Register("meta", handler.RawFunc(
		func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
			seen := map[string]string{
				"request_id": env.Meta.RequestID,
				"tenant":     env.Meta.Tenant,
			}
			if env.Meta.Tracing != nil {
				seen["trace_id"] = env.Meta.Tracing.TraceID
			}
			payload, _ := json.Marshal(seen)
			return envelope.New(envelope.PreserveForResponse(env.Meta), json.RawMessage(payload)), nil
		})))

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv
}

func newTestClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(transport.DefaultClientConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func target(t *testing.T, srv *Server, route string) *transport.Target {
	t.Helper()
	tgt, err := transport.ParseTarget("grpc://" + srv.Addr() + "/" + route)
	require.NoError(t, err)
	return tgt
}

func TestServer_EchoRoundTrip(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"msg":"hello"}`))
	resp, err := client.SendEnvelope(context.Background(), target(t, srv, "echo"), req)
	require.NoError(t, err)

	require.False(t, resp.HasError())
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Payload))
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
	assert.Equal(t, req.Meta.Version, resp.Meta.Version)
}

func TestServer_HandlerErrorBecomesEnvelope(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	resp, err := client.SendEnvelope(context.Background(), target(t, srv, "fail"), req)
	require.NoError(t, err)

	require.True(t, resp.HasError())
	assert.Equal(t, "PERMISSION_DENIED", resp.Error.Code)
	assert.Equal(t, 403, resp.Error.Status())
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	resp, err := client.SendEnvelope(context.Background(), target(t, srv, "missing"), req)
	require.NoError(t, err)

	require.True(t, resp.HasError())
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestServer_SingleRouteFallback(t *testing.T) {
	cfg := transport.DefaultServerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Register("only", handler.NewEchoHandler()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	client := newTestClient(t)
	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"n":1}`))

	// No route in the target path: the sole registered handler serves it.
	resp, err := client.SendEnvelope(context.Background(), target(t, srv, ""), req)
	require.NoError(t, err)
	require.False(t, resp.HasError())
	assert.JSONEq(t, `{"n":1}`, string(resp.Payload))
}

func TestServer_MetadataBridge(t *testing.T) {
	srv := startServer(t)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(grpccreds.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Envelope without request ID, tenant, or tracing: the gRPC metadata
	// supplies them.
	env := &envelope.Raw{
		Meta:    &envelope.Meta{Version: "1.0"},
		Payload: json.RawMessage(`{}`),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		mdRoute, "meta",
		mdRequestID, "req-42",
		mdTenantID, "acme",
		mdTraceparent, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	)

	in := rawFrame(data)
	out := new(rawFrame)
	require.NoError(t, conn.Invoke(ctx, methodSendEnvelope, &in, out, grpc.ForceCodec(rawCodec{})))

	resp := &envelope.Raw{}
	require.NoError(t, json.Unmarshal(*out, resp))
	require.False(t, resp.HasError())

	var seen map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &seen))
	assert.Equal(t, "req-42", seen["request_id"])
	assert.Equal(t, "acme", seen["tenant"])
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", seen["trace_id"])
}

func TestServer_MalformedEnvelope(t *testing.T) {
	srv := startServer(t)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(grpccreds.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	in := rawFrame(`{not json`)
	out := new(rawFrame)
	require.NoError(t, conn.Invoke(context.Background(), methodSendEnvelope, &in, out,
		grpc.ForceCodec(rawCodec{})))

	resp := &envelope.Raw{}
	require.NoError(t, json.Unmarshal(*out, resp))
	require.True(t, resp.HasError())
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Equal(t, 400, resp.Error.Status())
}

func TestServer_TenantExtraction(t *testing.T) {
	extractor := tenant.NewExtractor(tenant.DefaultConfig())
	srv := startServer(t, WithTenantExtractor(extractor))
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"tenant":"globex"}`))
	resp, err := client.SendEnvelope(context.Background(), target(t, srv, "meta"), req)
	require.NoError(t, err)
	require.False(t, resp.HasError())

	var seen map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &seen))
	assert.Equal(t, "globex", seen["tenant"])
}

func TestSubscribe_StreamsPublishedEnvelopes(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := client.Subscribe(ctx, target(t, srv, ""), "events")
	require.NoError(t, err)

	published := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"event":"created"}`))
	require.Eventually(t, func() bool {
		n, err := srv.PublishTopic("events", published)
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case env := <-ch:
		require.NotNil(t, env)
		assert.JSONEq(t, `{"event":"created"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope streamed")
	}
}

func TestClient_Publish(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"msg":"fire"}`))
	require.NoError(t, client.Publish(context.Background(), target(t, srv, "echo"), req))

	err := client.Publish(context.Background(), target(t, srv, "fail"), req)
	require.Error(t, err)
	assert.Equal(t, errors.KindRemote, errors.KindOf(err))
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	assert.Equal(t, "qollective-raw", c.Name())

	in := rawFrame(`{"a":1}`)
	data, err := c.Marshal(&in)
	require.NoError(t, err)

	out := new(rawFrame)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in, *out)
}
