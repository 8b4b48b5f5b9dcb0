package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

func TestSendQueue_DropOldestDroppable(t *testing.T) {
	q := newSendQueue(3)

	require.True(t, q.push(&Frame{Type: FrameEnvelope, ID: "a"}))
	require.True(t, q.push(&Frame{Type: FramePong, ID: "p"}))
	require.True(t, q.push(&Frame{Type: FrameSubscriptionData, ID: "s"}))
	require.True(t, q.push(&Frame{Type: FrameEnvelope, ID: "c"}))

	// The Pong was evicted first; Envelope frames survived.
	var ids []string
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"a", "s", "c"}, ids)
}

func TestSendQueue_NeverDropsEnvelopeOrErrorFrames(t *testing.T) {
	q := newSendQueue(2)

	require.True(t, q.push(&Frame{Type: FrameEnvelope, ID: "a"}))
	require.True(t, q.push(&Frame{Type: FrameError, ID: "e1"}))

	// Nothing droppable queued: the push is rejected instead.
	assert.False(t, q.push(&Frame{Type: FrameEnvelope, ID: "b"}))
	assert.False(t, q.push(&Frame{Type: FramePing, ID: "p"}))
	assert.Equal(t, 2, q.len())

	f, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", f.ID)
	f, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "e1", f.ID)
}

func TestSendQueue_Close(t *testing.T) {
	q := newSendQueue(4)
	require.True(t, q.push(&Frame{Type: FrameEnvelope, ID: "a"}))
	q.close()
	assert.False(t, q.push(&Frame{Type: FrameEnvelope, ID: "b"}))
	_, ok := q.pop()
	assert.False(t, ok)
}

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	cfg := transport.DefaultServerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0

	srv, err := NewServer(cfg, opts...)
	require.NoError(t, err)

	require.NoError(t, srv.Register("/ws", handler.NewEchoHandler()))
	require.NoError(t, srv.Register("/fail", handler.RawFunc(
		func(_ context.Context, _ *envelope.Raw) (*envelope.Raw, error) {
			return nil, errors.New(errors.KindPermission, "demo", "fail", "no access")
		})))
	require.NoError(t, srv.Register("/payment", handler.RawFunc(
		func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
			envErr := envelope.NewError("PAYMENT_REQUIRED", "subscription lapsed", 402)
			return envelope.NewErrorEnvelope[json.RawMessage](envelope.PreserveForResponse(env.Meta), envErr), nil
		})))

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := transport.DefaultClientConfig()
	cfg.Timeout = 5 * time.Second
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func wsTarget(t *testing.T, srv *Server, path string) *transport.Target {
	t.Helper()
	tgt, err := transport.ParseTarget("ws://" + srv.Addr() + path)
	require.NoError(t, err)
	return tgt
}

func TestWebSocket_EchoRoundTrip(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"msg":"hi"}`))
	resp, err := client.SendEnvelope(context.Background(), wsTarget(t, srv, "/ws"), req)
	require.NoError(t, err)

	require.False(t, resp.HasError())
	assert.JSONEq(t, `{"msg":"hi"}`, string(resp.Payload))
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestWebSocket_SequentialRequestsShareConnection(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)
	tgt := wsTarget(t, srv, "/ws")

	for i := 0; i < 5; i++ {
		req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"n":1}`))
		resp, err := client.SendEnvelope(context.Background(), tgt, req)
		require.NoError(t, err)
		require.False(t, resp.HasError())
	}
	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestWebSocket_HandlerError(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	resp, err := client.SendEnvelope(context.Background(), wsTarget(t, srv, "/fail"), req)
	require.NoError(t, err)

	require.True(t, resp.HasError())
	assert.Equal(t, "PERMISSION_DENIED", resp.Error.Code)
	assert.Equal(t, 403, resp.Error.Status())
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestWebSocket_ErrorFrameCarriesCustomStatus(t *testing.T) {
	srv := startServer(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/payment", nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(&Frame{Type: FrameEnvelope, ID: req.Meta.RequestID, Data: data}))

	var frame Frame
	for {
		require.NoError(t, ws.ReadJSON(&frame))
		if frame.Type != FramePing {
			break
		}
	}

	// The frame carries the string error code; the numeric status rides
	// inside the error envelope in Data.
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, req.Meta.RequestID, frame.ID)
	assert.Equal(t, "PAYMENT_REQUIRED", frame.Code)

	var resp envelope.Raw
	require.NoError(t, json.Unmarshal(frame.Data, &resp))
	require.True(t, resp.HasError())
	assert.Equal(t, 402, resp.Error.HTTPStatusCode)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestWebSocket_TenantExtraction(t *testing.T) {
	srv := startServer(t, WithTenantExtractor(tenant.NewExtractor(tenant.DefaultConfig())))
	client := newTestClient(t)

	// Tenant rides the connection query string.
	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	resp, err := client.SendEnvelope(context.Background(), wsTarget(t, srv, "/ws?tenant=acme"), req)
	require.NoError(t, err)

	require.False(t, resp.HasError())
	assert.Equal(t, "acme", resp.Meta.Tenant)
}

func TestWebSocket_SubscriptionDelivery(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)
	tgt := wsTarget(t, srv, "/ws")

	ch, err := client.Subscribe(tgt, "updates")
	require.NoError(t, err)

	// Subscription registration races the publish; poll until a receiver
	// is attached.
	published := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"event":"created"}`))
	require.Eventually(t, func() bool {
		n, err := srv.PublishTopic("updates", published)
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case env := <-ch:
		require.NotNil(t, env)
		assert.JSONEq(t, `{"event":"created"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscription data not delivered")
	}

	require.NoError(t, client.Unsubscribe(tgt, "updates"))
	require.Eventually(t, func() bool {
		n, err := srv.PublishTopic("updates", published)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_Publish(t *testing.T) {
	srv := startServer(t)
	client := newTestClient(t)

	env := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"fire":"forget"}`))
	require.NoError(t, client.Publish(context.Background(), wsTarget(t, srv, "/ws"), env))
}

func TestWebSocket_RequestTimeout(t *testing.T) {
	cfg := transport.DefaultServerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.RequestTimeout = time.Second
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Register("/slow", handler.RawFunc(
		func(ctx context.Context, env *envelope.Raw) (*envelope.Raw, error) {
			select {
			case <-time.After(10 * time.Second):
				return envelope.New(envelope.PreserveForResponse(env.Meta), env.Payload), nil
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.KindGatewayTimeout, "demo", "slow", "wait")
			}
		})))
	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop(time.Second) }()

	ccfg := transport.DefaultClientConfig()
	ccfg.Timeout = 200 * time.Millisecond
	client, err := NewClient(ccfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	_, err = client.SendEnvelope(context.Background(), wsTarget(t, srv, "/slow"), req)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindGatewayTimeout))
}
