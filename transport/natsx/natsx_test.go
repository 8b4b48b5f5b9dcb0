package natsx

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/natsclient"
	"github.com/jocax/qollective-sub006/pkg/worker"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	nc, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	srv, err := NewServer(nc, opts...)
	require.NoError(t, err)
	return srv
}

func requestMsg(t *testing.T, env *envelope.Raw) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return &nats.Msg{
		Subject: SubjectForService("echo"),
		Reply:   newInbox(),
		Data:    data,
		Header:  nats.Header{},
	}
}

func TestSubjectForService(t *testing.T) {
	assert.Equal(t, "service.orders.request", SubjectForService("orders"))
}

func TestServiceFromTarget(t *testing.T) {
	tgt, err := transport.ParseTarget("nats://localhost:4222/orders")
	require.NoError(t, err)

	service, err := serviceFromTarget(tgt)
	require.NoError(t, err)
	assert.Equal(t, "orders", service)

	tgt, err = transport.ParseTarget("nats://localhost:4222")
	require.NoError(t, err)
	_, err = serviceFromTarget(tgt)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestRegister_Validation(t *testing.T) {
	srv := newTestServer(t)

	require.NoError(t, srv.Register("echo", handler.NewEchoHandler()))

	err := srv.Register("echo", handler.NewEchoHandler())
	require.Error(t, err)

	err = srv.Register("", handler.NewEchoHandler())
	require.Error(t, err)

	err = srv.Register("bad.name", handler.NewEchoHandler())
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	err = srv.Register("wild*card", handler.NewEchoHandler())
	require.Error(t, err)
}

func TestHandleMessage_Echo(t *testing.T) {
	srv := newTestServer(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"msg":"hello"}`))
	msg := requestMsg(t, req)

	resp := srv.handleMessage(context.Background(), handler.NewEchoHandler(), msg)
	require.False(t, resp.HasError())
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Payload))
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestHandleMessage_RecordsReplyInbox(t *testing.T) {
	srv := newTestServer(t)

	var seenReplyTo string
	h := handler.RawFunc(func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
		if v, ok := env.Meta.Extensions[replyToExtension].(string); ok {
			seenReplyTo = v
		}
		return envelope.New(envelope.PreserveForResponse(env.Meta), env.Payload), nil
	})

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	msg := requestMsg(t, req)

	resp := srv.handleMessage(context.Background(), h, msg)
	require.False(t, resp.HasError())
	assert.Equal(t, msg.Reply, seenReplyTo)
	assert.True(t, strings.HasPrefix(seenReplyTo, inboxPrefix))
}

func TestHandleMessage_MalformedEnvelope(t *testing.T) {
	srv := newTestServer(t)

	msg := &nats.Msg{Data: []byte(`{not json`), Header: nats.Header{}}
	resp := srv.handleMessage(context.Background(), handler.NewEchoHandler(), msg)

	require.True(t, resp.HasError())
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Equal(t, 400, resp.Error.Status())
}

func TestHandleMessage_HandlerError(t *testing.T) {
	srv := newTestServer(t)

	h := handler.RawFunc(func(context.Context, *envelope.Raw) (*envelope.Raw, error) {
		return nil, errors.New(errors.KindNotFound, "demo", "lookup", "no such thing")
	})

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{}`))
	resp := srv.handleMessage(context.Background(), h, requestMsg(t, req))

	require.True(t, resp.HasError())
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
}

func TestHandleMessage_HeaderBridge(t *testing.T) {
	srv := newTestServer(t)

	env := &envelope.Raw{
		Meta:    &envelope.Meta{Version: "1.0"},
		Payload: json.RawMessage(`{}`),
	}
	msg := requestMsg(t, env)
	msg.Header.Set(headerRequestID, "req-7")
	msg.Header.Set(headerTenantID, "acme")
	msg.Header.Set(headerTraceparent, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")

	var seen *envelope.Meta
	h := handler.RawFunc(func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
		seen = env.Meta
		return envelope.New(envelope.PreserveForResponse(env.Meta), env.Payload), nil
	})

	resp := srv.handleMessage(context.Background(), h, msg)
	require.False(t, resp.HasError())
	require.NotNil(t, seen)
	assert.Equal(t, "req-7", seen.RequestID)
	assert.Equal(t, "acme", seen.Tenant)
	require.NotNil(t, seen.Tracing)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", seen.Tracing.TraceID)
	assert.Equal(t, "b7ad6b7169203331", seen.Tracing.SpanID)
}

func TestHandleMessage_TenantExtraction(t *testing.T) {
	extractor := tenant.NewExtractor(tenant.DefaultConfig())
	srv := newTestServer(t, WithTenantExtractor(extractor))

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"tenant":"globex"}`))
	var seenTenant string
	h := handler.RawFunc(func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
		seenTenant = env.Meta.Tenant
		return envelope.New(envelope.PreserveForResponse(env.Meta), env.Payload), nil
	})

	resp := srv.handleMessage(context.Background(), h, requestMsg(t, req))
	require.False(t, resp.HasError())
	assert.Equal(t, "globex", seenTenant)
	assert.Equal(t, "globex", resp.Meta.Tenant)
}

func TestWriteMetaHeaders(t *testing.T) {
	h := nats.Header{}
	writeMetaHeaders(h, &envelope.Meta{
		RequestID: "req-1",
		Tenant:    "acme",
		Tracing: &envelope.TracingMeta{
			TraceID: "0af7651916cd43dd8448eb211c80319c",
			SpanID:  "b7ad6b7169203331",
		},
	})

	assert.Equal(t, "req-1", h.Get(headerRequestID))
	assert.Equal(t, "acme", h.Get(headerTenantID))
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", h.Get(headerTraceparent))
}

func TestParseTraceparent(t *testing.T) {
	tm, ok := parseTraceparent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.True(t, ok)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", tm.TraceID)

	_, ok = parseTraceparent("")
	assert.False(t, ok)

	_, ok = parseTraceparent("00-short-b7ad6b7169203331-01")
	assert.False(t, ok)
}

func TestNewInbox_Unique(t *testing.T) {
	a, b := newInbox(), newInbox()
	assert.True(t, strings.HasPrefix(a, inboxPrefix))
	assert.NotEqual(t, a, b)
}

func TestDispatch_RunsHandlerThroughPool(t *testing.T) {
	srv := newTestServer(t)

	done := make(chan struct{})
	h := handler.RawFunc(func(_ context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		close(done)
		return envelope.New(envelope.PreserveForResponse(req.Meta), req.Payload), nil
	})

	srv.pool = worker.NewPool(1, 4, func(taskCtx context.Context, tk task) error {
		srv.serveRequest(taskCtx, tk.service, tk.handler, tk.msg)
		return nil
	})
	require.NoError(t, srv.pool.Start(context.Background()))
	defer func() { require.NoError(t, srv.pool.Stop(2*time.Second)) }()

	env := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"ping":true}`))
	msg := requestMsg(t, env)
	msg.Reply = "" // no live connection to publish a reply to

	srv.dispatch(context.Background(), "echo", h, msg)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}
