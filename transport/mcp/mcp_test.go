package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/transport"
)

// toolEchoHandler responds to a tool call with a tool response carrying
// the call's arguments.
func toolEchoHandler() handler.Raw {
	return handler.RawFunc(func(_ context.Context, env *envelope.Raw) (*envelope.Raw, error) {
		var data McpData
		if err := json.Unmarshal(env.Payload, &data); err != nil {
			return nil, err
		}
		resp := McpData{ToolResponse: &ToolResponse{
			CallID:  data.ToolCall.CallID,
			Content: data.ToolCall.Arguments,
		}}
		payload, _ := json.Marshal(resp)
		return envelope.New(envelope.PreserveForResponse(env.Meta), json.RawMessage(payload)), nil
	})
}

// startPair wires a server and a client over in-memory pipes.
func startPair(t *testing.T, opts ...ServerOption) (*Server, *Client) {
	t.Helper()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	srv, err := NewServer(serverIn, serverOut, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = clientOut.Close()
		_ = srv.Stop(time.Second)
	})

	client, err := NewClient(transport.DefaultClientConfig(), clientIn, clientOut)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func toolCallEnvelope(t *testing.T, name string, args string) *envelope.Raw {
	t.Helper()
	payload, err := json.Marshal(McpData{ToolCall: &ToolCall{
		CallID:    "call-1",
		Name:      name,
		Arguments: json.RawMessage(args),
	}})
	require.NoError(t, err)
	return envelope.New(envelope.ForNewRequest(), json.RawMessage(payload))
}

func TestMcpData_Kind(t *testing.T) {
	tests := []struct {
		data McpData
		want string
	}{
		{McpData{ToolCall: &ToolCall{}}, KindToolCall},
		{McpData{ToolResponse: &ToolResponse{}}, KindToolResponse},
		{McpData{ToolRegistration: &ToolRegistration{}}, KindToolRegistration},
		{McpData{DiscoveryData: &DiscoveryData{}}, KindDiscoveryData},
		{McpData{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.data.Kind())
	}
}

func TestMcpData_Validate(t *testing.T) {
	valid := McpData{ToolCall: &ToolCall{Name: "lookup"}}
	require.NoError(t, valid.Validate())

	empty := McpData{}
	err := empty.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.KindMcpProtocol, errors.KindOf(err))

	double := McpData{ToolCall: &ToolCall{}, ToolResponse: &ToolResponse{}}
	require.Error(t, double.Validate())
}

func TestToolCallRoundTrip(t *testing.T) {
	_, client := startPair(t)

	req := toolCallEnvelope(t, "lookup", `{"q":"answer"}`)
	resp, err := client.SendEnvelope(context.Background(), nil, req)
	require.NoError(t, err)
	require.False(t, resp.HasError())
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)

	var data McpData
	require.NoError(t, json.Unmarshal(resp.Payload, &data))
	require.NotNil(t, data.ToolResponse)
	assert.Equal(t, "call-1", data.ToolResponse.CallID)
	assert.JSONEq(t, `{"q":"answer"}`, string(data.ToolResponse.Content))
}

func TestUnhandledSectionKind(t *testing.T) {
	_, client := startPair(t)

	payload, err := json.Marshal(McpData{DiscoveryData: &DiscoveryData{}})
	require.NoError(t, err)
	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(payload))

	resp, err := client.SendEnvelope(context.Background(), nil, req)
	require.NoError(t, err)
	require.True(t, resp.HasError())
	assert.Equal(t, "MCP_PROTOCOL_ERROR", resp.Error.Code)
}

func TestEmptyMcpPayload(t *testing.T) {
	_, client := startPair(t)

	req := envelope.New(envelope.ForNewRequest(), json.RawMessage(`{"unrelated":true}`))
	resp, err := client.SendEnvelope(context.Background(), nil, req)
	require.NoError(t, err)
	require.True(t, resp.HasError())
	assert.Equal(t, "MCP_PROTOCOL_ERROR", resp.Error.Code)
}

func TestMalformedFrame(t *testing.T) {
	serverIn, input := io.Pipe()
	output, serverOut := io.Pipe()

	srv, err := NewServer(serverIn, serverOut)
	require.NoError(t, err)
	require.NoError(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = input.Close()
		_ = srv.Stop(time.Second)
	})

	go func() {
		_, _ = input.Write([]byte("{not json\n"))
	}()

	scanner := bufio.NewScanner(output)
	require.True(t, scanner.Scan())

	resp := &envelope.Raw{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), resp))
	require.True(t, resp.HasError())
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestRegister_Validation(t *testing.T) {
	srv, err := NewServer(nil, io.Discard)
	require.Error(t, err)
	assert.Nil(t, srv)

	in, _ := io.Pipe()
	srv, err = NewServer(in, io.Discard)
	require.NoError(t, err)

	require.Error(t, srv.Register("bogus", toolEchoHandler()))
	require.NoError(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.Error(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.Error(t, srv.Register(KindToolResponse, nil))
}

func TestClient_Publish(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	output, serverOut := io.Pipe()

	srv, err := NewServer(serverIn, serverOut)
	require.NoError(t, err)
	require.NoError(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = clientOut.Close()
		_ = srv.Stop(time.Second)
	})

	clientIn, _ := io.Pipe()
	client, err := NewClient(transport.DefaultClientConfig(), clientIn, clientOut)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	req := toolCallEnvelope(t, "notify", `{}`)
	require.NoError(t, client.Publish(context.Background(), nil, req))

	// The server still answers; the response goes unread by the client.
	scanner := bufio.NewScanner(output)
	require.True(t, scanner.Scan())
}

func TestClient_ClosedRejectsSends(t *testing.T) {
	in, _ := io.Pipe()
	client, err := NewClient(transport.DefaultClientConfig(), in, io.Discard)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.SendEnvelope(context.Background(), nil, toolCallEnvelope(t, "x", `{}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindMcpTransport, errors.KindOf(err))
}

func TestServerStop_AfterInputCloses(t *testing.T) {
	serverIn, input := io.Pipe()
	srv, err := NewServer(serverIn, io.Discard)
	require.NoError(t, err)
	require.NoError(t, srv.Register(KindToolCall, toolEchoHandler()))
	require.NoError(t, srv.Start(context.Background()))

	require.NoError(t, input.Close())
	require.NoError(t, srv.Stop(time.Second))
}
