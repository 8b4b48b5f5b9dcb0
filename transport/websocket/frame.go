// Package websocket implements the WebSocket transport: envelopes travel
// inside typed frames over a persistent connection, with application-level
// ping/pong and per-connection topic subscriptions.
package websocket

import (
	"encoding/json"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
)

// FrameType discriminates WebSocket messages.
type FrameType string

// Frame types.
const (
	FrameEnvelope         FrameType = "Envelope"
	FrameError            FrameType = "Error"
	FramePing             FrameType = "Ping"
	FramePong             FrameType = "Pong"
	FrameSubscribe        FrameType = "Subscribe"
	FrameUnsubscribe      FrameType = "Unsubscribe"
	FrameSubscriptionData FrameType = "SubscriptionData"
)

// Close codes at or above 4000 signal envelope-level failures, distinct
// from the transport-level codes below 4000.
const (
	CloseEnvelopeError     = 4000
	CloseServerShutdown    = 4001
	CloseProtocolViolation = 4002
)

// Frame is the wire unit. ID correlates requests with responses; Data
// carries the envelope (or subscription payload); Code carries the
// string error code on Error frames. The numeric HTTP status stays
// inside the error envelope in Data, keeping the frame header free of
// HTTP semantics.
type Frame struct {
	Type FrameType       `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
	Code string          `json:"code,omitempty"`
}

// subscription is the Data payload of Subscribe, Unsubscribe and
// SubscriptionData frames.
type subscription struct {
	Topic    string          `json:"topic"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

// envelopeFrame builds an Envelope frame around a serialized envelope.
func envelopeFrame(id string, env *envelope.Raw) (*Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "websocket", "envelopeFrame", "encode envelope")
	}
	return &Frame{Type: FrameEnvelope, ID: id, Data: data}, nil
}

// errorFrame builds an Error frame around an error envelope.
func errorFrame(id string, env *envelope.Raw) (*Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "websocket", "errorFrame", "encode envelope")
	}
	code := ""
	if env.Error != nil {
		code = env.Error.Code
	}
	return &Frame{Type: FrameError, ID: id, Data: data, Code: code}, nil
}

// decodeEnvelope reads the envelope out of a frame's Data.
func decodeEnvelope(f *Frame) (*envelope.Raw, error) {
	env := &envelope.Raw{}
	if err := json.Unmarshal(f.Data, env); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "websocket", "decodeEnvelope", "decode frame data")
	}
	return env, nil
}
