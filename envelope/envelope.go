// Package envelope defines the typed carrier used by every Qollective
// transport: a Meta header plus a polymorphic payload, or an Error in
// failed responses. Metadata propagation between request and response
// follows an explicit preservation rule implemented by
// PreserveForResponse.
package envelope

import (
	"encoding/json"

	"github.com/jocax/qollective-sub006/errors"
)

// Envelope is the carrier for one request or response. Payload and Error
// are mutually exclusive: successful responses carry a payload and no
// error, failed responses carry an error and no payload.
type Envelope[T any] struct {
	Meta    *Meta  `json:"meta,omitempty"`
	Payload T      `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Raw is an envelope whose payload is left undecoded. Transports move Raw
// envelopes; typed codecs convert at the edges.
type Raw = Envelope[json.RawMessage]

// New creates a request or success-response envelope.
func New[T any](meta *Meta, payload T) *Envelope[T] {
	return &Envelope[T]{Meta: meta, Payload: payload}
}

// NewErrorEnvelope creates a failure-response envelope. The payload slot
// stays empty.
func NewErrorEnvelope[T any](meta *Meta, envErr *Error) *Envelope[T] {
	return &Envelope[T]{Meta: meta, Error: envErr}
}

// Extract returns the metadata and payload, consuming the envelope.
func (e *Envelope[T]) Extract() (*Meta, T) {
	return e.Meta, e.Payload
}

// HasError reports whether this is a failure response.
func (e *Envelope[T]) HasError() bool {
	return e.Error != nil
}

// envelopeWire is the serialized shape shared by success and error
// envelopes. Payload is emitted only when no error is present.
type envelopeWire[T any] struct {
	Meta    *Meta  `json:"meta,omitempty"`
	Payload *T     `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// MarshalJSON enforces payload/error disjointness on the wire: error
// envelopes never emit a payload.
func (e *Envelope[T]) MarshalJSON() ([]byte, error) {
	wire := envelopeWire[T]{Meta: e.Meta, Error: e.Error}
	if e.Error == nil {
		wire.Payload = &e.Payload
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes an envelope, rejecting frames that carry both a
// payload and an error.
func (e *Envelope[T]) UnmarshalJSON(data []byte) error {
	var wire envelopeWire[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, errors.KindDeserialization, "Envelope", "UnmarshalJSON", "decode")
	}
	if wire.Error != nil && wire.Payload != nil {
		return errors.New(errors.KindEnvelope, "Envelope", "UnmarshalJSON",
			"payload and error are mutually exclusive")
	}
	e.Meta = wire.Meta
	e.Error = wire.Error
	if wire.Payload != nil {
		e.Payload = *wire.Payload
	} else {
		var zero T
		e.Payload = zero
	}
	return nil
}

// ToRaw encodes a typed envelope's payload, producing the transport form.
func ToRaw[T any](env *Envelope[T]) (*Raw, error) {
	if env == nil {
		return nil, errors.New(errors.KindEnvelope, "envelope", "ToRaw", "nil envelope")
	}
	raw := &Raw{Meta: env.Meta, Error: env.Error}
	if env.Error == nil {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindSerialization, "envelope", "ToRaw", "encode payload")
		}
		raw.Payload = data
	}
	return raw, nil
}

// FromRaw decodes a transport envelope into its typed form.
func FromRaw[T any](raw *Raw) (*Envelope[T], error) {
	if raw == nil {
		return nil, errors.New(errors.KindEnvelope, "envelope", "FromRaw", "nil envelope")
	}
	env := &Envelope[T]{Meta: raw.Meta, Error: raw.Error}
	if raw.Error == nil && len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &env.Payload); err != nil {
			return nil, errors.Wrap(err, errors.KindDeserialization, "envelope", "FromRaw", "decode payload")
		}
	}
	return env, nil
}
