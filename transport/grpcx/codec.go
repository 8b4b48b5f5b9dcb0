// Package grpcx implements the gRPC transport. The envelope service is
// registered through a hand-written grpc.ServiceDesc with a raw-bytes
// codec: envelopes stay JSON on the wire, so no generated protobuf types
// are involved.
package grpcx

import (
	"fmt"
)

// rawFrame is the codec's message type: an already-serialized envelope.
type rawFrame []byte

// rawCodec moves rawFrame values through gRPC untouched.
type rawCodec struct{}

// Name identifies the codec in content-subtype negotiation.
func (rawCodec) Name() string { return "qollective-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawFrame:
		return *m, nil
	case rawFrame:
		return m, nil
	case []byte:
		return m, nil
	default:
		return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *rawFrame:
		*m = append((*m)[:0], data...)
		return nil
	case *[]byte:
		*m = append((*m)[:0], data...)
		return nil
	default:
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
}
