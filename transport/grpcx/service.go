package grpcx

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified service and method names.
const (
	ServiceName        = "qollective.v1.EnvelopeService"
	methodSendEnvelope = "/" + ServiceName + "/SendEnvelope"
	methodSubscribe    = "/" + ServiceName + "/Subscribe"
)

// envelopeService is the server-side contract behind the service
// descriptor. Messages are serialized envelopes.
type envelopeService interface {
	SendEnvelope(ctx context.Context, in rawFrame) (rawFrame, error)
	Subscribe(in rawFrame, stream grpc.ServerStream) error
}

func sendEnvelopeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(envelopeService).SendEnvelope(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendEnvelope}
	h := func(ctx context.Context, req any) (any, error) {
		return srv.(envelopeService).SendEnvelope(ctx, *(req.(*rawFrame)))
	}
	return interceptor(ctx, in, info, h)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(rawFrame)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(envelopeService).Subscribe(*in, stream)
}

// serviceDesc is the hand-written descriptor for the envelope service:
// one unary request/reply method and one server-streaming subscription.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*envelopeService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendEnvelope",
			Handler:    sendEnvelopeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "qollective/v1/envelope.proto",
}

// subscribeStreamDesc is the client-side descriptor for Subscribe.
var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}
