// Package qollective is an envelope-first messaging framework. Every
// request and response travels as a typed envelope with uniform
// metadata, and the same envelope crosses REST, WebSocket, gRPC, NATS,
// MCP, and agent-to-agent transports unchanged.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Handlers                 │  business logic,
//	│  (typed or raw envelope handlers)   │  transport-agnostic
//	└─────────────────────────────────────┘
//	           ↑ registered on
//	┌─────────────────────────────────────┐
//	│           Transports                │  rest, websocket, grpcx,
//	│   (server + client per protocol)    │  natsx, mcp, a2a, hybrid
//	└─────────────────────────────────────┘
//	           ↕ carry
//	┌─────────────────────────────────────┐
//	│            Envelopes                │  meta (request id, tenant,
//	│  (payload + metadata + wire error)  │  security, tracing) + payload
//	└─────────────────────────────────────┘
//
// A handler written once serves on any transport: servers decode the
// wire form into an envelope, run tenant extraction, invoke the
// handler with a deadline, and translate failures into sanitized error
// envelopes with stable codes.
//
// # Packages
//
// Core:
//   - envelope: the generic envelope, metadata, and wire errors
//   - handler: handler interfaces and adapters (typed ↔ raw)
//   - errors: error kinds, wire codes, HTTP mapping, translation
//   - envctx: metadata mutation helpers shared by middleware
//   - tenant: tenant extraction from JWT, payload, header, or query
//
// Transports (under transport/):
//   - rest: HTTP request/response, GET header encoding
//   - websocket: framed connections with topic subscriptions
//   - grpcx: raw-codec gRPC unary and server-streaming
//   - natsx: NATS request/reply over per-service subjects
//   - mcp: line-delimited JSON tool calls over stdio
//   - a2a: agent routing over WebSocket
//
// The transport package itself carries the shared config presets,
// target parsing, and the scheme-dispatching HybridClient.
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - config: TOML configuration with environment overrides
//   - logging: structured logging with optional NATS mirroring
//   - metric: Prometheus metrics and the metrics/health endpoint
//   - health: component health tracking and sanitized status output
//   - pkg/retry: retry policies with backoff
//   - pkg/tlsutil: TLS configuration for servers and clients
//   - pkg/worker: bounded worker pools
//
// # Usage
//
// Serve a handler over REST:
//
//	echo := handler.NewEchoHandler()
//	srv, _ := rest.NewServer(transport.DefaultServerConfig())
//	_ = srv.Register("echo", echo)
//	_ = srv.Start(ctx)
//
// Call it from any client through the hybrid dispatcher:
//
//	restClient, _ := rest.NewClient(transport.DefaultClientConfig())
//	client := transport.NewHybridClient()
//	client.RegisterClient(transport.ProtocolREST, restClient)
//	resp, _ := client.SendEnvelope(ctx, "http://localhost:8080/echo", req)
//
// The cmd/qollective binary wires config, logging, metrics, health,
// and the REST/WebSocket/NATS transports into a runnable echo service.
package qollective
