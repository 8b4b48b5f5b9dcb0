// Package transport defines the shared transport surface: the protocol
// dispatch table that routes target URLs by scheme, the server and client
// configuration presets, and the HybridClient that fans requests out to
// protocol-specific clients. Concrete transports live in the
// subpackages (rest, websocket, grpcx, natsx, mcp, a2a).
package transport

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/errors"
	"github.com/jocax/qollective-sub006/handler"
)

// Protocol identifies a wire protocol family.
type Protocol string

// Supported protocols.
const (
	ProtocolREST      Protocol = "rest"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolNATS      Protocol = "nats"
	ProtocolMCP       Protocol = "mcp"
	ProtocolA2A       Protocol = "a2a"
)

// schemeProtocols is the declarative routing table from URL scheme to
// protocol. Extend it with RegisterScheme rather than editing call sites.
var schemeProtocols = map[string]Protocol{
	"http":            ProtocolREST,
	"https":           ProtocolREST,
	"ws":              ProtocolWebSocket,
	"wss":             ProtocolWebSocket,
	"grpc":            ProtocolGRPC,
	"qollective-grpc": ProtocolGRPC,
	"nats":            ProtocolNATS,
	"mcp-stdio":       ProtocolMCP,
	"mcp":             ProtocolMCP,
	"a2a":             ProtocolA2A,
}

var schemeMu sync.RWMutex

// RegisterScheme adds or overrides a scheme mapping. Intended for
// embedders adding custom protocols before any dispatch happens.
func RegisterScheme(scheme string, p Protocol) {
	schemeMu.Lock()
	defer schemeMu.Unlock()
	schemeProtocols[scheme] = p
}

// ProtocolForScheme resolves a URL scheme to its protocol. Unknown
// schemes are a validation error, never a silent fallback.
func ProtocolForScheme(scheme string) (Protocol, error) {
	schemeMu.RLock()
	p, ok := schemeProtocols[scheme]
	schemeMu.RUnlock()
	if !ok {
		return "", errors.Newf(errors.KindValidation, "transport", "ProtocolForScheme",
			"unsupported URL scheme %q", scheme)
	}
	return p, nil
}

// Schemes returns the registered schemes, sorted. Useful for diagnostics.
func Schemes() []string {
	schemeMu.RLock()
	defer schemeMu.RUnlock()
	out := make([]string, 0, len(schemeProtocols))
	for s := range schemeProtocols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Target is a parsed request destination.
type Target struct {
	Protocol Protocol
	URL      *url.URL
}

// ParseTarget parses a target URL and resolves its protocol.
func ParseTarget(rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "transport", "ParseTarget", "parse target URL")
	}
	if u.Scheme == "" {
		return nil, errors.Newf(errors.KindValidation, "transport", "ParseTarget",
			"target %q has no scheme", rawURL)
	}
	p, err := ProtocolForScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	return &Target{Protocol: p, URL: u}, nil
}

// Client is the protocol-specific request surface. SendEnvelope performs
// request/reply; Publish is fire-and-forget where the protocol supports
// it and returns a Transport error where it does not.
type Client interface {
	SendEnvelope(ctx context.Context, target *Target, env *envelope.Raw) (*envelope.Raw, error)
	Publish(ctx context.Context, target *Target, env *envelope.Raw) error
	Close() error
}

// Server is the lifecycle every transport server implements.
type Server interface {
	Register(route string, h handler.Raw) error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
