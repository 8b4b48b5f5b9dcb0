// Package errors provides the canonical error taxonomy for the Qollective
// framework. Every error that crosses a package boundary carries a Kind,
// which determines its HTTP status mapping, its wire code, and its retry
// policy. Helper functions wrap errors with component context following
// the pattern "component.method: action failed: %w".
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/jocax/qollective-sub006/pkg/retry"
)

// Kind classifies an error for status mapping and retry handling.
type Kind int

// Canonical error kinds.
const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindEnvelope covers malformed or inconsistent envelopes.
	KindEnvelope
	// KindConfig covers invalid or missing configuration.
	KindConfig
	// KindSerialization covers failures encoding outbound data.
	KindSerialization
	// KindDeserialization covers failures decoding inbound data.
	KindDeserialization
	// KindTransport covers generic transport-level failures.
	KindTransport
	// KindConnection covers connection establishment and loss.
	KindConnection
	// KindValidation covers rejected input.
	KindValidation
	// KindSecurity covers failed authentication.
	KindSecurity
	// KindPermission covers authenticated but unauthorized access.
	KindPermission
	// KindNotFound identifies missing resources.
	KindNotFound
	// KindConflict covers state conflicts.
	KindConflict
	// KindRateLimit covers throttled requests.
	KindRateLimit
	// KindServiceUnavailable covers temporarily unreachable services.
	KindServiceUnavailable
	// KindGatewayTimeout covers inbound request timeouts.
	KindGatewayTimeout
	// KindExternal covers failures in external collaborators.
	KindExternal
	// KindRemote covers errors reported by a remote peer.
	KindRemote
	// KindGrpc covers gRPC-specific failures.
	KindGrpc
	// KindTenantExtraction covers tenant middleware failures (never surfaced).
	KindTenantExtraction
	// KindFeatureNotEnabled covers calls into disabled features.
	KindFeatureNotEnabled
	// KindAgentNotFound covers unknown A2A agent targets.
	KindAgentNotFound
	// KindProtocolAdapter covers MCP/A2A adapter failures.
	KindProtocolAdapter
	// KindNatsConnection covers NATS connection failures.
	KindNatsConnection
	// KindNatsRequest covers NATS request/reply failures.
	KindNatsRequest
	// KindNatsSubscription covers NATS subscription failures.
	KindNatsSubscription
	// KindMcpTransport covers MCP framing and I/O failures.
	KindMcpTransport
	// KindMcpProtocol covers MCP protocol violations.
	KindMcpProtocol
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindEnvelope:           "envelope",
	KindConfig:             "config",
	KindSerialization:      "serialization",
	KindDeserialization:    "deserialization",
	KindTransport:          "transport",
	KindConnection:         "connection",
	KindValidation:         "validation",
	KindSecurity:           "security",
	KindPermission:         "permission",
	KindNotFound:           "not_found",
	KindConflict:           "conflict",
	KindRateLimit:          "rate_limit",
	KindServiceUnavailable: "service_unavailable",
	KindGatewayTimeout:     "gateway_timeout",
	KindExternal:           "external",
	KindRemote:             "remote",
	KindGrpc:               "grpc",
	KindTenantExtraction:   "tenant_extraction",
	KindFeatureNotEnabled:  "feature_not_enabled",
	KindAgentNotFound:      "agent_not_found",
	KindProtocolAdapter:    "protocol_adapter",
	KindNatsConnection:     "nats_connection",
	KindNatsRequest:        "nats_request",
	KindNatsSubscription:   "nats_subscription",
	KindMcpTransport:       "mcp_transport",
	KindMcpProtocol:        "mcp_protocol",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

var kindCodes = map[Kind]string{
	KindInternal:           "INTERNAL_ERROR",
	KindEnvelope:           "ENVELOPE_ERROR",
	KindConfig:             "CONFIG_ERROR",
	KindSerialization:      "SERIALIZATION_ERROR",
	KindDeserialization:    "DESERIALIZATION_ERROR",
	KindTransport:          "TRANSPORT_ERROR",
	KindConnection:         "CONNECTION_ERROR",
	KindValidation:         "VALIDATION_ERROR",
	KindSecurity:           "SECURITY_ERROR",
	KindPermission:         "PERMISSION_DENIED",
	KindNotFound:           "NOT_FOUND",
	KindConflict:           "CONFLICT",
	KindRateLimit:          "RATE_LIMITED",
	KindServiceUnavailable: "SERVICE_UNAVAILABLE",
	KindGatewayTimeout:     "GATEWAY_TIMEOUT",
	KindExternal:           "EXTERNAL_ERROR",
	KindRemote:             "REMOTE_ERROR",
	KindGrpc:               "GRPC_ERROR",
	KindTenantExtraction:   "TENANT_EXTRACTION_ERROR",
	KindFeatureNotEnabled:  "FEATURE_NOT_ENABLED",
	KindAgentNotFound:      "AGENT_NOT_FOUND",
	KindProtocolAdapter:    "PROTOCOL_ADAPTER_ERROR",
	KindNatsConnection:     "NATS_CONNECTION_ERROR",
	KindNatsRequest:        "NATS_REQUEST_ERROR",
	KindNatsSubscription:   "NATS_SUBSCRIPTION_ERROR",
	KindMcpTransport:       "MCP_TRANSPORT_ERROR",
	KindMcpProtocol:        "MCP_PROTOCOL_ERROR",
}

// Code returns the wire-level error code for the kind, e.g. "VALIDATION_ERROR".
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "INTERNAL_ERROR"
}

// KindForCode returns the kind whose wire code matches, or KindInternal.
func KindForCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindInternal
}

// Error is the framework error type. It wraps an underlying error with a
// Kind and the component/operation that produced it.
type Error struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Code()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a framework error without an underlying cause.
func New(kind Kind, component, operation, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf("%s.%s: %s", component, operation, message),
		Component: component,
		Operation: operation,
	}
}

// Newf creates a framework error with a formatted message.
func Newf(kind Kind, component, operation, format string, args ...any) *Error {
	return New(kind, component, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with kind and component context following the pattern:
// "component.method: action failed: %w". Returns nil for a nil error.
func Wrap(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
	return &Error{
		Kind:      kind,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// KindOf returns the Kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error's retry policy allows a retry.
func IsRetryable(err error) bool {
	return KindOf(err).RetryPolicy() != PolicyNone
}

// RetryConfigFor returns the backoff configuration appropriate for the
// error's retry policy. Callers pass the result to retry.Do.
func RetryConfigFor(err error) retry.Config {
	return KindOf(err).RetryPolicy().Config()
}

// As and Is re-export the standard helpers so callers need a single import.
var (
	As = stderrors.As
	Is = stderrors.Is
)
