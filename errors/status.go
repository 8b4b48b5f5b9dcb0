package errors

import (
	"net/http"
	"time"

	"github.com/jocax/qollective-sub006/pkg/retry"
)

// RetryPolicy tags a kind with the retry behaviour clients should apply.
type RetryPolicy int

// Retry policies, ordered from least to most patient.
const (
	// PolicyNone: the error is permanent, do not retry.
	PolicyNone RetryPolicy = iota
	// PolicyImmediate: retry once without delay.
	PolicyImmediate
	// PolicyLinearBackoff: retry with a constant delay.
	PolicyLinearBackoff
	// PolicyExponentialBackoff: retry with exponentially growing delay.
	PolicyExponentialBackoff
)

// String returns the snake_case policy name.
func (p RetryPolicy) String() string {
	switch p {
	case PolicyImmediate:
		return "immediate_retry"
	case PolicyLinearBackoff:
		return "linear_backoff"
	case PolicyExponentialBackoff:
		return "exponential_backoff"
	default:
		return "none"
	}
}

// Config returns the backoff configuration implementing the policy.
func (p RetryPolicy) Config() retry.Config {
	switch p {
	case PolicyImmediate:
		return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	case PolicyLinearBackoff:
		return retry.Config{MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Multiplier: 1, AddJitter: true}
	case PolicyExponentialBackoff:
		return retry.Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, AddJitter: true}
	default:
		return retry.Config{MaxAttempts: 1}
	}
}

var kindStatus = map[Kind]int{
	KindInternal:           http.StatusInternalServerError,
	KindEnvelope:           http.StatusInternalServerError,
	KindConfig:             http.StatusInternalServerError,
	KindSerialization:      http.StatusInternalServerError,
	KindDeserialization:    http.StatusBadRequest,
	KindTransport:          http.StatusBadGateway,
	KindConnection:         http.StatusServiceUnavailable,
	KindValidation:         http.StatusBadRequest,
	KindSecurity:           http.StatusUnauthorized,
	KindPermission:         http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindRateLimit:          http.StatusTooManyRequests,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindGatewayTimeout:     http.StatusGatewayTimeout,
	KindExternal:           http.StatusBadGateway,
	KindRemote:             http.StatusBadGateway,
	KindGrpc:               http.StatusBadGateway,
	KindTenantExtraction:   http.StatusInternalServerError,
	KindFeatureNotEnabled:  http.StatusNotImplemented,
	KindAgentNotFound:      http.StatusNotFound,
	KindProtocolAdapter:    http.StatusBadGateway,
	KindNatsConnection:     http.StatusServiceUnavailable,
	KindNatsRequest:        http.StatusServiceUnavailable,
	KindNatsSubscription:   http.StatusServiceUnavailable,
	KindMcpTransport:       http.StatusBadGateway,
	KindMcpProtocol:        http.StatusBadGateway,
}

// HTTPStatus returns the default HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

var kindPolicy = map[Kind]RetryPolicy{
	KindTransport:          PolicyExponentialBackoff,
	KindConnection:         PolicyExponentialBackoff,
	KindGatewayTimeout:     PolicyExponentialBackoff,
	KindServiceUnavailable: PolicyExponentialBackoff,
	KindNatsConnection:     PolicyExponentialBackoff,
	KindMcpTransport:       PolicyExponentialBackoff,
	KindRateLimit:          PolicyLinearBackoff,
	KindExternal:           PolicyLinearBackoff,
	KindRemote:             PolicyLinearBackoff,
	KindGrpc:               PolicyImmediate,
	KindNatsRequest:        PolicyImmediate,
	KindNatsSubscription:   PolicyImmediate,
}

// RetryPolicy returns the retry policy tag for the kind. Kinds not listed
// are permanent failures.
func (k Kind) RetryPolicy() RetryPolicy {
	if p, ok := kindPolicy[k]; ok {
		return p
	}
	return PolicyNone
}

// HTTPStatusOf returns the HTTP status for an error via its kind.
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return KindOf(err).HTTPStatus()
}

// NormalizeStatus clamps an HTTP status code to the 400..599 error range.
// Anything outside that range is treated as an internal error.
func NormalizeStatus(status int) int {
	if status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}
