package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindValidation, "validation"},
		{KindSecurity, "security"},
		{KindPermission, "permission"},
		{KindGatewayTimeout, "gateway_timeout"},
		{KindNatsConnection, "nats_connection"},
		{KindMcpProtocol, "mcp_protocol"},
		{Kind(999), "internal"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.kind.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindSecurity, http.StatusUnauthorized},
		{KindPermission, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindGatewayTimeout, http.StatusGatewayTimeout},
		{KindFeatureNotEnabled, http.StatusNotImplemented},
		{Kind(999), http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(test.kind.String(), func(t *testing.T) {
			if got := test.kind.HTTPStatus(); got != test.status {
				t.Errorf("expected %d, got %d", test.status, got)
			}
		})
	}
}

func TestKind_RetryPolicy(t *testing.T) {
	tests := []struct {
		kind   Kind
		policy RetryPolicy
	}{
		{KindValidation, PolicyNone},
		{KindSecurity, PolicyNone},
		{KindConnection, PolicyExponentialBackoff},
		{KindGatewayTimeout, PolicyExponentialBackoff},
		{KindTransport, PolicyExponentialBackoff},
		{KindRateLimit, PolicyLinearBackoff},
		{KindGrpc, PolicyImmediate},
	}

	for _, test := range tests {
		t.Run(test.kind.String(), func(t *testing.T) {
			if got := test.kind.RetryPolicy(); got != test.policy {
				t.Errorf("expected %s, got %s", test.policy, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("connection refused")
	err := Wrap(base, KindConnection, "Client", "Connect", "dial NATS")

	if err == nil {
		t.Fatal("expected non-nil error")
	}
	expected := "Client.Connect: dial NATS failed: connection refused"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !Is(err, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if KindOf(err) != KindConnection {
		t.Errorf("expected KindConnection, got %s", KindOf(err))
	}
}

func TestWrap_NilError(t *testing.T) {
	if err := Wrap(nil, KindInternal, "c", "m", "a"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestKindOf_ForeignError(t *testing.T) {
	if got := KindOf(fmt.Errorf("plain")); got != KindInternal {
		t.Errorf("expected KindInternal, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := New(KindConnection, "c", "m", "lost")
	permanent := New(KindValidation, "c", "m", "bad input")

	if !IsRetryable(retryable) {
		t.Error("connection errors should be retryable")
	}
	if IsRetryable(permanent) {
		t.Error("validation errors should not be retryable")
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in, out int
	}{
		{400, 400},
		{402, 402},
		{599, 599},
		{200, 500},
		{399, 500},
		{600, 500},
		{-1, 500},
	}

	for _, test := range tests {
		if got := NormalizeStatus(test.in); got != test.out {
			t.Errorf("NormalizeStatus(%d): expected %d, got %d", test.in, test.out, got)
		}
	}
}

func TestTranslate_StripsPathsAndTruncates(t *testing.T) {
	err := New(KindConfig, "tlsutil", "Load", "read /etc/qollective/certs/server.pem: permission denied")
	msg := Translate(err)

	if len(msg) > maxUserMessageLen {
		t.Errorf("message exceeds bound: %d", len(msg))
	}
	if contains := "/etc/qollective"; len(msg) > 0 && containsString(msg, contains) {
		t.Errorf("message leaks path: %q", msg)
	}
}

func TestTranslate_ForeignError(t *testing.T) {
	if got := Translate(fmt.Errorf("secret internal detail")); got != "internal server error" {
		t.Errorf("foreign errors must collapse to generic message, got %q", got)
	}
}

func TestKindForCode_RoundTrip(t *testing.T) {
	for k := range kindCodes {
		if got := KindForCode(k.Code()); got != k {
			t.Errorf("code %s: expected %s, got %s", k.Code(), k, got)
		}
	}
}

func containsString(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
