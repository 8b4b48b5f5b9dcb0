package envelope

import (
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/jocax/qollective-sub006/errors"
)

// AuthMethod identifies how the caller authenticated.
type AuthMethod string

// Supported authentication methods.
const (
	AuthUnspecified AuthMethod = "unspecified"
	AuthOAuth2      AuthMethod = "oauth2"
	AuthJwt         AuthMethod = "jwt"
	AuthAPIKey      AuthMethod = "api_key"
	AuthBasic       AuthMethod = "basic"
	AuthSaml        AuthMethod = "saml"
	AuthOidc        AuthMethod = "oidc"
	AuthNone        AuthMethod = "none"
)

var validAuthMethods = map[AuthMethod]struct{}{
	AuthUnspecified: {}, AuthOAuth2: {}, AuthJwt: {}, AuthAPIKey: {},
	AuthBasic: {}, AuthSaml: {}, AuthOidc: {}, AuthNone: {},
}

// permissionPattern is the required shape of permission strings.
var permissionPattern = regexp.MustCompile(`^[a-z_]+:[a-z_]+$`)

// validComplianceFlags enumerates the accepted compliance markers.
var validComplianceFlags = map[string]struct{}{
	"gdpr": {}, "hipaa": {}, "pci_dss": {}, "sox": {}, "iso27001": {}, "soc2": {},
}

// SecurityMeta carries the caller's identity and authorization context.
type SecurityMeta struct {
	UserID          string     `json:"user_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	AuthMethod      AuthMethod `json:"auth_method,omitempty"`
	Permissions     []string   `json:"permissions,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
	Roles           []string   `json:"roles,omitempty"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	ComplianceFlags []string   `json:"compliance_flags,omitempty"`
}

// Validate rejects malformed user IDs, permissions, IP addresses, auth
// methods, and compliance flags outside the enumerated set.
func (s *SecurityMeta) Validate() error {
	if strings.ContainsAny(s.UserID, " \t\n\r") {
		return errors.New(errors.KindValidation, "SecurityMeta", "Validate",
			"user_id must not contain whitespace")
	}
	if s.AuthMethod != "" {
		if _, ok := validAuthMethods[s.AuthMethod]; !ok {
			return errors.Newf(errors.KindValidation, "SecurityMeta", "Validate",
				"unknown auth_method %q", s.AuthMethod)
		}
	}
	for _, p := range s.Permissions {
		if !permissionPattern.MatchString(p) {
			return errors.Newf(errors.KindValidation, "SecurityMeta", "Validate",
				"permission %q must match resource:action in lower snake case", p)
		}
	}
	if s.IPAddress != "" {
		if _, err := netip.ParseAddr(s.IPAddress); err != nil {
			return errors.Newf(errors.KindValidation, "SecurityMeta", "Validate",
				"ip_address %q is not a valid IPv4 or IPv6 address", s.IPAddress)
		}
	}
	for _, f := range s.ComplianceFlags {
		if _, ok := validComplianceFlags[f]; !ok {
			return errors.Newf(errors.KindValidation, "SecurityMeta", "Validate",
				"unknown compliance flag %q", f)
		}
	}
	return nil
}

func (s *SecurityMeta) clone() *SecurityMeta {
	if s == nil {
		return nil
	}
	c := *s
	c.Permissions = append([]string(nil), s.Permissions...)
	c.Roles = append([]string(nil), s.Roles...)
	c.ComplianceFlags = append([]string(nil), s.ComplianceFlags...)
	if s.TokenExpiresAt != nil {
		exp := *s.TokenExpiresAt
		c.TokenExpiresAt = &exp
	}
	return &c
}

// SpanKind mirrors the OpenTelemetry span kind enumeration.
type SpanKind string

// Span kinds.
const (
	SpanKindUnspecified SpanKind = "unspecified"
	SpanKindServer      SpanKind = "server"
	SpanKindClient      SpanKind = "client"
	SpanKindProducer    SpanKind = "producer"
	SpanKindConsumer    SpanKind = "consumer"
	SpanKindInternal    SpanKind = "internal"
)

var validSpanKinds = map[SpanKind]struct{}{
	SpanKindUnspecified: {}, SpanKindServer: {}, SpanKindClient: {},
	SpanKindProducer: {}, SpanKindConsumer: {}, SpanKindInternal: {},
}

// SpanStatusCode mirrors the OpenTelemetry span status enumeration, plus a
// timeout marker.
type SpanStatusCode string

// Span status codes.
const (
	SpanStatusUnspecified SpanStatusCode = "unspecified"
	SpanStatusOk          SpanStatusCode = "ok"
	SpanStatusError       SpanStatusCode = "error"
	SpanStatusTimeout     SpanStatusCode = "timeout"
)

var validSpanStatusCodes = map[SpanStatusCode]struct{}{
	SpanStatusUnspecified: {}, SpanStatusOk: {}, SpanStatusError: {}, SpanStatusTimeout: {},
}

// SpanStatus holds the terminal status of a span.
type SpanStatus struct {
	Code    SpanStatusCode `json:"code"`
	Message string         `json:"message,omitempty"`
}

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// TracingMeta carries OpenTelemetry-shaped trace context.
type TracingMeta struct {
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	Baggage       map[string]string `json:"baggage,omitempty"`
	SamplingRate  *float64          `json:"sampling_rate,omitempty"`
	Sampled       *bool             `json:"sampled,omitempty"`
	TraceState    string            `json:"trace_state,omitempty"`
	OperationName string            `json:"operation_name,omitempty"`
	SpanKind      SpanKind          `json:"span_kind,omitempty"`
	SpanStatus    *SpanStatus       `json:"span_status,omitempty"`
	Tags          map[string]any    `json:"tags,omitempty"`
}

// Validate enforces hex ID lengths, sampling-rate bounds, enum membership,
// and tag value types (string, number, bool).
func (tm *TracingMeta) Validate() error {
	if tm.TraceID != "" && !traceIDPattern.MatchString(tm.TraceID) {
		return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
			"trace_id %q must be 32 lowercase hex characters", tm.TraceID)
	}
	if tm.SpanID != "" && !spanIDPattern.MatchString(tm.SpanID) {
		return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
			"span_id %q must be 16 lowercase hex characters", tm.SpanID)
	}
	if tm.ParentSpanID != "" && !spanIDPattern.MatchString(tm.ParentSpanID) {
		return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
			"parent_span_id %q must be 16 lowercase hex characters", tm.ParentSpanID)
	}
	if tm.SamplingRate != nil && (*tm.SamplingRate < 0 || *tm.SamplingRate > 1) {
		return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
			"sampling_rate %v must be within [0,1]", *tm.SamplingRate)
	}
	if tm.SpanKind != "" {
		if _, ok := validSpanKinds[tm.SpanKind]; !ok {
			return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
				"unknown span_kind %q", tm.SpanKind)
		}
	}
	if tm.SpanStatus != nil && tm.SpanStatus.Code != "" {
		if _, ok := validSpanStatusCodes[tm.SpanStatus.Code]; !ok {
			return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
				"unknown span_status code %q", tm.SpanStatus.Code)
		}
	}
	for k, v := range tm.Tags {
		switch v.(type) {
		case string, bool, float64, int, int64:
		default:
			return errors.Newf(errors.KindValidation, "TracingMeta", "Validate",
				"tag %q must be a string, number, or bool", k)
		}
	}
	return nil
}

func (tm *TracingMeta) clone() *TracingMeta {
	if tm == nil {
		return nil
	}
	c := *tm
	if tm.Baggage != nil {
		c.Baggage = make(map[string]string, len(tm.Baggage))
		for k, v := range tm.Baggage {
			c.Baggage[k] = v
		}
	}
	if tm.Tags != nil {
		c.Tags = make(map[string]any, len(tm.Tags))
		for k, v := range tm.Tags {
			c.Tags[k] = v
		}
	}
	if tm.SamplingRate != nil {
		r := *tm.SamplingRate
		c.SamplingRate = &r
	}
	if tm.Sampled != nil {
		s := *tm.Sampled
		c.Sampled = &s
	}
	if tm.SpanStatus != nil {
		st := *tm.SpanStatus
		c.SpanStatus = &st
	}
	return &c
}

// PerformanceMeta carries observational performance measurements. No
// contract depends on their presence; they round-trip through transports
// that preserve metadata.
type PerformanceMeta struct {
	ProcessingTimeMs *float64 `json:"processing_time_ms,omitempty"`
	QueueTimeMs      *float64 `json:"queue_time_ms,omitempty"`
	CPUTimeMs        *float64 `json:"cpu_time_ms,omitempty"`
	MemoryBytes      *int64   `json:"memory_bytes,omitempty"`
	DBQueryCount     *int     `json:"db_query_count,omitempty"`
	CacheHit         *bool    `json:"cache_hit,omitempty"`
}

func (p *PerformanceMeta) clone() *PerformanceMeta {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// MonitoringMeta carries health and alerting context for observability
// pipelines.
type MonitoringMeta struct {
	HealthStatus string             `json:"health_status,omitempty"`
	AlertLevel   string             `json:"alert_level,omitempty"`
	SLATier      string             `json:"sla_tier,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

func (m *MonitoringMeta) clone() *MonitoringMeta {
	if m == nil {
		return nil
	}
	c := *m
	if m.Metrics != nil {
		c.Metrics = make(map[string]float64, len(m.Metrics))
		for k, v := range m.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}

// DebugMeta carries request-scoped debugging aids.
type DebugMeta struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	Level          string   `json:"level,omitempty"`
	Breadcrumbs    []string `json:"breadcrumbs,omitempty"`
	SourceLocation string   `json:"source_location,omitempty"`
}

func (d *DebugMeta) clone() *DebugMeta {
	if d == nil {
		return nil
	}
	c := *d
	c.Breadcrumbs = append([]string(nil), d.Breadcrumbs...)
	return &c
}
