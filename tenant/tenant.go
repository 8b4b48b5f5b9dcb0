// Package tenant derives tenant identity and delegation context from
// incoming requests. Sources are consulted in descending priority order
// (by default JWT > payload > header > query); the first source yielding a
// non-empty tenant wins. Extraction failures are logged and never fail
// the request.
package tenant

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/jocax/qollective-sub006/envelope"
)

// Source identifies where a tenant was extracted from.
type Source string

// Extraction sources.
const (
	SourceJWT     Source = "jwt"
	SourcePayload Source = "payload"
	SourceHeader  Source = "header"
	SourceQuery   Source = "query"
)

// ExtensionKey is the metadata extension section recording extraction
// provenance.
const ExtensionKey = "tenant_extraction"

// EnvExtraction globally toggles tenant extraction.
const EnvExtraction = "QOLLECTIVE_TENANT_EXTRACTION"

// Info is the result of one extraction.
type Info struct {
	TenantID   string
	OnBehalfOf *envelope.OnBehalfOf
	Source     Source
	Priority   int
	Context    map[string]any
}

// Config controls source priorities and lookup names.
type Config struct {
	// Enabled toggles extraction; disabled makes Apply an identity
	// function.
	Enabled bool
	// Priorities maps each source to its rank; higher wins. Sources
	// absent from the map are skipped.
	Priorities map[Source]int
	// JWTClaimNames are checked in order within token claims.
	JWTClaimNames []string
	// PayloadPath is a dotted path into the request payload.
	PayloadPath string
	// HeaderName is the tenant header.
	HeaderName string
	// QueryParam is the tenant query parameter.
	QueryParam string
}

// DefaultConfig returns the default extraction order JWT > payload >
// header > query with the conventional lookup names. The
// QOLLECTIVE_TENANT_EXTRACTION environment variable can disable
// extraction globally.
func DefaultConfig() Config {
	enabled := true
	if v := os.Getenv(EnvExtraction); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			enabled = parsed
		}
	}
	return Config{
		Enabled: enabled,
		Priorities: map[Source]int{
			SourceJWT:     4,
			SourcePayload: 3,
			SourceHeader:  2,
			SourceQuery:   1,
		},
		JWTClaimNames: []string{"tenant", "tid", "tenant_id"},
		PayloadPath:   "tenant",
		HeaderName:    "X-Tenant-ID",
		QueryParam:    "tenant",
	}
}

// Request is the transport-agnostic view of an ingress request handed to
// the extractor. Transports populate what they have; absent parts are
// simply skipped.
type Request struct {
	// Authorization is the raw Authorization header value.
	Authorization string
	// Headers holds request headers with canonicalized names.
	Headers map[string]string
	// Query holds query parameters.
	Query map[string]string
	// Payload is the undecoded request payload.
	Payload json.RawMessage
}

// Header returns a header value, matching names case-insensitively.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// BearerToken returns the token part of a Bearer authorization value.
func (r *Request) BearerToken() string {
	auth := r.Authorization
	if auth == "" {
		auth = r.Header("Authorization")
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
