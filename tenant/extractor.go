package tenant

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
	"github.com/jocax/qollective-sub006/logging"
)

// Extractor derives tenant identity from requests. It holds read-only
// configuration and is safe for concurrent use.
type Extractor struct {
	cfg    Config
	logger *logging.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used for extraction warnings.
func WithLogger(l *logging.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor creates an extractor with the given configuration.
func NewExtractor(cfg Config, opts ...Option) *Extractor {
	e := &Extractor{cfg: cfg, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract consults the configured sources in descending priority and
// returns the first hit, or nil when no source produced a tenant.
// Per-source failures (malformed JWT, unparseable payload) are logged at
// warn and treated as misses.
func (e *Extractor) Extract(req *Request) *Info {
	if !e.cfg.Enabled || req == nil {
		return nil
	}

	type ranked struct {
		source   Source
		priority int
	}
	order := make([]ranked, 0, len(e.cfg.Priorities))
	for s, p := range e.cfg.Priorities {
		order = append(order, ranked{s, p})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].priority > order[j].priority })

	for _, r := range order {
		var info *Info
		var err error
		switch r.source {
		case SourceJWT:
			info, err = e.fromJWT(req)
		case SourcePayload:
			info, err = e.fromPayload(req)
		case SourceHeader:
			info = e.fromHeader(req)
		case SourceQuery:
			info = e.fromQuery(req)
		}
		if err != nil {
			e.logger.Warn("tenant extraction source failed",
				"source", string(r.source), "error", err.Error())
			continue
		}
		if info != nil && info.TenantID != "" {
			info.Source = r.source
			info.Priority = r.priority
			return info
		}
	}
	return nil
}

// Apply runs extraction and writes the result into the request context:
// Meta.Tenant, Meta.OnBehalfOf when delegation was supplied, and a
// tenant_extraction extension describing provenance. With extraction
// disabled or no hit, the context is left untouched.
func (e *Extractor) Apply(c *envctx.Context, req *Request) *Info {
	info := e.Extract(req)
	if info == nil || c == nil {
		return info
	}

	c.Update(func(m *envelope.Meta) {
		m.Tenant = info.TenantID
		if info.OnBehalfOf != nil {
			m.OnBehalfOf = info.OnBehalfOf
		}
		m.SetExtension(ExtensionKey, map[string]any{
			"source":   string(info.Source),
			"priority": info.Priority,
			"context":  info.Context,
		})
	})
	return info
}

// fromJWT pulls tenant and delegation claims from a bearer token. The
// token is decoded without signature verification: authenticating the
// caller is the auth layer's job, this middleware only reads routing
// identity.
func (e *Extractor) fromJWT(req *Request) (*Info, error) {
	token := req.BearerToken()
	if token == "" {
		return nil, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}

	var tenantID, claimName string
	for _, name := range e.cfg.JWTClaimNames {
		if v, ok := claims[name].(string); ok && v != "" {
			tenantID = v
			claimName = name
			break
		}
	}
	if tenantID == "" {
		return nil, nil
	}

	return &Info{
		TenantID:   tenantID,
		OnBehalfOf: delegationFromClaims(claims),
		Context:    map[string]any{"claim": claimName},
	}, nil
}

// delegationFromClaims reads an on_behalf_of object claim, falling back
// to flat obo_* claims. Incomplete triples are dropped.
func delegationFromClaims(claims jwt.MapClaims) *envelope.OnBehalfOf {
	if raw, ok := claims["on_behalf_of"].(map[string]any); ok {
		obo := &envelope.OnBehalfOf{
			OriginalUser:     stringClaim(raw, "original_user"),
			DelegatingUser:   stringClaim(raw, "delegating_user"),
			DelegatingTenant: stringClaim(raw, "delegating_tenant"),
		}
		if obo.Validate() == nil {
			return obo
		}
		return nil
	}

	obo := &envelope.OnBehalfOf{
		OriginalUser:     stringClaim(claims, "obo_original_user"),
		DelegatingUser:   stringClaim(claims, "obo_delegating_user"),
		DelegatingTenant: stringClaim(claims, "obo_delegating_tenant"),
	}
	if obo.Validate() == nil {
		return obo
	}
	return nil
}

func stringClaim(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// fromPayload reads the configured dotted path out of a JSON object
// payload. Non-object payloads are a miss, not an error.
func (e *Extractor) fromPayload(req *Request) (*Info, error) {
	if len(req.Payload) == 0 || e.cfg.PayloadPath == "" {
		return nil, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(req.Payload, &obj); err != nil {
		return nil, err
	}

	cursor := any(obj)
	for _, part := range strings.Split(e.cfg.PayloadPath, ".") {
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil, nil
		}
		cursor, ok = m[part]
		if !ok {
			return nil, nil
		}
	}

	tenantID, ok := cursor.(string)
	if !ok || tenantID == "" {
		return nil, nil
	}
	return &Info{
		TenantID: tenantID,
		Context:  map[string]any{"path": e.cfg.PayloadPath},
	}, nil
}

func (e *Extractor) fromHeader(req *Request) *Info {
	if e.cfg.HeaderName == "" {
		return nil
	}
	v := req.Header(e.cfg.HeaderName)
	if v == "" {
		return nil
	}
	return &Info{
		TenantID: v,
		Context:  map[string]any{"header": e.cfg.HeaderName},
	}
}

func (e *Extractor) fromQuery(req *Request) *Info {
	if e.cfg.QueryParam == "" {
		return nil
	}
	v := req.Query[e.cfg.QueryParam]
	if v == "" {
		return nil
	}
	return &Info{
		TenantID: v,
		Context:  map[string]any{"param": e.cfg.QueryParam},
	}
}
