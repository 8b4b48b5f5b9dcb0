package tenant

import (
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective-sub006/envctx"
	"github.com/jocax/qollective-sub006/envelope"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestExtract_PriorityOrder(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	full := &Request{
		Authorization: "Bearer " + signedToken(t, jwt.MapClaims{"tenant": "A"}),
		Headers:       map[string]string{"X-Tenant-ID": "B"},
		Query:         map[string]string{"tenant": "D"},
		Payload:       json.RawMessage(`{"tenant":"C"}`),
	}

	// JWT outranks everything.
	info := e.Extract(full)
	require.NotNil(t, info)
	assert.Equal(t, "A", info.TenantID)
	assert.Equal(t, SourceJWT, info.Source)

	// Without JWT, payload outranks header.
	noJWT := *full
	noJWT.Authorization = ""
	info = e.Extract(&noJWT)
	require.NotNil(t, info)
	assert.Equal(t, "C", info.TenantID)
	assert.Equal(t, SourcePayload, info.Source)

	// Without JWT and payload, header wins over query.
	noPayload := noJWT
	noPayload.Payload = nil
	info = e.Extract(&noPayload)
	require.NotNil(t, info)
	assert.Equal(t, "B", info.TenantID)
	assert.Equal(t, SourceHeader, info.Source)

	// Query is the last resort.
	onlyQuery := noPayload
	onlyQuery.Headers = nil
	info = e.Extract(&onlyQuery)
	require.NotNil(t, info)
	assert.Equal(t, "D", info.TenantID)
	assert.Equal(t, SourceQuery, info.Source)
}

func TestExtract_ConfigurableClaimNames(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	req := &Request{Authorization: "Bearer " + signedToken(t, jwt.MapClaims{"tid": "from-tid"})}
	info := e.Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "from-tid", info.TenantID)
	assert.Equal(t, "tid", info.Context["claim"])
}

func TestExtract_MalformedJWTFallsThrough(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	req := &Request{
		Authorization: "Bearer not.a.jwt",
		Headers:       map[string]string{"X-Tenant-ID": "fallback"},
	}
	info := e.Extract(req)
	require.NotNil(t, info, "malformed JWT must not be fatal")
	assert.Equal(t, "fallback", info.TenantID)
	assert.Equal(t, SourceHeader, info.Source)
}

func TestExtract_DelegationFromJWT(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	req := &Request{Authorization: "Bearer " + signedToken(t, jwt.MapClaims{
		"tenant": "t1",
		"on_behalf_of": map[string]any{
			"original_user":     "alice",
			"delegating_user":   "bob",
			"delegating_tenant": "t2",
		},
	})}

	info := e.Extract(req)
	require.NotNil(t, info)
	require.NotNil(t, info.OnBehalfOf)
	assert.Equal(t, "alice", info.OnBehalfOf.OriginalUser)
	assert.Equal(t, "bob", info.OnBehalfOf.DelegatingUser)
	assert.Equal(t, "t2", info.OnBehalfOf.DelegatingTenant)
}

func TestExtract_IncompleteDelegationDropped(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	req := &Request{Authorization: "Bearer " + signedToken(t, jwt.MapClaims{
		"tenant":       "t1",
		"on_behalf_of": map[string]any{"original_user": "alice"},
	})}

	info := e.Extract(req)
	require.NotNil(t, info)
	assert.Nil(t, info.OnBehalfOf)
}

func TestExtract_DottedPayloadPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PayloadPath = "org.tenant"
	e := NewExtractor(cfg)

	req := &Request{Payload: json.RawMessage(`{"org":{"tenant":"nested"}}`)}
	info := e.Extract(req)
	require.NotNil(t, info)
	assert.Equal(t, "nested", info.TenantID)
}

func TestExtract_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	e := NewExtractor(cfg)

	req := &Request{Headers: map[string]string{"X-Tenant-ID": "t1"}}
	assert.Nil(t, e.Extract(req))
}

func TestDefaultConfig_EnvDisable(t *testing.T) {
	t.Setenv(EnvExtraction, "false")
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)

	t.Setenv(EnvExtraction, "true")
	cfg = DefaultConfig()
	assert.True(t, cfg.Enabled)
}

func TestApply_EnrichesContext(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	c := envctx.New(envelope.ForNewRequest())

	req := &Request{Authorization: "Bearer " + signedToken(t, jwt.MapClaims{"tenant": "t1"})}
	info := e.Apply(c, req)
	require.NotNil(t, info)

	m := c.Meta()
	assert.Equal(t, "t1", m.Tenant)

	ext, ok := m.GetExtension(ExtensionKey)
	require.True(t, ok)
	prov := ext.(map[string]any)
	assert.Equal(t, "jwt", prov["source"])
	assert.Equal(t, 4, prov["priority"])
}

func TestApply_NoHitLeavesContextUntouched(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	c := envctx.New(&envelope.Meta{Tenant: "preexisting"})

	info := e.Apply(c, &Request{})
	assert.Nil(t, info)
	assert.Equal(t, "preexisting", c.Tenant())
	_, ok := c.GetExtension(ExtensionKey)
	assert.False(t, ok)
}

func TestRequest_HeaderCaseInsensitive(t *testing.T) {
	r := &Request{Headers: map[string]string{"x-tenant-id": "t1"}}
	assert.Equal(t, "t1", r.Header("X-Tenant-ID"))
}

func TestRequest_BearerToken(t *testing.T) {
	r := &Request{Authorization: "Bearer abc.def.ghi"}
	assert.Equal(t, "abc.def.ghi", r.BearerToken())

	r = &Request{Authorization: "Basic dXNlcg=="}
	assert.Empty(t, r.BearerToken())

	r = &Request{Headers: map[string]string{"Authorization": "bearer xyz"}}
	assert.Equal(t, "xyz", r.BearerToken())
}
