package envctx

import (
	"github.com/jocax/qollective-sub006/envelope"
)

// Builder assembles a request context fluently. The zero value starts from
// fresh request metadata.
type Builder struct {
	meta *envelope.Meta
}

// NewBuilder starts a builder seeded with new-request metadata
// (timestamp, time-ordered request ID, current version).
func NewBuilder() *Builder {
	return &Builder{meta: envelope.ForNewRequest()}
}

// FromMeta starts a builder from existing metadata.
func FromMeta(meta *envelope.Meta) *Builder {
	if meta == nil {
		meta = envelope.ForNewRequest()
	}
	return &Builder{meta: meta.Clone()}
}

// WithTenant sets the tenant identifier.
func (b *Builder) WithTenant(tenant string) *Builder {
	b.meta.Tenant = tenant
	return b
}

// WithRequestID overrides the generated request identifier.
func (b *Builder) WithRequestID(id string) *Builder {
	b.meta.RequestID = id
	return b
}

// WithVersion overrides the metadata version.
func (b *Builder) WithVersion(version string) *Builder {
	b.meta.Version = version
	return b
}

// WithOnBehalfOf attaches a delegation record.
func (b *Builder) WithOnBehalfOf(obo *envelope.OnBehalfOf) *Builder {
	b.meta.OnBehalfOf = obo
	return b
}

// WithSecurity attaches the security section.
func (b *Builder) WithSecurity(sec *envelope.SecurityMeta) *Builder {
	b.meta.Security = sec
	return b
}

// WithTracing attaches the tracing section.
func (b *Builder) WithTracing(tr *envelope.TracingMeta) *Builder {
	b.meta.Tracing = tr
	return b
}

// WithExtension sets an extension section.
func (b *Builder) WithExtension(key string, value any) *Builder {
	b.meta.SetExtension(key, value)
	return b
}

// Build returns the assembled context.
func (b *Builder) Build() *Context {
	return New(b.meta)
}
