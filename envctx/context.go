// Package envctx scopes the active envelope metadata to a request. The Go
// equivalent of a task-local is a context.Context value: With establishes
// a scope, Current reads it from any call depth inside that scope, and
// separate goroutines never observe each other's scopes unless the
// context is passed explicitly.
package envctx

import (
	"context"
	"sync"

	"github.com/jocax/qollective-sub006/envelope"
)

type contextKey struct{}

// Context holds the active metadata for one handler invocation chain. It
// is safe for concurrent use; middleware mutates it before the handler
// runs, handlers read it.
type Context struct {
	mu   sync.RWMutex
	meta *envelope.Meta
}

// New creates a request context around the given metadata. Nil metadata is
// replaced by an empty Meta so accessors never return nil.
func New(meta *envelope.Meta) *Context {
	if meta == nil {
		meta = &envelope.Meta{}
	}
	return &Context{meta: meta}
}

// With returns a derived context.Context carrying c as the active request
// context. This is the scope boundary: everything called with the derived
// context observes c via Current.
func With(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Current returns the active request context, if any.
func Current(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}

// Meta returns a deep copy of the metadata. Mutations on the copy do not
// affect the context; use Update for in-place changes.
func (c *Context) Meta() *envelope.Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.Clone()
}

// Update applies fn to the metadata under the context's lock.
func (c *Context) Update(fn func(*envelope.Meta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.meta)
}

// IntoMeta returns the underlying metadata, ending the context's useful
// life. Callers must not use the context afterwards.
func (c *Context) IntoMeta() *envelope.Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta
	c.meta = &envelope.Meta{}
	return m
}

// Tenant returns the active tenant identifier.
func (c *Context) Tenant() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.Tenant
}

// RequestID returns the active request identifier.
func (c *Context) RequestID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.RequestID
}

// SetExtension sets an extension section on the active metadata.
func (c *Context) SetExtension(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.SetExtension(key, value)
}

// GetExtension reads an extension section from the active metadata.
func (c *Context) GetExtension(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.GetExtension(key)
}

// RemoveExtension deletes an extension section from the active metadata.
func (c *Context) RemoveExtension(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.RemoveExtension(key)
}
