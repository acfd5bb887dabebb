package edge

import "net/http"

// Chain merges the contexts of several providers field by field. For each
// field the first provider that supplied it wins.
type Chain []Provider

// Context implements Provider.
func (c Chain) Context(r *http.Request, ip string) *Context {
	var merged *Context
	for _, p := range c {
		if p == nil {
			continue
		}
		ctx := p.Context(r, ip)
		if ctx == nil {
			continue
		}
		if merged == nil {
			cp := *ctx
			merged = &cp
			continue
		}
		m := merged.merge(*ctx)
		merged = &m
	}
	return merged
}
