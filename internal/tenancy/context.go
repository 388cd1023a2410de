// Package tenancy carries the tenant scope through a request. Only the
// ops routes use it; webhook handlers resolve the tenant from the message
// itself and never read the context.
package tenancy

import "context"

// key is unexported and zero-sized so no other package can collide with
// or forge the context entry.
type key struct{}

// WithTenantID returns a child context scoped to one tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, key{}, tenantID)
}

// TenantIDFromContext reports the tenant scope, if any. An empty id
// counts as unscoped.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(key{}).(string)
	if !ok || tenantID == "" {
		return "", false
	}
	return tenantID, true
}
