package tenancy

import "context"

// SystemActor stands in for the user on changes nobody can be credited
// with: background sweeps and requests the gateway forwarded anonymously.
const SystemActor = "system"

// TenantContext is the identity a request acts under: the brewery it
// operates on and the user that change records are attributed to.
type TenantContext struct {
	TenantID string
	User     string
}

// Actor is the name written into timeline entries and logs.
func (tc TenantContext) Actor() string {
	if tc.User == "" || tc.User == UnknownUser {
		return SystemActor
	}
	return tc.User
}

type tenantKey struct{}

// WithTenant attaches tc to ctx.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, tc)
}

// TenantFromContext reports the identity stored by the tenancy middleware.
// ok is false for contexts that never went through it, such as background
// loops.
func TenantFromContext(ctx context.Context) (tc TenantContext, ok bool) {
	tc, ok = ctx.Value(tenantKey{}).(TenantContext)
	return tc, ok
}

// TenantIDFromContext returns just the tenant id; "" outside a request.
func TenantIDFromContext(ctx context.Context) string {
	tc, _ := TenantFromContext(ctx)
	return tc.TenantID
}
