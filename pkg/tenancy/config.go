// Package tenancy resolves the tenant and acting user for every request.
// Authentication happens upstream; this package only trusts the identity
// headers the gateway forwards, or pins everything to a single tenant.
package tenancy

// TenancyMode controls how tenant context is resolved.
type TenancyMode string

const (
	// ModeSingle uses the "default" tenant for all requests.
	ModeSingle TenancyMode = "single"
	// ModeHeader requires an X-Tenant-ID header on every request.
	ModeHeader TenancyMode = "header"
)

// DefaultTenant is the tenant used in single-tenant mode.
const DefaultTenant = "default"

// ParseMode maps a config string to a TenancyMode. Unknown values fall back
// to ModeSingle.
func ParseMode(s string) TenancyMode {
	if TenancyMode(s) == ModeHeader {
		return ModeHeader
	}
	return ModeSingle
}
