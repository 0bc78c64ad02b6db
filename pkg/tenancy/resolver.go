package tenancy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const maxTenantIDLen = 63

// tenantIDRe: lowercase alphanumerics and hyphens, alphanumeric at both ends.
var tenantIDRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// TenantHeader is the header the gateway uses to forward the tenant id.
const TenantHeader = "X-Tenant-ID"

// UserHeader is the header the gateway uses to forward the authenticated user.
const UserHeader = "X-Remote-User"

// UnknownUser is recorded when no user header is present.
const UnknownUser = "unknown"

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// SingleTenantResolver always returns the default tenant.
type SingleTenantResolver struct{}

// Resolve returns the default tenant and whatever user the gateway forwarded.
func (SingleTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	return TenantContext{TenantID: DefaultTenant, User: userFrom(r)}, nil
}

// HeaderTenantResolver reads the tenant from the X-Tenant-ID header.
type HeaderTenantResolver struct{}

// Resolve extracts and validates the tenant id. A missing or malformed
// tenant id is an error.
func (HeaderTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenant == "" {
		return TenantContext{}, fmt.Errorf("tenant is required (set the %s header)", TenantHeader)
	}
	if err := validateTenantID(tenant); err != nil {
		return TenantContext{}, err
	}
	return TenantContext{TenantID: tenant, User: userFrom(r)}, nil
}

func userFrom(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return UnknownUser
}

func validateTenantID(id string) error {
	if len(id) > maxTenantIDLen {
		return fmt.Errorf("tenant %q exceeds maximum length of %d characters", id, maxTenantIDLen)
	}
	if !tenantIDRe.MatchString(id) {
		return fmt.Errorf("tenant %q is invalid: must consist of lowercase alphanumeric characters or hyphens, and must start and end with an alphanumeric character", id)
	}
	return nil
}
