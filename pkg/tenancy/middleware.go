package tenancy

import (
	"encoding/json"
	"net/http"
)

// ResolverFor picks the resolver a TenancyMode stands for. Unknown modes
// resolve everything to the default tenant.
func ResolverFor(mode TenancyMode) TenantResolver {
	if mode == ModeHeader {
		return HeaderTenantResolver{}
	}
	return SingleTenantResolver{}
}

// NewMiddleware guards the tenant-scoped API for the given mode.
func NewMiddleware(mode TenancyMode) func(http.Handler) http.Handler {
	return Middleware(ResolverFor(mode))
}

// Middleware stores the identity resolved for each request in its context.
// Requests the resolver rejects never reach the API and get a 400 in the
// same error shape the production handlers use.
func Middleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := resolver.Resolve(r)
			if err != nil {
				rejectTenant(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
		})
	}
}

func rejectTenant(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{Error: "bad_request", Message: err.Error()})
}
