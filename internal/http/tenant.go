package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

// DefaultTenantHeader is the request header carrying the tenant key.
const DefaultTenantHeader = "X-Tenant-ID"

// ErrTenantRequired is returned by handlers that only make sense for a tenant.
var ErrTenantRequired = errors.New("tenant is required")

// TenantMiddleware runs each request as a unit of work for the tenant named
// in header. Requests without the header run against the default source.
// Tenants that cannot be resolved are rejected before next runs.
func TenantMiddleware(header string, router *tenancy.Router) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultTenantHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(header))

			err := router.WithTenant(r.Context(), tenant, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil {
				WriteError(w, r, err)
			}
		})
	}
}
