package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/wolfeidau/tenantdb/internal/models"
)

// Sentinel errors for tenant directory operations
var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantAlreadyExists = errors.New("tenant already exists")
	ErrInvalidTenant       = errors.New("invalid tenant")
	ErrReadOnly            = errors.New("tenant directory is read-only")
)

var tenantNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// TenantStore is the tenant directory: it maps a tenant name to the
// connection parameters of that tenant's database.
type TenantStore interface {
	// Get retrieves a tenant by name.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	Get(ctx context.Context, name string) (*models.Tenant, error)

	// List returns every tenant ordered by name.
	List(ctx context.Context) ([]*models.Tenant, error)

	// Create registers a new tenant.
	// Returns ErrTenantAlreadyExists if a tenant with the same name exists.
	Create(ctx context.Context, tenant *models.Tenant) error

	// Delete removes a tenant by name. The tenant's database is left untouched.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	Delete(ctx context.Context, name string) error
}

// ValidateTenant checks the fields every directory backend requires.
func ValidateTenant(tenant *models.Tenant) error {
	if tenant == nil {
		return fmt.Errorf("%w: tenant is required", ErrInvalidTenant)
	}
	if !tenantNamePattern.MatchString(tenant.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidTenant, tenant.Name, tenantNamePattern)
	}
	if tenant.DatabaseURL == "" {
		return fmt.Errorf("%w: database url is required for %q", ErrInvalidTenant, tenant.Name)
	}
	return nil
}
