package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a customer with its own database.
// Tenants are created by an administrator in the tenant directory and are
// read-only to the routing core.
type Tenant struct {
	TenantID uuid.UUID // UUIDv7
	Name     string    // Unique key used to route requests (e.g., "acme")

	// Connection parameters
	DatabaseURL string // postgres://host:port/database?options
	Username    string // Overrides the user in DatabaseURL when set
	Password    string // Overrides the password in DatabaseURL when set
	Driver      string // Optional driver override ("postgres", "pgx", "postgres-simple")

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redacted returns a copy of the tenant with the secret removed, suitable for
// logging and API responses.
func (t *Tenant) Redacted() *Tenant {
	clone := *t
	if clone.Password != "" {
		clone.Password = "********"
	}
	return &clone
}
