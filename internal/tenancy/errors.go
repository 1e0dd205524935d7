package tenancy

import (
	"errors"
	"fmt"
)

// Error categories returned by Resolve, Acquire and WithTenant. Use errors.Is
// to pick the category; the underlying cause stays reachable through the chain.
var (
	// ErrUnknownTenant means the directory has no such tenant. Not retryable
	// until the directory changes.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrSourceCreation means the tenant's pool could not be built (bad
	// credentials, unreachable host). Retryable, never cached.
	ErrSourceCreation = errors.New("connection source creation failed")

	// ErrMigration means a tenant migration script failed. The tenant stays
	// unusable until the script or database is fixed; never cached.
	ErrMigration = errors.New("tenant migration failed")

	// ErrNoDefaultSource means a connection was requested outside a tenant
	// scope but no default source is configured.
	ErrNoDefaultSource = errors.New("no default connection source configured")

	// ErrAcquireTimeout means the pool had no free connection before the
	// acquire timeout expired.
	ErrAcquireTimeout = errors.New("timed out acquiring connection")

	// ErrScopeEnded means a context from a finished unit of work was used to
	// acquire a connection.
	ErrScopeEnded = errors.New("tenant scope has ended")

	// ErrUnknownDriver means a tenant names a driver that is not registered.
	ErrUnknownDriver = errors.New("unknown driver")
)

// TenantError carries the tenant key alongside the error category and cause.
type TenantError struct {
	Tenant string
	Kind   error
	Err    error
}

func (e *TenantError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tenant %q: %v", e.Tenant, e.Kind)
	}
	return fmt.Sprintf("tenant %q: %v: %v", e.Tenant, e.Kind, e.Err)
}

func (e *TenantError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func tenantError(tenant string, kind, err error) error {
	return &TenantError{Tenant: tenant, Kind: kind, Err: err}
}
