package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
)

// Conn is a connection borrowed for a single directory operation.
type Conn interface {
	migrate.DB
	Release()
}

// AcquireFunc borrows a connection to the database holding the directory.
// The server passes the router's default source so directory reads get the
// same schema pinning and acquire limits as any other query.
type AcquireFunc func(ctx context.Context) (Conn, error)

// TenantStore implements store.TenantStore using PostgreSQL.
// Tables are schema qualified since routed connections are pinned to the
// tenant schema.
type TenantStore struct {
	acquire AcquireFunc
}

// NewTenantStore creates a new PostgreSQL-backed tenant directory.
func NewTenantStore(acquire AcquireFunc) *TenantStore {
	return &TenantStore{
		acquire: acquire,
	}
}

// Create registers a new tenant in the database.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	if err := store.ValidateTenant(tenant); err != nil {
		return err
	}

	if tenant.TenantID == uuid.Nil {
		tenant.TenantID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	query := `
		INSERT INTO directory.tenants (
			tenant_id, name, database_url, username, password, driver, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	conn, err := s.acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, query,
		tenant.TenantID,
		tenant.Name,
		tenant.DatabaseURL,
		tenant.Username,
		tenant.Password,
		tenant.Driver,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)

	if err != nil {
		mapped := mapPostgresError(err)
		if errors.Is(mapped, store.ErrTenantAlreadyExists) {
			return mapped
		}
		return fmt.Errorf("failed to create tenant: %w", mapped)
	}

	log.Debug().
		Str("tenant_id", tenant.TenantID.String()).
		Str("tenant", tenant.Name).
		Msg("Created tenant")

	return nil
}

// Get retrieves a tenant by name.
func (s *TenantStore) Get(ctx context.Context, name string) (*models.Tenant, error) {
	query := `
		SELECT tenant_id, name, database_url, username, password, driver, created_at, updated_at
		FROM directory.tenants
		WHERE name = $1
	`

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tenant, err := scanTenant(conn.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return tenant, nil
}

// List returns all tenants ordered by name.
func (s *TenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	query := `
		SELECT tenant_id, name, database_url, username, password, driver, created_at, updated_at
		FROM directory.tenants
		ORDER BY name
	`

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}

	return tenants, nil
}

// Delete removes a tenant by name. The tenant database itself is untouched.
func (s *TenantStore) Delete(ctx context.Context, name string) error {
	query := `DELETE FROM directory.tenants WHERE name = $1`

	conn, err := s.acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	result, err := conn.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}

	log.Info().
		Str("tenant", name).
		Msg("Deleted tenant from directory")

	return nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var tenant models.Tenant
	err := row.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.DatabaseURL,
		&tenant.Username,
		&tenant.Password,
		&tenant.Driver,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}
