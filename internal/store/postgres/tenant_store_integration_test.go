//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	// Start postgres container
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func acquireFromPool(pool *pgxpool.Pool) AcquireFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func TestIntegration_TenantStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := NewTenantStore(acquireFromPool(pool))

	t.Run("create and get", func(t *testing.T) {
		tenant := &models.Tenant{
			Name:        "acme",
			DatabaseURL: "postgres://db.internal:5432/acme",
			Username:    "acme_app",
			Password:    "s3cret",
			Driver:      "postgres",
		}
		require.NoError(t, st.Create(ctx, tenant))
		require.NotEqual(t, uuid.Nil, tenant.TenantID)

		got, err := st.Get(ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, tenant.TenantID, got.TenantID)
		require.Equal(t, "acme_app", got.Username)
		require.Equal(t, "s3cret", got.Password)
		require.Equal(t, "postgres", got.Driver)
	})

	t.Run("duplicate name", func(t *testing.T) {
		err := st.Create(ctx, &models.Tenant{Name: "acme", DatabaseURL: "postgres://elsewhere/acme"})
		require.ErrorIs(t, err, store.ErrTenantAlreadyExists)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := st.Get(ctx, "ghost")
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})

	t.Run("list ordered by name", func(t *testing.T) {
		require.NoError(t, st.Create(ctx, &models.Tenant{Name: "globex", DatabaseURL: "postgres://db.internal:5432/globex"}))
		require.NoError(t, st.Create(ctx, &models.Tenant{Name: "initech", DatabaseURL: "postgres://db.internal:5432/initech"}))

		tenants, err := st.List(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 3)
		require.Equal(t, "acme", tenants[0].Name)
		require.Equal(t, "globex", tenants[1].Name)
		require.Equal(t, "initech", tenants[2].Name)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, st.Delete(ctx, "globex"))
		require.ErrorIs(t, st.Delete(ctx, "globex"), store.ErrTenantNotFound)
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, RunMigrations(ctx, pool))
	})
}
