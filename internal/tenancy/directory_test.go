package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tenantdb/internal/store/postgres"
)

func directoryOver(router *Router) *postgres.TenantStore {
	return postgres.NewTenantStore(func(ctx context.Context) (postgres.Conn, error) {
		return router.AcquireDefault(ctx)
	})
}

func TestRouter_DirectoryReadsUseDefaultSource(t *testing.T) {
	t.Run("get inside a tenant unit of work", func(t *testing.T) {
		env, fallback, router := newTestRouter(t, "acme")
		directory := directoryOver(router)

		ctx, end := BeginTenant(context.Background(), "acme")
		defer end()

		// The fake connection cannot scan rows, only the routing matters here.
		_, err := directory.Get(ctx, "globex")
		require.Error(t, err)

		conn := fallback.lastConn()
		require.NotNil(t, conn)
		require.Equal(t, []string{`SET search_path TO "app"`}, conn.statements())

		queries := conn.queryLog()
		require.Len(t, queries, 1)
		require.Contains(t, queries[0], "FROM directory.tenants")

		require.Equal(t, 1, conn.releaseCount())
		require.Equal(t, int32(0), fallback.inUse.Load())

		// The active tenant was not resolved for a directory read.
		require.Equal(t, 0, env.cache.Len())

		tenant, ok := TenantFromContext(ctx)
		require.True(t, ok)
		require.Equal(t, "acme", tenant)
	})

	t.Run("list releases its connection", func(t *testing.T) {
		_, fallback, router := newTestRouter(t)
		directory := directoryOver(router)

		_, err := directory.List(context.Background())
		require.Error(t, err)

		conn := fallback.lastConn()
		require.NotNil(t, conn)
		require.Equal(t, []string{`SET search_path TO "app"`}, conn.statements())
		require.Equal(t, 1, conn.releaseCount())
	})

	t.Run("no default source", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		directory := directoryOver(NewRouter(env.cache, nil))

		_, err = directory.Get(context.Background(), "acme")
		require.ErrorIs(t, err, ErrNoDefaultSource)
	})
}
