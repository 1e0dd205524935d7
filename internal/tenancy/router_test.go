package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, tenants ...string) (*testEnv, *fakeSource, *Router) {
	t.Helper()

	env, err := newTestEnv(tenants...)
	require.NoError(t, err)

	fallback := newFakeSource("")
	return env, fallback, NewRouter(env.cache, fallback)
}

func sourceFor(t *testing.T, env *testEnv, tenant string) *fakeSource {
	t.Helper()

	src, err := env.cache.Resolve(context.Background(), tenant)
	require.NoError(t, err)
	return src.(*fakeSource)
}

func TestRouter_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("tenant connection is pinned to the default schema", func(t *testing.T) {
		env, _, router := newTestRouter(t, "acme")

		ctx, end := BeginTenant(ctx, "acme")
		defer end()

		conn, err := router.Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()

		src := sourceFor(t, env, "acme")
		require.Equal(t, []string{`SET search_path TO "app"`}, src.lastConn().statements())
	})

	t.Run("no tenant routes to the default source", func(t *testing.T) {
		env, fallback, router := newTestRouter(t, "acme")

		conn, err := router.Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()

		require.Equal(t, []string{`SET search_path TO "app"`}, fallback.lastConn().statements())
		require.Equal(t, 0, env.cache.Len())
	})

	t.Run("custom schema", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		fallback := newFakeSource("")
		router := NewRouter(env.cache, fallback, WithSchema("reporting"))

		conn, err := router.Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()

		require.Equal(t, []string{`SET search_path TO "reporting"`}, fallback.lastConn().statements())
	})

	t.Run("no default source", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		router := NewRouter(env.cache, nil)

		_, err = router.Acquire(ctx)
		require.ErrorIs(t, err, ErrNoDefaultSource)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, _, router := newTestRouter(t, "acme")

		ctx, end := BeginTenant(ctx, "ghost")
		defer end()

		_, err := router.Acquire(ctx)
		require.ErrorIs(t, err, ErrUnknownTenant)
	})

	t.Run("failed search path releases the connection", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		fallback := newFakeSource("")
		fallback.execErr = errors.New("schema does not exist")
		router := NewRouter(env.cache, fallback)

		_, err = router.Acquire(ctx)
		require.Error(t, err)
		require.Equal(t, int32(0), fallback.inUse.Load())
		require.Equal(t, 1, fallback.lastConn().releaseCount())
	})

	t.Run("acquire timeout", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		fallback := newFakeSource("")
		fallback.capacity = 1
		router := NewRouter(env.cache, fallback, WithAcquireTimeout(20*time.Millisecond))

		held, err := router.Acquire(ctx)
		require.NoError(t, err)
		defer held.Release()

		_, err = router.Acquire(ctx)
		require.ErrorIs(t, err, ErrAcquireTimeout)
	})

	t.Run("caller cancellation is not reported as a timeout", func(t *testing.T) {
		env, err := newTestEnv()
		require.NoError(t, err)

		fallback := newFakeSource("")
		fallback.capacity = 1
		router := NewRouter(env.cache, fallback, WithAcquireTimeout(time.Second))

		held, err := router.Acquire(ctx)
		require.NoError(t, err)
		defer held.Release()

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		_, err = router.Acquire(cctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NotErrorIs(t, err, ErrAcquireTimeout)
	})
}

func TestRouter_Release(t *testing.T) {
	ctx := context.Background()
	_, fallback, router := newTestRouter(t)

	conn, err := router.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), fallback.inUse.Load())

	conn.Release()
	conn.Release()

	require.Equal(t, int32(0), fallback.inUse.Load())
	require.Equal(t, 1, fallback.lastConn().releaseCount())
	require.False(t, fallback.closed.Load(), "release must not close the pool")

	_, err = conn.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrConnReleased)

	_, err = conn.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrConnReleased)

	require.ErrorIs(t, conn.QueryRow(ctx, "SELECT 1").Scan(), ErrConnReleased)

	_, err = conn.Begin(ctx)
	require.ErrorIs(t, err, ErrConnReleased)
}

func TestRouter_WithConn(t *testing.T) {
	ctx := context.Background()
	_, fallback, router := newTestRouter(t)

	sentinel := errors.New("boom")
	err := router.WithConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, "SELECT 1")
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, int32(0), fallback.inUse.Load())
}

func TestRouter_WithTenant(t *testing.T) {
	ctx := context.Background()

	t.Run("routes to the tenant and clears afterwards", func(t *testing.T) {
		env, _, router := newTestRouter(t, "acme")

		var scoped context.Context
		err := router.WithTenant(ctx, "acme", func(ctx context.Context) error {
			scoped = ctx

			tenant, ok := TenantFromContext(ctx)
			require.True(t, ok)
			require.Equal(t, "acme", tenant)

			return router.WithConn(ctx, func(conn Conn) error {
				_, err := conn.Exec(ctx, "INSERT INTO settings VALUES ('k', 'v')")
				return err
			})
		})
		require.NoError(t, err)

		_, ok := TenantFromContext(scoped)
		require.False(t, ok)

		src := sourceFor(t, env, "acme")
		require.Equal(t, []string{`SET search_path TO "app"`, "INSERT INTO settings VALUES ('k', 'v')"}, src.lastConn().statements())
		require.Equal(t, int32(0), src.inUse.Load())
	})

	t.Run("unknown tenant does not run the unit of work", func(t *testing.T) {
		_, _, router := newTestRouter(t, "acme")

		called := false
		err := router.WithTenant(ctx, "ghost", func(ctx context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrUnknownTenant)
		require.False(t, called)
	})

	t.Run("empty tenant uses the default source", func(t *testing.T) {
		env, fallback, router := newTestRouter(t, "acme")

		err := router.WithTenant(ctx, "", func(ctx context.Context) error {
			return router.WithConn(ctx, func(conn Conn) error { return nil })
		})
		require.NoError(t, err)
		require.NotNil(t, fallback.lastConn())
		require.Equal(t, 0, env.cache.Len())
	})

	t.Run("error from unit of work propagates and the scope ends", func(t *testing.T) {
		_, _, router := newTestRouter(t, "acme")

		sentinel := errors.New("constraint violation")
		var scoped context.Context
		err := router.WithTenant(ctx, "acme", func(ctx context.Context) error {
			scoped = ctx
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)

		_, ok := TenantFromContext(scoped)
		require.False(t, ok)
	})

	t.Run("leaked connection is released at the end", func(t *testing.T) {
		env, _, router := newTestRouter(t, "acme")

		var leaked Conn
		err := router.WithTenant(ctx, "acme", func(ctx context.Context) error {
			var err error
			leaked, err = router.Acquire(ctx)
			return err
		})
		require.NoError(t, err)

		src := sourceFor(t, env, "acme")
		require.Equal(t, int32(0), src.inUse.Load())
		require.Equal(t, 1, src.lastConn().releaseCount())

		_, err = leaked.Exec(ctx, "SELECT 1")
		require.ErrorIs(t, err, ErrConnReleased)
	})

	t.Run("panic still ends the scope", func(t *testing.T) {
		env, _, router := newTestRouter(t, "acme")

		var scoped context.Context
		require.Panics(t, func() {
			_ = router.WithTenant(ctx, "acme", func(ctx context.Context) error {
				scoped = ctx
				if _, err := router.Acquire(ctx); err != nil {
					return err
				}
				panic("handler bug")
			})
		})

		_, ok := TenantFromContext(scoped)
		require.False(t, ok)
		require.Equal(t, int32(0), sourceFor(t, env, "acme").inUse.Load())
	})

	t.Run("context from a finished unit of work cannot acquire", func(t *testing.T) {
		_, _, router := newTestRouter(t, "acme")

		var scoped context.Context
		require.NoError(t, router.WithTenant(ctx, "acme", func(ctx context.Context) error {
			scoped = ctx
			return nil
		}))

		_, err := router.Acquire(scoped)
		require.ErrorIs(t, err, ErrScopeEnded)
	})

	t.Run("concurrent units of work stay isolated", func(t *testing.T) {
		env, _, router := newTestRouter(t, "acme", "globex")

		names := []string{"acme", "globex", "acme", "globex"}
		seen := make([]string, len(names))
		errs := make([]error, len(names))

		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = router.WithTenant(ctx, name, func(ctx context.Context) error {
					time.Sleep(10 * time.Millisecond)
					seen[i], _ = TenantFromContext(ctx)
					return router.WithConn(ctx, func(conn Conn) error { return nil })
				})
			}()
		}
		wg.Wait()

		for i, name := range names {
			require.NoError(t, errs[i])
			require.Equal(t, name, seen[i])
		}
		require.Equal(t, 1, env.opener.opensFor("acme"))
		require.Equal(t, 1, env.opener.opensFor("globex"))
	})
}

func TestExecute(t *testing.T) {
	_, _, router := newTestRouter(t, "acme")

	got, err := Execute(context.Background(), router, "acme", func(ctx context.Context) (string, error) {
		tenant, _ := TenantFromContext(ctx)
		return "hello " + tenant, nil
	})
	require.NoError(t, err)
	require.Equal(t, "hello acme", got)

	_, err = Execute(context.Background(), router, "ghost", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.ErrorIs(t, err, ErrUnknownTenant)
}
