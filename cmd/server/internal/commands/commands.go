package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/store"
	filestore "github.com/wolfeidau/tenantdb/internal/store/file"
	memorystore "github.com/wolfeidau/tenantdb/internal/store/memory"
	postgresstore "github.com/wolfeidau/tenantdb/internal/store/postgres"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	// Create HTTP server
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// DatabaseFlags configures the default database and the pool limits shared
// by every tenant pool.
type DatabaseFlags struct {
	ConnString string `help:"default database connection string (tenant-agnostic work and the postgres directory)" env:"TENANTDB_DATABASE_URL"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections per pool" default:"20" env:"TENANTDB_POOL_MAX_CONNS"`
	MinConns        int32 `help:"minimum number of connections per pool" default:"2" env:"TENANTDB_POOL_MIN_CONNS"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`
	ConnectTimeout  int32 `help:"connect timeout in seconds" default:"10"`
	PingAttempts    uint  `help:"connectivity checks before a pool is considered broken" default:"3"`
}

// PoolConfig returns the pool template without a connection string.
func (f *DatabaseFlags) PoolConfig() postgresstore.PoolConfig {
	return postgresstore.PoolConfig{
		MaxConns:        f.MaxConns,
		MinConns:        f.MinConns,
		MaxConnLifetime: f.MaxConnLifetime,
		MaxConnIdleTime: f.MaxConnIdleTime,
		ConnectTimeout:  f.ConnectTimeout,
		PingAttempts:    f.PingAttempts,
	}
}

// DirectoryFlags selects the tenant directory backend.
type DirectoryFlags struct {
	Type        string `help:"tenant directory type (memory, file, or postgres)" default:"file" env:"TENANTDB_DIRECTORY_TYPE" enum:"memory,file,postgres"`
	File        string `help:"tenant directory YAML file" default:"tenants.yaml" env:"TENANTDB_DIRECTORY_FILE"`
	AutoMigrate bool   `help:"create the postgres directory schema on startup" default:"true" env:"TENANTDB_DIRECTORY_AUTO_MIGRATE" negatable:""`
}

// RoutingFlags configures the connection source cache and router.
type RoutingFlags struct {
	DefaultDriver     string        `help:"driver for tenants without an override" default:"postgres" env:"TENANTDB_DEFAULT_DRIVER" enum:"postgres,pgx,postgres-simple"`
	AcquireTimeout    time.Duration `help:"maximum wait for a free connection" default:"30s" env:"TENANTDB_ACQUIRE_TIMEOUT"`
	BuildTimeout      time.Duration `help:"maximum time to create and migrate a tenant source" default:"2m" env:"TENANTDB_BUILD_TIMEOUT"`
	WarmupConcurrency int           `help:"tenants migrated in parallel during warm up" default:"4" env:"TENANTDB_WARMUP_CONCURRENCY"`
}

// runtime is the wired routing core shared by the commands.
type runtime struct {
	pool      *pgxpool.Pool
	fallback  tenancy.Source
	directory store.TenantStore
	drivers   *tenancy.Registry
	migrator  *migrate.Runner
	cache     *tenancy.Cache
	router    *tenancy.Router
}

func newRuntime(ctx context.Context, db *DatabaseFlags, dir *DirectoryFlags, routing *RoutingFlags) (*runtime, error) {
	rt := &runtime{
		drivers:  tenancy.NewPostgresRegistry(db.PoolConfig()),
		migrator: migrate.Tenants(tenancy.DefaultSchema),
	}

	if db.ConnString != "" {
		cfg := db.PoolConfig()
		cfg.ConnString = db.ConnString
		cfg.SearchPath = tenancy.DefaultSchema

		pool, err := postgresstore.NewPool(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create default pool: %w", err)
		}
		rt.pool = pool
		rt.fallback = tenancy.NewPoolSource(pool)
		log.Info().Msg("Default connection source ready")
	} else {
		log.Warn().Msg("No default database configured, tenant-agnostic connections are disabled")
	}

	directory, err := openDirectory(ctx, dir, rt.pool, rt.acquireDefault)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.directory = directory

	defaultDriver, err := tenancy.ParseDriver(routing.DefaultDriver)
	if err != nil {
		rt.Close()
		return nil, err
	}

	cache, err := tenancy.NewCache(tenancy.CacheConfig{
		Directory:     directory,
		Drivers:       rt.drivers,
		Migrator:      rt.migrator,
		DefaultDriver: defaultDriver,
		BuildTimeout:  routing.BuildTimeout,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.cache = cache

	rt.router = tenancy.NewRouter(cache, rt.fallback, tenancy.WithAcquireTimeout(routing.AcquireTimeout))

	return rt, nil
}

// acquireDefault routes postgres directory queries through the router's
// default source. The directory is first read after newRuntime has set
// rt.router.
func (rt *runtime) acquireDefault(ctx context.Context) (postgresstore.Conn, error) {
	return rt.router.AcquireDefault(ctx)
}

// Close closes every tenant pool and the default pool.
func (rt *runtime) Close() {
	if rt.cache != nil {
		rt.cache.Close()
	}
	if rt.fallback != nil {
		rt.fallback.Close()
	}
}

// openDirectory opens the configured directory. The postgres directory schema
// is migrated directly on pool; queries go through acquire.
func openDirectory(ctx context.Context, dir *DirectoryFlags, pool *pgxpool.Pool, acquire postgresstore.AcquireFunc) (store.TenantStore, error) {
	switch dir.Type {
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres directory requires a default database (--db-conn-string or TENANTDB_DATABASE_URL)")
		}
		if dir.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				return nil, fmt.Errorf("failed to migrate tenant directory: %w", err)
			}
		}
		log.Info().Msg("Using PostgreSQL tenant directory")
		return postgresstore.NewTenantStore(acquire), nil

	case "memory":
		log.Warn().Msg("Using empty in-memory tenant directory")
		return memorystore.NewTenantStore()

	default:
		directory, err := filestore.Load(dir.File)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", dir.File).Msg("Using file tenant directory")
		return directory, nil
	}
}
