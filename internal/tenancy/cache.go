package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/store"
	"github.com/wolfeidau/tenantdb/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrCacheClosed is returned by Resolve after Close.
var ErrCacheClosed = errors.New("connection source cache is closed")

// Resolver returns the connection source for a tenant key.
type Resolver interface {
	Resolve(ctx context.Context, tenant string) (Source, error)
}

// Migrator brings a tenant database up to date. *migrate.Runner satisfies it.
type Migrator interface {
	Migrate(ctx context.Context, db migrate.DB) (*migrate.Result, error)
}

// CacheConfig holds the collaborators and limits of a Cache.
type CacheConfig struct {
	// Directory looks up tenant connection parameters.
	Directory store.TenantStore

	// Drivers builds connection sources.
	Drivers *Registry

	// Migrator runs on every newly built source before it is cached.
	Migrator Migrator

	// DefaultDriver is used for tenants without a driver override.
	// Default: DriverPostgres
	DefaultDriver Driver

	// BuildTimeout bounds directory lookup, pool creation and migration of
	// one tenant.
	// Default: 2 minutes
	BuildTimeout time.Duration
}

// Validate checks that the configuration is usable.
func (c *CacheConfig) Validate() error {
	if c.Directory == nil {
		return fmt.Errorf("tenant directory is required")
	}
	if c.Drivers == nil {
		return fmt.Errorf("driver registry is required")
	}
	if c.Migrator == nil {
		return fmt.Errorf("migrator is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *CacheConfig) ApplyDefaults() {
	if c.DefaultDriver == "" {
		c.DefaultDriver = DriverPostgres
	}
	if c.BuildTimeout == 0 {
		c.BuildTimeout = 2 * time.Minute
	}
}

// Cache memoizes one connection source per tenant, building and migrating it
// on first use. Hits only take a read lock. Concurrent misses for the same
// tenant share a single build; misses for different tenants build in
// parallel. Failed builds are never cached.
type Cache struct {
	cfg CacheConfig

	mu      sync.RWMutex
	sources map[string]Source // tenant -> source
	closed  bool

	flights singleflight.Group
}

// NewCache creates an empty cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	return &Cache{
		cfg:     cfg,
		sources: make(map[string]Source),
	}, nil
}

// Resolve returns the connection source for tenant, creating and migrating
// it on first access.
func (c *Cache) Resolve(ctx context.Context, tenant string) (Source, error) {
	m := telemetry.GetMetrics()

	if src, ok := c.lookup(tenant); ok {
		m.ResolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
		return src, nil
	}

	ch := c.flights.DoChan(tenant, func() (any, error) {
		return c.build(ctx, tenant)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.ResolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			return nil, res.Err
		}
		m.ResolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))
		return res.Val.(Source), nil
	case <-ctx.Done():
		// The build carries on for other waiters and will still be cached.
		return nil, ctx.Err()
	}
}

// WarmUp resolves every tenant in the directory so existing tenants are
// migrated before the first request. A failing tenant does not stop the
// others; all failures are joined into the returned error and those tenants
// are retried lazily on their next Resolve.
func (c *Cache) WarmUp(ctx context.Context, concurrency int) error {
	tenants, err := c.cfg.Directory.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	if concurrency <= 0 {
		concurrency = 4
	}

	started := time.Now()
	log.Info().Int("tenants", len(tenants)).Int("concurrency", concurrency).Msg("Warming up tenant connection sources")

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, tenant := range tenants {
		g.Go(func() error {
			if _, err := c.Resolve(ctx, tenant.Name); err != nil {
				log.Error().Err(err).Str("tenant", tenant.Name).Msg("Failed to warm up tenant")

				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("tenants", len(tenants)).
		Int("failed", len(errs)).
		Dur("duration", time.Since(started)).
		Msg("Warm up finished")

	return errors.Join(errs...)
}

// Len returns the number of cached sources.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.sources)
}

// Tenants returns the keys of the cached sources in sorted order.
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.sources))
	for k := range c.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes every cached source. Sources are process-lifetime, so this is
// only called at shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for tenant, src := range c.sources {
		src.Close()
		log.Debug().Str("tenant", tenant).Msg("Closed tenant connection source")
	}
	telemetry.GetMetrics().SourcesCached.Add(context.Background(), -int64(len(c.sources)))
	c.sources = make(map[string]Source)
}

func (c *Cache) lookup(tenant string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src, ok := c.sources[tenant]
	return src, ok
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}

// build runs once per flight. It detaches from the caller's cancellation so
// an abandoned request cannot fail the build for every other waiter.
func (c *Cache) build(parent context.Context, tenant string) (Source, error) {
	// A flight that finished just before this one started has already
	// cached the source.
	if src, ok := c.lookup(tenant); ok {
		return src, nil
	}
	if c.isClosed() {
		return nil, ErrCacheClosed
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.BuildTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "tenancy.build_source",
		trace.WithAttributes(attribute.String("tenant", tenant)))
	defer span.End()

	src, err := c.open(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrUnknownTenant) {
			telemetry.GetMetrics().SourceErrorsTotal.Add(ctx, 1)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		src.Close()
		return nil, ErrCacheClosed
	}
	c.sources[tenant] = src
	c.mu.Unlock()

	m := telemetry.GetMetrics()
	m.SourcesCreatedTotal.Add(ctx, 1)
	m.SourcesCached.Add(ctx, 1)

	log.Info().Str("tenant", tenant).Msg("Tenant connection source ready")

	return src, nil
}

func (c *Cache) open(ctx context.Context, tenant string) (Source, error) {
	record, err := c.cfg.Directory.Get(ctx, tenant)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, tenantError(tenant, ErrUnknownTenant, nil)
		}
		return nil, tenantError(tenant, ErrSourceCreation, fmt.Errorf("directory lookup: %w", err))
	}

	driver := c.cfg.DefaultDriver
	if record.Driver != "" {
		driver, err = ParseDriver(record.Driver)
		if err != nil {
			return nil, tenantError(tenant, ErrSourceCreation, err)
		}
	}

	log.Info().Str("tenant", tenant).Str("driver", string(driver)).Msg("Creating tenant connection source")

	src, err := c.cfg.Drivers.Open(ctx, driver, record)
	if err != nil {
		return nil, tenantError(tenant, ErrSourceCreation, err)
	}

	if err := c.migrate(ctx, tenant, src); err != nil {
		src.Close()
		return nil, err
	}

	return src, nil
}

func (c *Cache) migrate(ctx context.Context, tenant string, src Source) error {
	m := telemetry.GetMetrics()
	started := time.Now()

	conn, err := src.Acquire(ctx)
	if err != nil {
		return tenantError(tenant, ErrSourceCreation, fmt.Errorf("acquire connection for migration: %w", err))
	}
	defer conn.Release()

	result, err := c.cfg.Migrator.Migrate(ctx, conn)
	m.MigrationDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("tenant", tenant)))
	if err != nil {
		m.MigrationErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
		return tenantError(tenant, ErrMigration, err)
	}

	if result != nil && len(result.Applied) > 0 {
		m.MigrationsAppliedTotal.Add(ctx, int64(len(result.Applied)),
			metric.WithAttributes(attribute.String("tenant", tenant)))
	}

	return nil
}
