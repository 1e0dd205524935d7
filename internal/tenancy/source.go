package tenancy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store/postgres"
)

// DefaultSchema is the namespace every tenant object lives in. Every routed
// connection and every tenant migration run targets it.
const DefaultSchema = "app"

// Conn is a live connection borrowed from a Source. Release returns it to
// its pool.
type Conn interface {
	migrate.DB
	Release()
}

// Source produces connections to exactly one database.
type Source interface {
	Acquire(ctx context.Context) (Conn, error)
	Close()
}

// PoolSource is a Source backed by a pgx connection pool.
type PoolSource struct {
	pool *pgxpool.Pool
}

// NewPoolSource wraps pool. The source takes ownership; Close closes the pool.
func NewPoolSource(pool *pgxpool.Pool) *PoolSource {
	return &PoolSource{pool: pool}
}

// Acquire borrows a connection, blocking until one is free or ctx is done.
func (s *PoolSource) Acquire(ctx context.Context) (Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close closes the pool and every connection in it.
func (s *PoolSource) Close() {
	s.pool.Close()
}

// Pool returns the underlying pool.
func (s *PoolSource) Pool() *pgxpool.Pool {
	return s.pool
}

// Driver selects how a tenant's connection source is built.
type Driver string

const (
	// DriverPostgres is a pgx pool using the extended protocol.
	DriverPostgres Driver = "postgres"
	// DriverPgx is an alias of DriverPostgres.
	DriverPgx Driver = "pgx"
	// DriverPostgresSimple is a pgx pool using the simple protocol, for
	// databases behind statement-unaware proxies.
	DriverPostgresSimple Driver = "postgres-simple"
)

// ParseDriver converts a configuration value into a Driver. An empty value
// returns DriverPostgres.
func ParseDriver(value string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(value))); d {
	case "":
		return DriverPostgres, nil
	case DriverPostgres, DriverPgx, DriverPostgresSimple:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, value)
	}
}

// Opener builds a connection source for a tenant. It must return a source
// that is ready to hand out connections, or close everything it opened and
// return an error.
type Opener func(ctx context.Context, tenant *models.Tenant) (Source, error)

// Registry maps drivers to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[Driver]Opener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[Driver]Opener)}
}

// NewPostgresRegistry registers the pgx openers for every built-in driver.
// template supplies the pool limits; connection parameters come from the
// tenant.
func NewPostgresRegistry(template postgres.PoolConfig) *Registry {
	r := NewRegistry()

	extended := template
	extended.SimpleProtocol = false
	r.Register(DriverPostgres, PgxOpener(extended))
	r.Register(DriverPgx, PgxOpener(extended))

	simple := template
	simple.SimpleProtocol = true
	r.Register(DriverPostgresSimple, PgxOpener(simple))

	return r
}

// Register adds or replaces the opener for driver.
func (r *Registry) Register(driver Driver, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.openers[driver] = opener
}

// Drivers returns the registered drivers in sorted order.
func (r *Registry) Drivers() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drivers := make([]Driver, 0, len(r.openers))
	for d := range r.openers {
		drivers = append(drivers, d)
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i] < drivers[j] })
	return drivers
}

// Open builds a source for tenant with the opener registered for driver.
func (r *Registry) Open(ctx context.Context, driver Driver, tenant *models.Tenant) (Source, error) {
	r.mu.RLock()
	opener, ok := r.openers[driver]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	return opener(ctx, tenant)
}

// PgxOpener returns an opener creating a pgx pool from the tenant's
// connection parameters. Every connection starts with search_path set to
// DefaultSchema.
func PgxOpener(template postgres.PoolConfig) Opener {
	return func(ctx context.Context, tenant *models.Tenant) (Source, error) {
		cfg := template
		cfg.ConnString = tenant.DatabaseURL
		cfg.User = tenant.Username
		cfg.Password = tenant.Password
		cfg.SearchPath = DefaultSchema

		pool, err := postgres.NewPool(ctx, &cfg)
		if err != nil {
			return nil, err
		}

		return NewPoolSource(pool), nil
	}
}
