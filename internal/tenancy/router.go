package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrConnReleased is returned when a released connection handle is used.
var ErrConnReleased = errors.New("connection already released")

// Router is the single path to a database connection. It picks the source
// from the tenant in the context (the default source when there is none) and
// pins every connection to the default schema before handing it out.
type Router struct {
	resolver       Resolver
	fallback       Source
	schema         string
	acquireTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAcquireTimeout bounds how long Acquire waits for a free connection.
// Zero means the caller's context is the only bound.
func WithAcquireTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		r.acquireTimeout = d
	}
}

// WithSchema overrides the schema connections are pinned to.
func WithSchema(schema string) RouterOption {
	return func(r *Router) {
		r.schema = schema
	}
}

// NewRouter creates a router resolving tenant sources through resolver.
// fallback serves tenant-agnostic work and may be nil.
func NewRouter(resolver Resolver, fallback Source, opts ...RouterOption) *Router {
	r := &Router{
		resolver: resolver,
		fallback: fallback,
		schema:   DefaultSchema,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire borrows a connection for the tenant active in ctx. The connection
// has its search path set to the router's schema. Release returns it to its
// pool; the pool itself stays open.
func (r *Router) Acquire(ctx context.Context) (Conn, error) {
	m := telemetry.GetMetrics()

	sc := scopeFrom(ctx)
	if sc != nil && sc.ended.Load() {
		return nil, ErrScopeEnded
	}

	tenant, _ := TenantFromContext(ctx)
	label := tenantLabel(tenant)
	attrs := metric.WithAttributes(attribute.String("tenant", label))

	src, err := r.source(ctx, tenant)
	if err != nil {
		m.AcquireErrorsTotal.Add(ctx, 1, attrs)
		return nil, err
	}

	acquireCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}

	started := time.Now()
	conn, err := src.Acquire(acquireCtx)
	m.AcquireDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
	if err != nil {
		m.AcquireErrorsTotal.Add(ctx, 1, attrs)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, tenantError(tenant, ErrAcquireTimeout, err)
		}
		return nil, fmt.Errorf("failed to acquire connection for tenant %s: %w", label, err)
	}

	if _, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{r.schema}.Sanitize()); err != nil {
		conn.Release()
		m.AcquireErrorsTotal.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("failed to set search path for tenant %s: %w", label, err)
	}

	h := &handle{conn: conn, tenant: tenant, scope: sc}
	if sc != nil {
		if err := sc.track(h); err != nil {
			conn.Release()
			return nil, err
		}
	}

	m.ConnectionsAcquiredTotal.Add(ctx, 1, attrs)
	m.ConnectionsActive.Add(ctx, 1, attrs)

	log.Debug().Str("tenant", label).Msg("Get connection")

	return h, nil
}

// AcquireDefault borrows a connection from the default source whatever tenant
// ctx carries. It is the path for tenant-agnostic reads such as the tenant
// directory.
func (r *Router) AcquireDefault(ctx context.Context) (Conn, error) {
	return r.Acquire(ContextWithoutTenant(ctx))
}

// WithConn runs fn with a routed connection and always releases it.
func (r *Router) WithConn(ctx context.Context, fn func(Conn) error) error {
	conn, err := r.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return fn(conn)
}

// WithTenant runs fn as a unit of work for tenant. The tenant's source is
// resolved first so unknown or broken tenants fail before fn runs. Whatever
// way fn exits, the tenant scope is ended and any connection fn left open is
// released. An empty tenant runs fn against the default source.
func (r *Router) WithTenant(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	if tenant != "" {
		if _, err := r.resolver.Resolve(ctx, tenant); err != nil {
			return err
		}
	}

	ctx, end := BeginTenant(ctx, tenant)
	defer end()

	return fn(ctx)
}

// Execute is WithTenant for units of work that return a value.
func Execute[T any](ctx context.Context, r *Router, tenant string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.WithTenant(ctx, tenant, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (r *Router) source(ctx context.Context, tenant string) (Source, error) {
	if tenant == "" {
		if r.fallback == nil {
			return nil, ErrNoDefaultSource
		}
		return r.fallback, nil
	}
	return r.resolver.Resolve(ctx, tenant)
}

// handle wraps a pooled connection with an Acquired -> Released lifecycle.
// Release is idempotent and any use after release fails with ErrConnReleased.
type handle struct {
	conn     Conn
	tenant   string
	scope    *scope
	released atomic.Bool
}

func (h *handle) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if h.released.Load() {
		return pgconn.CommandTag{}, ErrConnReleased
	}
	return h.conn.Exec(ctx, sql, arguments...)
}

func (h *handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if h.released.Load() {
		return nil, ErrConnReleased
	}
	return h.conn.Query(ctx, sql, args...)
}

func (h *handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if h.released.Load() {
		return errRow{err: ErrConnReleased}
	}
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *handle) Begin(ctx context.Context) (pgx.Tx, error) {
	if h.released.Load() {
		return nil, ErrConnReleased
	}
	return h.conn.Begin(ctx)
}

func (h *handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}

	h.conn.Release()
	if h.scope != nil {
		h.scope.untrack(h)
	}

	label := tenantLabel(h.tenant)
	telemetry.GetMetrics().ConnectionsActive.Add(context.Background(), -1,
		metric.WithAttributes(attribute.String("tenant", label)))

	log.Debug().Str("tenant", label).Msg("Release connection")
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}
