package tenancy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store/memory"
)

// fakeConn records the statements run on it.
type fakeConn struct {
	source *fakeSource

	mu       sync.Mutex
	execs    []string
	queries  []string
	released int
	execErr  error
}

func (c *fakeConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.execs = append(c.execs, sql)
	return pgconn.CommandTag{}, c.execErr
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.recordQuery(sql)
	return nil, errors.New("fake: query not supported")
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.recordQuery(sql)
	return errRow{err: errors.New("fake: query not supported")}
}

func (c *fakeConn) recordQuery(sql string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries = append(c.queries, sql)
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("fake: transactions not supported")
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()

	c.source.inUse.Add(-1)
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.execs...)
}

func (c *fakeConn) queryLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.queries...)
}

func (c *fakeConn) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.released
}

// fakeSource hands out fakeConns, optionally limited to capacity connections
// at a time.
type fakeSource struct {
	tenant   string
	capacity int32
	execErr  error

	inUse  atomic.Int32
	closed atomic.Bool

	mu    sync.Mutex
	conns []*fakeConn
}

func newFakeSource(tenant string) *fakeSource {
	return &fakeSource{tenant: tenant}
}

func (s *fakeSource) Acquire(ctx context.Context) (Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.capacity == 0 || s.inUse.Load() < s.capacity {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	s.inUse.Add(1)
	conn := &fakeConn{source: s, execErr: s.execErr}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	return conn, nil
}

func (s *fakeSource) Close() {
	s.closed.Store(true)
}

func (s *fakeSource) lastConn() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// fakeMigrator counts runs per tenant.
type fakeMigrator struct {
	delay time.Duration

	mu   sync.Mutex
	runs map[string]int
	errs map[string]error
}

func newFakeMigrator() *fakeMigrator {
	return &fakeMigrator{
		runs: make(map[string]int),
		errs: make(map[string]error),
	}
}

func (m *fakeMigrator) Migrate(ctx context.Context, db migrate.DB) (*migrate.Result, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	tenant := db.(*fakeConn).source.tenant

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[tenant]++
	if err := m.errs[tenant]; err != nil {
		return nil, err
	}
	return &migrate.Result{Applied: []migrate.Migration{{Version: 1, Name: "1_fake.sql"}}, Current: 1}, nil
}

func (m *fakeMigrator) failFor(tenant string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.errs, tenant)
		return
	}
	m.errs[tenant] = err
}

func (m *fakeMigrator) runsFor(tenant string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.runs[tenant]
}

// fakeOpener builds fakeSources and can be told to fail for a tenant.
type fakeOpener struct {
	mu      sync.Mutex
	opens   map[string]int
	errs    map[string]error
	sources []*fakeSource
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		opens: make(map[string]int),
		errs:  make(map[string]error),
	}
}

func (o *fakeOpener) open(ctx context.Context, tenant *models.Tenant) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens[tenant.Name]++
	if err := o.errs[tenant.Name]; err != nil {
		return nil, err
	}

	src := newFakeSource(tenant.Name)
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *fakeOpener) failFor(tenant string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err == nil {
		delete(o.errs, tenant)
		return
	}
	o.errs[tenant] = err
}

func (o *fakeOpener) opensFor(tenant string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.opens[tenant]
}

func (o *fakeOpener) allSources() []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*fakeSource(nil), o.sources...)
}

type testEnv struct {
	directory *memory.TenantStore
	opener    *fakeOpener
	migrator  *fakeMigrator
	cache     *Cache
}

func newTestEnv(tenants ...string) (*testEnv, error) {
	seed := make([]*models.Tenant, 0, len(tenants))
	for _, name := range tenants {
		seed = append(seed, &models.Tenant{Name: name, DatabaseURL: "postgres://db.internal:5432/" + name})
	}

	directory, err := memory.NewTenantStore(seed...)
	if err != nil {
		return nil, err
	}

	opener := newFakeOpener()
	registry := NewRegistry()
	registry.Register(DriverPostgres, opener.open)

	migrator := newFakeMigrator()

	cache, err := NewCache(CacheConfig{
		Directory: directory,
		Drivers:   registry,
		Migrator:  migrator,
	})
	if err != nil {
		return nil, err
	}

	return &testEnv{
		directory: directory,
		opener:    opener,
		migrator:  migrator,
		cache:     cache,
	}, nil
}
