package tenancy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

type scopeKey struct{}

// scope holds the active tenant for one unit of work together with the
// connection handles acquired inside it. The tenant key never changes after
// creation; only the ended flag and the handle set are mutable.
type scope struct {
	tenant string
	ended  atomic.Bool

	mu      sync.Mutex
	handles map[*handle]struct{}
}

// BeginTenant starts a unit of work for tenant and returns the scoped context
// together with the function that ends it. An empty tenant starts a
// tenant-agnostic scope routed to the default source, even when ctx already
// carries a tenant.
//
// The end function must run on every exit path (use defer). It marks the
// scope as ended, so TenantFromContext on the returned context reports no
// tenant afterwards, and releases any connection the unit of work forgot to
// release. Calling it more than once is safe.
func BeginTenant(ctx context.Context, tenant string) (context.Context, func()) {
	s := &scope{
		tenant:  tenant,
		handles: make(map[*handle]struct{}),
	}
	return context.WithValue(ctx, scopeKey{}, s), s.end
}

// ContextWithoutTenant returns a context for tenant-agnostic work such as
// reading the tenant directory. Connections acquired with it use the default
// source.
func ContextWithoutTenant(ctx context.Context) context.Context {
	ctx, _ = BeginTenant(ctx, "")
	return ctx
}

// TenantFromContext returns the active tenant, or false when no tenant is set
// or the unit of work that set it has finished.
func TenantFromContext(ctx context.Context) (string, bool) {
	s := scopeFrom(ctx)
	if s == nil || s.tenant == "" || s.ended.Load() {
		return "", false
	}
	return s.tenant, true
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (s *scope) track(h *handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended.Load() {
		return ErrScopeEnded
	}
	s.handles[h] = struct{}{}
	return nil
}

func (s *scope) untrack(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handles, h)
}

func (s *scope) end() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	leaked := make([]*handle, 0, len(s.handles))
	for h := range s.handles {
		leaked = append(leaked, h)
	}
	s.mu.Unlock()

	for _, h := range leaked {
		h.Release()
	}

	if len(leaked) > 0 {
		log.Warn().
			Str("tenant", tenantLabel(s.tenant)).
			Int("connections", len(leaked)).
			Msg("Released connections left open by unit of work")
	}
}

func tenantLabel(tenant string) string {
	if tenant == "" {
		return "(default)"
	}
	return tenant
}
