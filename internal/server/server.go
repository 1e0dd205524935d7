package server

import (
	"net/http"

	"github.com/rs/zerolog"
	httpmiddleware "github.com/wolfeidau/tenantdb/internal/http"
	"github.com/wolfeidau/tenantdb/internal/logger"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/store"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

// CachedTenants reports which tenants have a live connection source.
type CachedTenants interface {
	Tenants() []string
}

// Config holds the collaborators of a Server.
type Config struct {
	Directory    store.TenantStore
	Router       *tenancy.Router
	Migrator     *migrate.Runner
	Cache        CachedTenants
	TenantHeader string
}

// Server exposes the tenant directory and tenant scoped data over HTTP.
type Server struct {
	cfg Config
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = httpmiddleware.DefaultTenantHeader
	}
	return &Server{cfg: cfg}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Tenant-agnostic administration
	mux.HandleFunc("GET /v1/tenants", s.listTenants)
	mux.HandleFunc("GET /v1/tenants/{name}", s.getTenant)
	mux.HandleFunc("GET /v1/sources", s.listSources)

	// Tenant scoped routes run as one unit of work per request
	scoped := httpmiddleware.TenantMiddleware(s.cfg.TenantHeader, s.cfg.Router)
	mux.Handle("GET /v1/migrations", scoped(http.HandlerFunc(s.listMigrations)))
	mux.Handle("GET /v1/settings", scoped(http.HandlerFunc(s.listSettings)))
	mux.Handle("GET /v1/settings/{key}", scoped(http.HandlerFunc(s.getSetting)))
	mux.Handle("PUT /v1/settings/{key}", scoped(http.HandlerFunc(s.putSetting)))

	return logger.RequestLogger(log)(httpmiddleware.ClientIPMiddleware()(mux))
}
