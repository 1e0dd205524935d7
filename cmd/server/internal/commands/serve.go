package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/tenantdb/internal/http"
	"github.com/wolfeidau/tenantdb/internal/logger"
	"github.com/wolfeidau/tenantdb/internal/server"
	"github.com/wolfeidau/tenantdb/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen       string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TENANTDB_LISTEN"`
	TenantHeader string `help:"request header carrying the tenant key" default:"X-Tenant-ID" env:"TENANTDB_TENANT_HEADER"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"TENANTDB_CORS_ORIGINS"`

	// Operational modes
	Warmup      bool    `help:"create and migrate every tenant source before serving" default:"true" env:"TENANTDB_WARMUP" negatable:""`
	Tracing     bool    `help:"enable tracing" default:"false" env:"TENANTDB_TRACING"`
	SampleRatio float64 `help:"trace sample ratio" default:"1.0" env:"TENANTDB_TRACE_SAMPLE_RATIO"`

	Database  DatabaseFlags  `embed:"" prefix:"db-"`
	Directory DirectoryFlags `embed:"" prefix:"directory-"`
	Routing   RoutingFlags   `embed:""`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "tenantdb-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	rt, err := newRuntime(ctx, &c.Database, &c.Directory, &c.Routing)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Tenants failing here stay out of the cache and are retried on first use.
	if c.Warmup {
		if err := rt.cache.WarmUp(ctx, c.Routing.WarmupConcurrency); err != nil {
			log.Warn().Err(err).Msg("Some tenants failed to warm up")
		}
	}

	srv := server.NewServer(server.Config{
		Directory:    rt.directory,
		Router:       rt.router,
		Migrator:     rt.migrator,
		Cache:        rt.cache,
		TenantHeader: c.TenantHeader,
	})

	httpServer := configureHTTPServer(c.Listen, withCORS(c.CORSOrigins, c.TenantHeader, srv.Handler(log.Logger)))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("tenant_header", c.TenantHeader).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, tenantHeader string, h http.Handler) http.Handler {
	if tenantHeader == "" {
		tenantHeader = httpmiddleware.DefaultTenantHeader
	}
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", tenantHeader},
	})
	return middleware.Handler(h)
}
