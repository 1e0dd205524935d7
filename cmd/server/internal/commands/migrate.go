package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/logger"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

type MigrateCmd struct {
	DryRun bool `help:"list pending migrations per tenant without applying them" default:"false"`

	Database  DatabaseFlags  `embed:"" prefix:"db-"`
	Directory DirectoryFlags `embed:"" prefix:"directory-"`
	Routing   RoutingFlags   `embed:""`
}

// Run migrates every tenant in the directory the same way the server does on
// warm up, then exits.
func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	rt, err := newRuntime(ctx, &c.Database, &c.Directory, &c.Routing)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.DryRun {
		return c.pending(ctx, rt)
	}

	if err := rt.cache.WarmUp(ctx, c.Routing.WarmupConcurrency); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info().Int("tenants", rt.cache.Len()).Msg("All tenants migrated")
	return nil
}

func (c *MigrateCmd) pending(ctx context.Context, rt *runtime) error {
	tenants, err := rt.directory.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	defaultDriver, err := tenancy.ParseDriver(c.Routing.DefaultDriver)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TENANT\tVERSION\tNAME")

	for _, tenant := range tenants {
		if err := c.pendingFor(ctx, rt, defaultDriver, tenant, w); err != nil {
			_, _ = fmt.Fprintf(w, "%s\t-\terror: %v\n", tenant.Name, err)
		}
	}

	return w.Flush()
}

func (c *MigrateCmd) pendingFor(ctx context.Context, rt *runtime, driver tenancy.Driver, tenant *models.Tenant, w *tabwriter.Writer) error {
	if tenant.Driver != "" {
		var err error
		if driver, err = tenancy.ParseDriver(tenant.Driver); err != nil {
			return err
		}
	}

	// Opened directly so nothing is migrated.
	src, err := rt.drivers.Open(ctx, driver, tenant)
	if err != nil {
		return err
	}
	defer src.Close()

	conn, err := src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	pending, err := rt.migrator.Pending(ctx, conn)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		_, _ = fmt.Fprintf(w, "%s\t-\tup to date\n", tenant.Name)
		return nil
	}
	for _, m := range pending {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", tenant.Name, m.Version, m.Name)
	}
	return nil
}
