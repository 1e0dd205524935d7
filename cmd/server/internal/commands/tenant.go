package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/logger"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

// TenantCmd administers the postgres tenant directory.
type TenantCmd struct {
	Create TenantCreateCmd `cmd:"" help:"Register a tenant"`
	List   TenantListCmd   `cmd:"" help:"List tenants"`
	Delete TenantDeleteCmd `cmd:"" help:"Remove a tenant (its database is left untouched)"`
}

type TenantCreateCmd struct {
	Name     string `arg:"" help:"tenant key"`
	URL      string `help:"tenant database connection string" required:""`
	Username string `help:"database user, overrides the URL"`
	Password string `help:"database password, overrides the URL" env:"TENANTDB_TENANT_PASSWORD"`
	Driver   string `help:"driver override (postgres, pgx, or postgres-simple)"`

	Database DatabaseFlags `embed:"" prefix:"db-"`
}

func (c *TenantCreateCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Driver != "" {
		if _, err := tenancy.ParseDriver(c.Driver); err != nil {
			return err
		}
	}

	directory, closeFn, err := openPostgresDirectory(ctx, globals, &c.Database)
	if err != nil {
		return err
	}
	defer closeFn()

	tenant := &models.Tenant{
		Name:        c.Name,
		DatabaseURL: c.URL,
		Username:    c.Username,
		Password:    c.Password,
		Driver:      c.Driver,
	}
	if err := directory.Create(ctx, tenant); err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	log.Info().Str("tenant", tenant.Name).Str("tenant_id", tenant.TenantID.String()).Msg("Tenant created")
	return nil
}

type TenantListCmd struct {
	Database DatabaseFlags `embed:"" prefix:"db-"`
}

func (c *TenantListCmd) Run(ctx context.Context, globals *Globals) error {
	directory, closeFn, err := openPostgresDirectory(ctx, globals, &c.Database)
	if err != nil {
		return err
	}
	defer closeFn()

	tenants, err := directory.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tDRIVER\tURL\tCREATED")
	for _, t := range tenants {
		driver := t.Driver
		if driver == "" {
			driver = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, driver, t.DatabaseURL, t.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

type TenantDeleteCmd struct {
	Name string `arg:"" help:"tenant key"`

	Database DatabaseFlags `embed:"" prefix:"db-"`
}

func (c *TenantDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	directory, closeFn, err := openPostgresDirectory(ctx, globals, &c.Database)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := directory.Delete(ctx, c.Name); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	log.Info().Str("tenant", c.Name).Msg("Tenant deleted")
	return nil
}

// openPostgresDirectory wires the routing core over the postgres directory so
// admin commands read and write it through the default source.
func openPostgresDirectory(ctx context.Context, globals *Globals, db *DatabaseFlags) (store.TenantStore, func(), error) {
	log.Logger = logger.Setup(globals.Debug)

	if db.ConnString == "" {
		return nil, nil, fmt.Errorf("database connection string is required (--db-conn-string or TENANTDB_DATABASE_URL)")
	}

	flags := *db
	flags.MinConns = 1

	rt, err := newRuntime(ctx, &flags,
		&DirectoryFlags{Type: "postgres", AutoMigrate: true},
		&RoutingFlags{DefaultDriver: string(tenancy.DriverPostgres)},
	)
	if err != nil {
		return nil, nil, err
	}

	return rt.directory, rt.Close, nil
}
