package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tenantdb/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Serve   commands.ServeCmd   `cmd:"" help:"Start the tenant routing server"`
		Migrate commands.MigrateCmd `cmd:"" help:"Create and migrate every tenant database, then exit"`
		Tenant  commands.TenantCmd  `cmd:"" help:"Administer the PostgreSQL tenant directory"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
