package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/migrate"
)

// DirectorySchema holds the tenant directory tables in the default database.
const DirectorySchema = "directory"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations executes all pending directory migrations in order.
// Migrations are tracked in the directory.schema_migrations table.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running directory migrations")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", mapPostgresError(err))
	}
	defer conn.Release()

	result, err := migrate.New(migrationsFS, "migrations", DirectorySchema).Migrate(ctx, conn)
	if err != nil {
		return fmt.Errorf("directory migrations failed: %w", mapPostgresError(err))
	}

	log.Info().Int("applied", len(result.Applied)).Int64("version", result.Current).Msg("All directory migrations completed successfully")
	return nil
}
