package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
)

// LedgerTable records applied versions inside the migrated schema.
const LedgerTable = "schema_migrations"

const (
	baselineVersion = 0
	baselineName    = "<< baseline >>"
)

var (
	ErrInvalidMigration = errors.New("invalid migration")
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	ErrOutOfOrder       = errors.New("migration out of order")
)

//go:embed tenants/*.sql
var tenantsFS embed.FS

// Tenants returns a runner for the scripts applied to every tenant database.
func Tenants(schema string) *Runner {
	return New(tenantsFS, "tenants", schema)
}

// DB is the subset of a pgx connection the runner needs. *pgxpool.Conn and
// *pgx.Conn satisfy it. A *pgxpool.Pool also does, but the advisory lock is
// session scoped so callers should pass a single acquired connection.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migration is a single versioned script.
type Migration struct {
	Version  int64
	Name     string
	Checksum int64
	Content  string
}

// AppliedMigration is a row of the ledger.
type AppliedMigration struct {
	Version     int64
	Name        string
	Checksum    int64
	ExecutionMS int32
	InstalledAt time.Time
}

// Result describes what a Migrate call did.
type Result struct {
	Baselined bool
	Applied   []Migration
	Current   int64
}

// Runner applies an ordered set of scripts into a fixed schema.
type Runner struct {
	fsys   fs.FS
	dir    string
	schema string
}

// New creates a runner reading "<version>_<name>.sql" files from dir in fsys.
func New(fsys fs.FS, dir, schema string) *Runner {
	return &Runner{
		fsys:   fsys,
		dir:    dir,
		schema: schema,
	}
}

// Schema returns the schema the runner migrates.
func (r *Runner) Schema() string {
	return r.schema
}

// Load reads and sorts the migration scripts by version.
func (r *Runner) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(r.fsys, r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int64]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version number from filename (e.g., "1_create_settings.sql" -> 1)
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			log.Warn().Str("file", entry.Name()).Msg("Skipping migration file with invalid name format")
			continue
		}

		version, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("Skipping migration file with invalid version number")
			continue
		}
		if version <= baselineVersion {
			return nil, fmt.Errorf("%w: %s: version must be greater than %d", ErrInvalidMigration, entry.Name(), baselineVersion)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %d", ErrInvalidMigration, other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(r.fsys, path.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     entry.Name(),
			Checksum: checksum(content),
			Content:  string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Migrate applies every pending script in ascending version order. A missing
// ledger is created and baselined: at version 0 for an empty schema, so every
// script runs, or at the highest script version when the schema already holds
// tables, so an existing database is adopted as is. Calling Migrate on an up
// to date database applies nothing.
func (r *Runner) Migrate(ctx context.Context, db DB) (*Result, error) {
	migrations, err := r.Load()
	if err != nil {
		return nil, err
	}

	if err := r.lock(ctx, db); err != nil {
		return nil, err
	}
	defer r.unlock(ctx, db)

	baselined, err := r.ensureLedger(ctx, db, migrations)
	if err != nil {
		return nil, err
	}

	applied, err := r.Applied(ctx, db)
	if err != nil {
		return nil, err
	}

	pending, err := plan(migrations, applied)
	if err != nil {
		return nil, err
	}

	result := &Result{Baselined: baselined, Current: currentVersion(applied)}

	for _, m := range pending {
		if err := r.apply(ctx, db, m); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		result.Applied = append(result.Applied, m)
		result.Current = m.Version
	}

	log.Info().
		Str("schema", r.schema).
		Int("applied", len(result.Applied)).
		Int64("version", result.Current).
		Msg("Migrations up to date")

	return result, nil
}

// Pending returns the scripts Migrate would apply, without taking the lock or
// changing the database.
func (r *Runner) Pending(ctx context.Context, db DB) ([]Migration, error) {
	migrations, err := r.Load()
	if err != nil {
		return nil, err
	}

	exists, err := r.ledgerExists(ctx, db)
	if err != nil {
		return nil, err
	}
	if !exists {
		populated, err := r.schemaPopulated(ctx, db)
		if err != nil {
			return nil, err
		}
		if populated {
			return nil, nil
		}
		return migrations, nil
	}

	applied, err := r.Applied(ctx, db)
	if err != nil {
		return nil, err
	}

	return plan(migrations, applied)
}

// Applied returns the ledger rows ordered by version, including the baseline.
func (r *Runner) Applied(ctx context.Context, db DB) ([]AppliedMigration, error) {
	query := fmt.Sprintf(`
		SELECT version, name, checksum, execution_ms, installed_at
		FROM %s
		ORDER BY version
	`, r.ledger())

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.ExecutionMS, &a.InstalledAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		applied = append(applied, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration ledger: %w", err)
	}

	return applied, nil
}

func (r *Runner) apply(ctx context.Context, db DB, m Migration) error {
	started := time.Now()

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{r.schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}

	log.Info().Str("schema", r.schema).Int64("version", m.Version).Str("name", m.Name).Msg("Applying migration")

	if _, err := tx.Exec(ctx, m.Content); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (version, name, checksum, execution_ms)
		VALUES ($1, $2, $3, $4)
	`, r.ledger())
	if _, err := tx.Exec(ctx, insert, m.Version, m.Name, m.Checksum, int32(time.Since(started).Milliseconds())); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	log.Info().
		Str("schema", r.schema).
		Int64("version", m.Version).
		Str("name", m.Name).
		Dur("duration", time.Since(started)).
		Msg("Migration applied successfully")

	return nil
}

// ensureLedger creates the schema and the ledger table when missing. A newly
// created ledger gets a baseline row so the first run is not an error.
func (r *Runner) ensureLedger(ctx context.Context, db DB, migrations []Migration) (bool, error) {
	if _, err := db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{r.schema}.Sanitize()); err != nil {
		return false, fmt.Errorf("failed to create schema %s: %w", r.schema, err)
	}

	exists, err := r.ledgerExists(ctx, db)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	populated, err := r.schemaPopulated(ctx, db)
	if err != nil {
		return false, err
	}

	version := int64(baselineVersion)
	if populated && len(migrations) > 0 {
		version = migrations[len(migrations)-1].Version
	}

	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version      BIGINT PRIMARY KEY,
			name         TEXT NOT NULL,
			checksum     BIGINT NOT NULL,
			execution_ms INTEGER NOT NULL DEFAULT 0,
			installed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, r.ledger())
	if _, err := db.Exec(ctx, create); err != nil {
		return false, fmt.Errorf("failed to create migration ledger: %w", err)
	}

	baseline := fmt.Sprintf(`
		INSERT INTO %s (version, name, checksum)
		VALUES ($1, $2, 0)
		ON CONFLICT (version) DO NOTHING
	`, r.ledger())
	if _, err := db.Exec(ctx, baseline, version, baselineName); err != nil {
		return false, fmt.Errorf("failed to baseline migration ledger: %w", err)
	}

	log.Info().
		Str("schema", r.schema).
		Int64("version", version).
		Bool("existing_objects", populated).
		Msg("Baselined migration ledger")

	return true, nil
}

func (r *Runner) ledgerExists(ctx context.Context, db DB) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL`, r.ledger()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check migration ledger: %w", err)
	}
	return exists, nil
}

// schemaPopulated reports whether the schema holds any table, view or
// sequence.
func (r *Runner) schemaPopulated(ctx context.Context, db DB) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relkind IN ('r', 'p', 'v', 'm', 'S')
		)
	`

	var populated bool
	if err := db.QueryRow(ctx, query, r.schema).Scan(&populated); err != nil {
		return false, fmt.Errorf("failed to inspect schema %s: %w", r.schema, err)
	}
	return populated, nil
}

func (r *Runner) lock(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, r.lockID()); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return nil
}

func (r *Runner) unlock(ctx context.Context, db DB) {
	// The lock is held by the session, so release it even if ctx is done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := db.Exec(ctx, `SELECT pg_advisory_unlock($1)`, r.lockID()); err != nil {
		log.Warn().Err(err).Str("schema", r.schema).Msg("Failed to release migration lock")
	}
}

func (r *Runner) lockID() int64 {
	return checksum([]byte("tenantdb.migrate:" + r.schema))
}

func (r *Runner) ledger() string {
	return pgx.Identifier{r.schema, LedgerTable}.Sanitize()
}

// plan validates the ledger against the scripts and returns the scripts that
// still need to run. Scripts at or below the baseline are treated as applied.
func plan(migrations []Migration, applied []AppliedMigration) ([]Migration, error) {
	byVersion := make(map[int64]AppliedMigration, len(applied))
	var baseline int64 = baselineVersion
	for _, a := range applied {
		if a.Name == baselineName {
			baseline = max(baseline, a.Version)
			continue
		}
		byVersion[a.Version] = a
	}
	highest := currentVersion(applied)

	var pending []Migration
	for _, m := range migrations {
		if m.Version <= baseline {
			continue
		}
		if a, ok := byVersion[m.Version]; ok {
			if a.Checksum != m.Checksum {
				return nil, fmt.Errorf("%w: %s applied with checksum %d, script has %d",
					ErrChecksumMismatch, m.Name, a.Checksum, m.Checksum)
			}
			continue
		}
		if m.Version < highest {
			return nil, fmt.Errorf("%w: %s is older than applied version %d", ErrOutOfOrder, m.Name, highest)
		}
		pending = append(pending, m)
	}

	return pending, nil
}

func currentVersion(applied []AppliedMigration) int64 {
	var highest int64 = baselineVersion
	for _, a := range applied {
		if a.Version > highest {
			highest = a.Version
		}
	}
	return highest
}

// checksum computes a CRC64-NVME checksum stored as a signed BIGINT.
func checksum(data []byte) int64 {
	h := crc64nvme.New()
	h.Write(data)
	return int64(h.Sum64())
}
