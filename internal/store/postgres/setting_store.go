package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
)

// SettingStore reads and writes the settings table of a tenant database.
// It is bound to one borrowed connection, so queries resolve against that
// connection's search path.
type SettingStore struct {
	db migrate.DB
}

// NewSettingStore creates a settings store using db.
func NewSettingStore(db migrate.DB) *SettingStore {
	return &SettingStore{db: db}
}

// Get returns the setting for key, or store.ErrSettingNotFound.
func (s *SettingStore) Get(ctx context.Context, key string) (*models.Setting, error) {
	row := s.db.QueryRow(ctx, `SELECT key, value, updated_at FROM settings WHERE key = $1`, key)

	var setting models.Setting
	if err := row.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSettingNotFound
		}
		return nil, fmt.Errorf("failed to get setting: %w", mapPostgresError(err))
	}

	return &setting, nil
}

// Put creates or replaces the value for key.
func (s *SettingStore) Put(ctx context.Context, key, value string) (*models.Setting, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING key, value, updated_at
	`, key, value)

	var setting models.Setting
	if err := row.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to put setting: %w", mapPostgresError(err))
	}

	return &setting, nil
}

// List returns every setting ordered by key.
func (s *SettingStore) List(ctx context.Context) ([]*models.Setting, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		var setting models.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, &setting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return settings, nil
}
