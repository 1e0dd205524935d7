package file

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
	"github.com/wolfeidau/tenantdb/internal/store/memory"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk layout of a tenant directory file.
//
//	tenants:
//	  - name: acme
//	    url: postgres://db.internal:5432/acme
//	    username: acme_app
//	    password: ${ACME_DB_PASSWORD}
//	    driver: postgres
type Document struct {
	Tenants []TenantEntry `yaml:"tenants"`
}

// TenantEntry is a single tenant in a directory file.
type TenantEntry struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
}

// TenantStore is a read-only tenant directory loaded from a YAML file.
// Environment variable references (${VAR}) in connection parameters are
// expanded at load time so secrets can stay out of the file.
type TenantStore struct {
	path    string
	tenants *memory.TenantStore
}

// Load reads and validates the directory file at path.
func Load(path string) (*TenantStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant directory file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant directory %s: %w", path, err)
	}
	s.path = path

	return s, nil
}

// Parse builds a directory from YAML content.
func Parse(data []byte) (*TenantStore, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seed := make([]*models.Tenant, 0, len(doc.Tenants))
	for _, entry := range doc.Tenants {
		seed = append(seed, &models.Tenant{
			Name:        entry.Name,
			DatabaseURL: os.ExpandEnv(entry.URL),
			Username:    os.ExpandEnv(entry.Username),
			Password:    os.ExpandEnv(entry.Password),
			Driver:      entry.Driver,
		})
	}

	tenants, err := memory.NewTenantStore(seed...)
	if err != nil {
		return nil, err
	}

	log.Debug().Int("count", len(seed)).Msg("Loaded tenant directory")

	return &TenantStore{tenants: tenants}, nil
}

// Get retrieves a tenant by name.
func (s *TenantStore) Get(ctx context.Context, name string) (*models.Tenant, error) {
	return s.tenants.Get(ctx, name)
}

// List returns all tenants ordered by name.
func (s *TenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	return s.tenants.List(ctx)
}

// Create is not supported; edit the file and restart instead.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	return fmt.Errorf("%w: %s", store.ErrReadOnly, s.path)
}

// Delete is not supported; edit the file and restart instead.
func (s *TenantStore) Delete(ctx context.Context, name string) error {
	return fmt.Errorf("%w: %s", store.ErrReadOnly, s.path)
}
