package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store"
)

// TenantStore implements store.TenantStore using in-memory storage.
// This implementation is for testing and development - data is lost on restart.
type TenantStore struct {
	mu sync.RWMutex

	tenants map[string]*models.Tenant // name -> Tenant
}

// NewTenantStore creates a new in-memory tenant directory seeded with the
// given tenants. Seed tenants are validated but missing IDs and timestamps are
// filled in.
func NewTenantStore(seed ...*models.Tenant) (*TenantStore, error) {
	s := &TenantStore{
		tenants: make(map[string]*models.Tenant),
	}

	for _, tenant := range seed {
		if err := s.Create(context.Background(), tenant); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Get retrieves a tenant by name.
func (s *TenantStore) Get(ctx context.Context, name string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[name]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	// Clone to avoid external modifications
	clone := *tenant
	return &clone, nil
}

// List returns all tenants ordered by name.
func (s *TenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Tenant, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		clone := *tenant
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result, nil
}

// Create registers a new tenant in memory.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	if err := store.ValidateTenant(tenant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenant.Name]; exists {
		return store.ErrTenantAlreadyExists
	}

	clone := *tenant
	if clone.TenantID == uuid.Nil {
		clone.TenantID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = now
	}
	s.tenants[tenant.Name] = &clone

	return nil
}

// Delete removes a tenant by name.
func (s *TenantStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[name]; !exists {
		return store.ErrTenantNotFound
	}

	delete(s.tenants, name)

	return nil
}
