package server

import (
	"net/http"
	"time"

	httpmiddleware "github.com/wolfeidau/tenantdb/internal/http"
	"github.com/wolfeidau/tenantdb/internal/migrate"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

type migrationResponse struct {
	Version     int64      `json:"version"`
	Name        string     `json:"name"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
}

type migrationsResponse struct {
	Tenant  string              `json:"tenant"`
	Schema  string              `json:"schema"`
	Applied []migrationResponse `json:"applied"`
	Pending []migrationResponse `json:"pending"`
}

// listMigrations reports the ledger of the active tenant. Sources are
// migrated when first resolved, so pending is normally empty.
func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := tenancy.TenantFromContext(ctx)
	if !ok {
		httpmiddleware.WriteError(w, r, httpmiddleware.ErrTenantRequired)
		return
	}

	var (
		applied []migrate.AppliedMigration
		pending []migrate.Migration
	)
	err := s.cfg.Router.WithConn(ctx, func(conn tenancy.Conn) error {
		var err error
		if applied, err = s.cfg.Migrator.Applied(ctx, conn); err != nil {
			return err
		}
		pending, err = s.cfg.Migrator.Pending(ctx, conn)
		return err
	})
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	resp := migrationsResponse{
		Tenant:  tenant,
		Schema:  s.cfg.Migrator.Schema(),
		Applied: make([]migrationResponse, 0, len(applied)),
		Pending: make([]migrationResponse, 0, len(pending)),
	}
	for _, m := range applied {
		installed := m.InstalledAt
		resp.Applied = append(resp.Applied, migrationResponse{Version: m.Version, Name: m.Name, InstalledAt: &installed})
	}
	for _, m := range pending {
		resp.Pending = append(resp.Pending, migrationResponse{Version: m.Version, Name: m.Name})
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, resp)
}
