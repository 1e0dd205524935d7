package server

import (
	"net/http"
	"time"

	httpmiddleware "github.com/wolfeidau/tenantdb/internal/http"
	"github.com/wolfeidau/tenantdb/internal/models"
)

type tenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	Driver    string    `json:"driver,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newTenantResponse(t *models.Tenant) tenantResponse {
	t = t.Redacted()
	return tenantResponse{
		ID:        t.TenantID.String(),
		Name:      t.Name,
		URL:       t.DatabaseURL,
		Username:  t.Username,
		Password:  t.Password,
		Driver:    t.Driver,
		CreatedAt: t.CreatedAt,
	}
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.cfg.Directory.List(r.Context())
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	resp := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		resp = append(resp, newTenantResponse(t))
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, map[string]any{"tenants": resp})
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.cfg.Directory.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, newTenantResponse(tenant))
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	var cached []string
	if s.cfg.Cache != nil {
		cached = s.cfg.Cache.Tenants()
	}
	if cached == nil {
		cached = []string{}
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, map[string]any{"tenants": cached})
}
