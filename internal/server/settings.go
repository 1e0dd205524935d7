package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	httpmiddleware "github.com/wolfeidau/tenantdb/internal/http"
	"github.com/wolfeidau/tenantdb/internal/models"
	"github.com/wolfeidau/tenantdb/internal/store/postgres"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

const maxSettingBytes = 64 * 1024

type settingResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSettingResponse(s *models.Setting) settingResponse {
	return settingResponse{Key: s.Key, Value: s.Value, UpdatedAt: s.UpdatedAt}
}

type putSettingRequest struct {
	Value *string `json:"value"`
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := tenancy.TenantFromContext(ctx); !ok {
		httpmiddleware.WriteError(w, r, httpmiddleware.ErrTenantRequired)
		return
	}

	var settings []*models.Setting
	err := s.cfg.Router.WithConn(ctx, func(conn tenancy.Conn) error {
		var err error
		settings, err = postgres.NewSettingStore(conn).List(ctx)
		return err
	})
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	resp := make([]settingResponse, 0, len(settings))
	for _, setting := range settings {
		resp = append(resp, newSettingResponse(setting))
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, map[string]any{"settings": resp})
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := tenancy.TenantFromContext(ctx); !ok {
		httpmiddleware.WriteError(w, r, httpmiddleware.ErrTenantRequired)
		return
	}

	var setting *models.Setting
	err := s.cfg.Router.WithConn(ctx, func(conn tenancy.Conn) error {
		var err error
		setting, err = postgres.NewSettingStore(conn).Get(ctx, r.PathValue("key"))
		return err
	})
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, newSettingResponse(setting))
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := tenancy.TenantFromContext(ctx)
	if !ok {
		httpmiddleware.WriteError(w, r, httpmiddleware.ErrTenantRequired)
		return
	}

	var req putSettingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingBytes)).Decode(&req); err != nil || req.Value == nil {
		if err == nil {
			err = errors.New("value is required")
		}
		httpmiddleware.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	var setting *models.Setting
	err := s.cfg.Router.WithConn(ctx, func(conn tenancy.Conn) error {
		var err error
		setting, err = postgres.NewSettingStore(conn).Put(ctx, r.PathValue("key"), *req.Value)
		return err
	})
	if err != nil {
		httpmiddleware.WriteError(w, r, err)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("tenant", tenant).
		Str("key", setting.Key).
		Str("client_ip", httpmiddleware.ClientIPFromContext(ctx)).
		Msg("Setting updated")

	httpmiddleware.WriteJSON(w, http.StatusOK, newSettingResponse(setting))
}
