package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantdb/internal/store"
	"github.com/wolfeidau/tenantdb/internal/tenancy"
)

// StatusForError maps routing and directory errors onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, tenancy.ErrUnknownTenant),
		errors.Is(err, store.ErrTenantNotFound),
		errors.Is(err, store.ErrSettingNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenancy.ErrSourceCreation),
		errors.Is(err, tenancy.ErrMigration),
		errors.Is(err, tenancy.ErrAcquireTimeout),
		errors.Is(err, tenancy.ErrCacheClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, tenancy.ErrNoDefaultSource),
		errors.Is(err, store.ErrInvalidTenant),
		errors.Is(err, ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTenantAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrReadOnly):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// WriteError logs err and writes it as a JSON error body. Internal errors
// are not echoed to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}

	zerolog.Ctx(r.Context()).Warn().Err(err).Int("status", status).Msg("request failed")

	WriteJSON(w, status, errorResponse{Error: msg})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
