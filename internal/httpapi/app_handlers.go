package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"miniportal.org/internal/audit"
	"miniportal.org/internal/ids"
	"miniportal.org/internal/registry"
)

type appRequest struct {
	Name          string   `json:"name"`
	Code          string   `json:"code"`
	Origin        string   `json:"origin"`
	Icon          string   `json:"icon"`
	AllowedScopes []string `json:"allowed_scopes"`
	RemoteEntry   string   `json:"remote_entry"`
}

func (req appRequest) toApp() *registry.App {
	return &registry.App{
		Name:          req.Name,
		Code:          req.Code,
		Origin:        req.Origin,
		Icon:          req.Icon,
		AllowedScopes: req.AllowedScopes,
		RemoteEntry:   req.RemoteEntry,
	}
}

func handleRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "app not found")
	case errors.Is(err, registry.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "app name or code already in use")
	case errors.Is(err, registry.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid app record")
	default:
		writeError(w, r, http.StatusInternalServerError, "registry error")
	}
}

func (a *API) handleAppCreate(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	app := req.toApp()
	app.ID = ids.New()
	if err := app.Validate(); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	if err := a.apps.Create(r.Context(), app); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.app.create", map[string]any{
		"app_id": app.ID,
		"name":   app.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/apps/%s", app.ID))
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleAppList(w http.ResponseWriter, r *http.Request) {
	apps, err := a.apps.List(r.Context())
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": apps})
}

func (a *API) handleAppGet(w http.ResponseWriter, r *http.Request) {
	app, err := a.apps.Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleAppUpdate(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	app := req.toApp()
	app.ID = mux.Vars(r)["id"]
	if err := app.Validate(); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	if err := a.apps.Update(r.Context(), app); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.app.update", map[string]any{"app_id": app.ID})
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleAppDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.apps.Delete(r.Context(), id); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.app.delete", map[string]any{"app_id": id})
	w.WriteHeader(http.StatusNoContent)
}
