package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"miniportal.org/internal/audit"
	"miniportal.org/internal/auth"
	"miniportal.org/internal/ids"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type updateUserRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func handleAuthStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	default:
		writeError(w, r, http.StatusInternalServerError, "store error")
	}
}

func (a *API) handleUserList(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeUsersRead) {
		return
	}
	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	items := make([]auth.UserInfo, 0, len(users))
	for _, u := range users {
		items = append(items, userProjection(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeUsersWrite) {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	users := a.store.Users(r.Context())
	user, err := users.Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	user.FirstName = req.FirstName
	user.LastName = req.LastName
	if err := users.Update(r.Context(), user); err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.update", map[string]any{
		"target_user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, userProjection(user))
}

func (a *API) handleUserAssignRole(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeUsersWrite, auth.ScopeRolesRead) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := mux.Vars(r)["id"]
	if err := a.store.Roles(r.Context()).AssignToUser(r.Context(), userID, req.RoleID); err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.assign", map[string]any{
		"target_user_id": userID,
		"role_id":        req.RoleID,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleRoleList(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeRolesRead) {
		return
	}
	roles, err := a.store.Roles(r.Context()).List(r.Context())
	if err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleRoleCreate(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeRolesWrite) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := &auth.Role{
		ID:          ids.New(),
		Name:        req.Name,
		Description: req.Description,
	}
	if err := a.store.Roles(r.Context()).Create(r.Context(), role); err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopeRolesWrite) {
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID := mux.Vars(r)["id"]
	if err := a.store.Permissions(r.Context()).SetForRole(r.Context(), roleID, req.Permissions); err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions", map[string]any{
		"role_id":     roleID,
		"permissions": req.Permissions,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handlePermissionList(w http.ResponseWriter, r *http.Request) {
	if !a.requireScopes(w, r, auth.ScopePermissionsRead) {
		return
	}
	perms, err := a.store.Permissions(r.Context()).List(r.Context())
	if err != nil {
		handleAuthStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}
