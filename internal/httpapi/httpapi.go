// Package httpapi is the portal's HTTP surface: session endpoints with
// rotating refresh cookies, app-token issuance, the app registry CRUD and the
// user/role administration API.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"miniportal.org/internal/audit"
	"miniportal.org/internal/auth"
	"miniportal.org/internal/obs"
	"miniportal.org/internal/registry"
)

// ReadyProbe checks backing-store readiness (DB ping). A nil DB is always
// ready, which covers the in-memory store.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CookieOptions shape the refresh-token cookie. An empty SameSite defers to
// the per-flow default: Lax for interactive logins, None for the silent
// cross-site flow.
type CookieOptions struct {
	Domain   string
	Path     string
	Secure   bool
	SameSite string
}

// Options wire the API's collaborators.
type Options struct {
	Auth    *auth.Service
	Store   auth.Store
	Apps    registry.Store
	Probe   ReadyProbe
	Cookie  CookieOptions
	Origins []string
	Version string

	// RateBurst/RatePerSecond configure the per-IP limiter; zero disables it.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	router  *mux.Router
	auth    *auth.Service
	store   auth.Store
	apps    registry.Store
	probe   ReadyProbe
	cookie  CookieOptions
	version string
}

// New builds the router. Route layout: public session endpoints under
// /v1/auth, everything else behind bearer authentication.
func New(opts Options) *API {
	a := &API{
		router:  mux.NewRouter(),
		auth:    opts.Auth,
		store:   opts.Store,
		apps:    opts.Apps,
		probe:   opts.Probe,
		cookie:  opts.Cookie,
		version: opts.Version,
	}
	if a.cookie.Path == "" {
		a.cookie.Path = "/v1/auth"
	}

	r := a.router
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(CORS(opts.Origins))
	if opts.RateBurst > 0 && opts.RatePerSecond > 0 {
		r.Use(RateLimit(opts.RateBurst, opts.RatePerSecond))
	}

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// Session endpoints authenticate by credentials or refresh cookie, not
	// by bearer token.
	session := r.PathPrefix("/v1/auth").Subrouter()
	session.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	session.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	session.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost, http.MethodOptions)
	session.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost, http.MethodOptions)
	session.HandleFunc("/silent", a.handleSilent).Methods(http.MethodGet, http.MethodOptions)

	protected := r.PathPrefix("/v1").Subrouter()
	protected.Use(a.withAuth)
	protected.HandleFunc("/auth/app/login", a.handleAppLogin).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/auth/profile", a.handleProfile).Methods(http.MethodGet, http.MethodOptions)

	protected.HandleFunc("/apps", a.handleAppCreate).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/apps", a.handleAppList).Methods(http.MethodGet)
	protected.HandleFunc("/apps/{id}", a.handleAppGet).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/apps/{id}", a.handleAppUpdate).Methods(http.MethodPut)
	protected.HandleFunc("/apps/{id}", a.handleAppDelete).Methods(http.MethodDelete)

	protected.HandleFunc("/users", a.handleUserList).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/users/{id}", a.handleUserUpdate).Methods(http.MethodPut, http.MethodOptions)
	protected.HandleFunc("/users/{id}/roles", a.handleUserAssignRole).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/roles", a.handleRoleList).Methods(http.MethodGet)
	protected.HandleFunc("/roles", a.handleRoleCreate).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/roles/{id}/permissions", a.handleRolePermissions).Methods(http.MethodPut, http.MethodOptions)
	protected.HandleFunc("/permissions", a.handlePermissionList).Methods(http.MethodGet, http.MethodOptions)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "miniportal-api",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// userProjection rebuilds the public view of a user for responses outside
// the session flow.
func userProjection(u *auth.User) auth.UserInfo {
	return auth.UserInfo{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.LegacyRole,
		Scopes:    auth.DeriveScopes(u),
	}
}
