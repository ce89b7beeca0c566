package httpapi

import (
	"errors"
	"net/http"
	"time"

	"miniportal.org/internal/audit"
	"miniportal.org/internal/auth"
	"miniportal.org/internal/registry"
)

const refreshCookieName = "refresh_token"

type credentialsRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type sessionResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   int64         `json:"expires_at"`
	User        auth.UserInfo `json:"user"`
}

func sessionBody(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   s.AccessExpiresAt.Unix(),
		User:        s.User,
	}
}

// setRefreshCookie writes the rotating refresh cookie. The silent flow runs
// cross-site inside a hidden frame and needs SameSite=None, which browsers
// only accept on secure cookies; interactive flows default to Lax.
func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time, silent bool) {
	c := &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     a.cookie.Path,
		Domain:   a.cookie.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
	}
	switch a.cookie.SameSite {
	case "strict":
		c.SameSite = http.SameSiteStrictMode
	case "lax":
		c.SameSite = http.SameSiteLaxMode
	case "none":
		c.SameSite = http.SameSiteNoneMode
	default:
		if silent {
			c.SameSite = http.SameSiteNoneMode
		} else {
			c.SameSite = http.SameSiteLaxMode
		}
	}
	if c.SameSite == http.SameSiteNoneMode {
		c.Secure = true
	}
	http.SetCookie(w, c)
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     a.cookie.Path,
		Domain:   a.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{"email": req.Email})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	a.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt, false)
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusOK, sessionBody(session))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.auth.Register(r.Context(), auth.RegisterParams{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadyExists):
			writeError(w, r, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, "email and password are required")
		default:
			writeError(w, r, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	a.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt, false)
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusCreated, sessionBody(session))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, r, http.StatusUnauthorized, "missing refresh token")
		return
	}
	session, err := a.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		a.clearRefreshCookie(w)
		_ = audit.LogEvent(r.Context(), "auth.refresh.failed", nil)
		writeError(w, r, http.StatusUnauthorized, "refresh failed")
		return
	}
	a.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt, false)
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusOK, sessionBody(session))
}

// handleLogout revokes the presented refresh token and clears the cookie. It
// always reports success: a missing or already-revoked token leaves the
// caller in the desired state.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		_ = a.auth.Logout(r.Context(), cookie.Value)
		_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type silentResponse struct {
	Authenticated bool           `json:"authenticated"`
	Reason        string         `json:"reason,omitempty"`
	AccessToken   string         `json:"access_token,omitempty"`
	ExpiresAt     int64          `json:"expires_at,omitempty"`
	User          *auth.UserInfo `json:"user,omitempty"`
	Trace         []string       `json:"trace,omitempty"`
}

// handleSilent is the hidden-frame session probe. It never returns a
// non-200: any failure is reported in the body so the embedding page can
// fall back to an interactive login without handling errors.
func (a *API) handleSilent(w http.ResponseWriter, r *http.Request) {
	trace := r.URL.Query().Get("trace") == "1"
	var steps []string
	step := func(s string) {
		if trace {
			steps = append(steps, s)
		}
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		step("no refresh cookie presented")
		writeJSON(w, http.StatusOK, silentResponse{
			Authenticated: false,
			Reason:        "no_refresh_cookie",
			Trace:         steps,
		})
		return
	}
	step("refresh cookie present")

	session, err := a.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		step("rotation failed: " + err.Error())
		a.clearRefreshCookie(w)
		writeJSON(w, http.StatusOK, silentResponse{
			Authenticated: false,
			Reason:        "refresh_failed",
			Trace:         steps,
		})
		return
	}
	step("rotation succeeded")

	a.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt, true)
	_ = audit.LogEvent(r.Context(), "auth.silent", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusOK, silentResponse{
		Authenticated: true,
		AccessToken:   session.AccessToken,
		ExpiresAt:     session.AccessExpiresAt.Unix(),
		User:          &session.User,
		Trace:         steps,
	})
}

type appLoginRequest struct {
	AppName         string   `json:"appName"`
	Origin          string   `json:"origin"`
	RequestedScopes []string `json:"requestedScopes"`
}

type appTokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresAt   int64    `json:"expires_at"`
	Scopes      []string `json:"scopes"`
	App         string   `json:"app"`
}

func (a *API) handleAppLogin(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if claims.IsAppToken() {
		writeError(w, r, http.StatusForbidden, "app tokens cannot mint app tokens")
		return
	}
	var req appLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.auth.AppLogin(r.Context(), claims, auth.AppLoginParams{
		AppName:         req.AppName,
		Origin:          req.Origin,
		RequestedScopes: req.RequestedScopes,
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.app_login.denied", map[string]any{
			"app":    req.AppName,
			"origin": req.Origin,
			"reason": err.Error(),
		})
		switch {
		case errors.Is(err, registry.ErrUnknownApp):
			writeError(w, r, http.StatusNotFound, "unknown app")
		case errors.Is(err, registry.ErrOriginMismatch):
			writeError(w, r, http.StatusForbidden, "origin not allowed for app")
		case errors.Is(err, registry.ErrNoScopesPermitted):
			writeError(w, r, http.StatusForbidden, "no requested scopes permitted for app")
		case errors.Is(err, auth.ErrInsufficientUserScopes):
			writeError(w, r, http.StatusForbidden, "user lacks every requested scope")
		default:
			writeError(w, r, http.StatusInternalServerError, "app token issuance failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.app_login", map[string]any{
		"app":    session.App,
		"scopes": session.Scopes,
	})
	writeJSON(w, http.StatusOK, appTokenResponse{
		AccessToken: session.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   session.ExpiresAt.Unix(),
		Scopes:      session.Scopes,
		App:         session.App,
	})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	info := userProjection(user)
	if claims.IsAppToken() {
		// App tokens see the narrowed scope set they were minted with.
		info.Scopes = claims.Scopes
	}
	writeJSON(w, http.StatusOK, info)
}
