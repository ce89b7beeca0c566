// Package registry holds the catalog of embeddable applications and the
// policy check every app-scoped token request must pass.
package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"miniportal.org/internal/scope"
)

var (
	ErrNotFound      = errors.New("registry: app not found")
	ErrAlreadyExists = errors.New("registry: app already exists")
	ErrInvalidInput  = errors.New("registry: invalid input")

	// Validation failures, in rule order.
	ErrUnknownApp        = errors.New("registry: unknown app")
	ErrOriginMismatch    = errors.New("registry: origin mismatch")
	ErrNoScopesPermitted = errors.New("registry: no requested scopes permitted")
)

// codePattern constrains app codes to URL- and path-safe identifiers.
var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// App is a registered embeddable application. Origin is the expected
// postMessage/CORS origin of the running app; AllowedScopes bounds what the
// app may ever request; RemoteEntry points at a federated bundle when the app
// is loaded in-process instead of in an iframe.
type App struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code"`
	Origin        string    `json:"origin,omitempty"`
	Icon          string    `json:"icon,omitempty"`
	AllowedScopes []string  `json:"allowed_scopes,omitempty"`
	RemoteEntry   string    `json:"remote_entry,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks record invariants before persistence. Scopes are stored in
// canonical form so later comparisons never normalize at runtime.
func (a *App) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrInvalidInput
	}
	if !codePattern.MatchString(a.Code) {
		return ErrInvalidInput
	}
	a.AllowedScopes = scope.Canon(a.AllowedScopes)
	return nil
}

// Store manages registered app records. Name and Code are unique.
type Store interface {
	Create(ctx context.Context, app *App) error
	Find(ctx context.Context, id string) (*App, error)
	FindByName(ctx context.Context, name string) (*App, error)
	List(ctx context.Context) ([]*App, error)
	Update(ctx context.Context, app *App) error
	Delete(ctx context.Context, id string) error
}

// Validator checks an app-token request against the registry. Pure policy
// aside from the registry lookup.
type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate applies the admission rules in order: the app must exist; a
// declared origin must match the caller-supplied one exactly; at least one
// requested scope must fall inside the app's allowed set. Returns the app and
// the sorted granted scopes.
func (v *Validator) Validate(ctx context.Context, appName, origin string, requestedScopes []string) (*App, []string, error) {
	app, err := v.store.FindByName(ctx, appName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrUnknownApp
		}
		return nil, nil, err
	}
	if app.Origin != "" && app.Origin != origin {
		return nil, nil, ErrOriginMismatch
	}
	granted := scope.Intersect(requestedScopes, app.AllowedScopes)
	if len(granted) == 0 {
		return nil, nil, ErrNoScopesPermitted
	}
	return app, granted, nil
}
