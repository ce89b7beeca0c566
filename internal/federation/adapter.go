// Package federation adapts host capabilities for module-federation style
// remotes that run in-process with the shell instead of behind a frame
// boundary. Remotes receive a capability struct rather than bus access, so a
// remote can only do what the host explicitly handed it.
package federation

import (
	"context"
	"errors"
	"time"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/registry"
	"miniportal.org/internal/scope"
	"miniportal.org/internal/shell"
	"miniportal.org/internal/tokencache"
)

// TokenMargin is how much validity must remain before a cached token is
// reused instead of requesting a fresh one.
const TokenMargin = 30 * time.Second

// Issuer issues app-scoped tokens. shell.ServiceIssuer and *shell.Client
// both satisfy it.
type Issuer interface {
	IssueAppToken(ctx context.Context, appName, origin string, scopes []string) (shell.AppToken, error)
}

// Options configure an Adapter.
type Options struct {
	// AppName is the remote this adapter serves tokens for.
	AppName string
	Origin  string
	// DefaultScopes apply when RequestToken is called with none.
	DefaultScopes []string
	Issuer        Issuer
	// Cache may be shared between adapters; keys embed the app name so
	// entries never cross apps. Nil builds a private cache.
	Cache *tokencache.Cache
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Adapter hands tokens to one in-process remote, caching per scope set.
type Adapter struct {
	appName string
	origin  string
	scopes  []string
	issuer  Issuer
	cache   *tokencache.Cache
}

// NewAdapter validates options and builds an adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.AppName == "" {
		return nil, errors.New("federation: app name is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("federation: issuer is required")
	}
	cache := opts.Cache
	if cache == nil {
		cache = tokencache.New(TokenMargin, opts.Clock)
	}
	return &Adapter{
		appName: opts.AppName,
		origin:  opts.Origin,
		scopes:  scope.Canon(opts.DefaultScopes),
		issuer:  opts.Issuer,
		cache:   cache,
	}, nil
}

func (a *Adapter) cacheKey(scopes []string) string {
	return a.appName + "\x00" + scope.Key(scopes)
}

// RequestToken returns an access token covering scopes, minting one only
// when no cached token with more than TokenMargin validity exists.
func (a *Adapter) RequestToken(ctx context.Context, scopes []string) (string, error) {
	scopes = scope.Canon(scopes)
	if scopes == nil {
		scopes = a.scopes
	}
	key := a.cacheKey(scopes)
	if e, ok := a.cache.Get(key); ok {
		return e.Token, nil
	}
	tok, err := a.issuer.IssueAppToken(ctx, a.appName, a.origin, scopes)
	if err != nil {
		return "", err
	}
	a.cache.Put(key, tokencache.Entry{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
	return tok.Token, nil
}

// ClearCache drops cached tokens for every scope set. With a shared cache
// this clears other adapters' entries too, which is the intent on logout.
func (a *Adapter) ClearCache() {
	a.cache.Clear()
}

// ProfileFunc fetches the signed-in user's profile.
type ProfileFunc func(ctx context.Context) (auth.UserInfo, error)

// AppsFunc lists the registered applications.
type AppsFunc func(ctx context.Context) ([]registry.App, error)

// LogoutFunc ends the portal session.
type LogoutFunc func(ctx context.Context) error

// RemoteProps is the capability set handed to a remote. Every capability
// except RequestToken is optional; absent ones answer with neutral zero
// values instead of failing, so remotes never need nil checks.
type RemoteProps struct {
	adapter    *Adapter
	getProfile ProfileFunc
	getApps    AppsFunc
	logout     LogoutFunc
}

// PropsOption grants an optional capability.
type PropsOption func(*RemoteProps)

// WithProfile grants profile access.
func WithProfile(f ProfileFunc) PropsOption {
	return func(p *RemoteProps) { p.getProfile = f }
}

// WithApps grants app-catalog access.
func WithApps(f AppsFunc) PropsOption {
	return func(p *RemoteProps) { p.getApps = f }
}

// WithLogout grants session termination.
func WithLogout(f LogoutFunc) PropsOption {
	return func(p *RemoteProps) { p.logout = f }
}

// NewRemoteProps builds the capability set around a token adapter.
func NewRemoteProps(a *Adapter, opts ...PropsOption) *RemoteProps {
	p := &RemoteProps{adapter: a}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestToken mints or reuses an access token for scopes.
func (p *RemoteProps) RequestToken(ctx context.Context, scopes []string) (string, error) {
	return p.adapter.RequestToken(ctx, scopes)
}

// Profile returns the user profile, or a zero profile when the capability
// was not granted.
func (p *RemoteProps) Profile(ctx context.Context) (auth.UserInfo, error) {
	if p.getProfile == nil {
		return auth.UserInfo{}, nil
	}
	return p.getProfile(ctx)
}

// Apps returns the app catalog, or an empty catalog when the capability was
// not granted.
func (p *RemoteProps) Apps(ctx context.Context) ([]registry.App, error) {
	if p.getApps == nil {
		return nil, nil
	}
	return p.getApps(ctx)
}

// Logout ends the session if the capability was granted and always drops
// cached tokens.
func (p *RemoteProps) Logout(ctx context.Context) error {
	defer p.adapter.ClearCache()
	if p.logout == nil {
		return nil
	}
	return p.logout(ctx)
}
