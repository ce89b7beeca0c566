package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/registry"
	"miniportal.org/internal/scope"
	"miniportal.org/internal/store/memory"
)

type fixture struct {
	store *memory.Store
	svc   *auth.Service
	now   *time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.now = f.now.Add(d)
}

func newFixture(t *testing.T, opts ...auth.Option) *fixture {
	t.Helper()
	store := memory.New()
	now := time.Now().Truncate(time.Second)
	f := &fixture{store: store, now: &now}
	base := []auth.Option{
		auth.WithSigningSecret("test-secret"),
		auth.WithPepper("test-pepper"),
		auth.WithClock(f.clock),
	}
	svc, err := auth.NewService(store, registry.NewValidator(store), append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func registerUser(t *testing.T, f *fixture) auth.Session {
	t.Helper()
	session, err := f.svc.Register(context.Background(), auth.RegisterParams{
		Email:    "user@example.com",
		Password: "hunter2!",
	})
	require.NoError(t, err)
	return session
}

// createAdmin inserts a user with the legacy admin role directly, the path
// accounts predating role entities take.
func createAdmin(t *testing.T, f *fixture) *auth.User {
	t.Helper()
	hash, err := auth.HashPassword("s3cret!!")
	require.NoError(t, err)
	u := &auth.User{
		ID:           "admin-1",
		Email:        "admin@example.com",
		PasswordHash: hash,
		LegacyRole:   "admin",
	}
	require.NoError(t, f.store.Users(context.Background()).Create(context.Background(), u))
	return u
}

func TestNewServiceRequiresSecrets(t *testing.T) {
	store := memory.New()
	_, err := auth.NewService(store, registry.NewValidator(store), auth.WithPepper("p"))
	assert.Error(t, err)
	_, err = auth.NewService(store, registry.NewValidator(store), auth.WithSigningSecret("s"))
	assert.Error(t, err)
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	registerUser(t, f)

	session, err := f.svc.Login(context.Background(), "USER@example.com ", "hunter2!")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, []string{auth.ScopeUsersRead}, session.User.Scopes)

	claims, err := f.svc.ParseAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.False(t, claims.IsAppToken())
	assert.Equal(t, []string{auth.ScopeUsersRead}, claims.Scopes)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	registerUser(t, f)

	_, err := f.svc.Login(context.Background(), "user@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	registerUser(t, f)

	_, err := f.svc.Register(context.Background(), auth.RegisterParams{
		Email:    "user@example.com",
		Password: "other",
	})
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)
}

func TestRefreshRotatesAndInvalidatesPredecessor(t *testing.T) {
	f := newFixture(t)
	first := registerUser(t, f)

	second, err := f.svc.Refresh(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The consumed token is revoked and cannot be replayed.
	_, err = f.svc.Refresh(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// The successor still works.
	_, err = f.svc.Refresh(context.Background(), second.RefreshToken)
	assert.NoError(t, err)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	session := registerUser(t, f)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), session.RefreshToken)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, auth.ErrInvalidToken)
			invalid++
		}
	}
	assert.Equal(t, 1, ok, "exactly one rotation may succeed")
	assert.Equal(t, attempts-1, invalid)
}

func TestExpiredRefreshFailsAndStaysRevoked(t *testing.T) {
	f := newFixture(t, auth.WithRefreshTTL(time.Hour))
	session := registerUser(t, f)

	f.advance(2 * time.Hour)
	_, err := f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)

	// The failed validation revoked the row, so a replay is invalid rather
	// than expired.
	_, err = f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	session := registerUser(t, f)

	require.NoError(t, f.svc.Logout(context.Background(), session.RefreshToken))
	require.NoError(t, f.svc.Logout(context.Background(), session.RefreshToken))
	require.NoError(t, f.svc.Logout(context.Background(), ""))

	_, err := f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestDeriveScopesDeterministic(t *testing.T) {
	u := &auth.User{
		LegacyRole: "user",
		Roles: []auth.Role{
			{Name: "ops", Permissions: []auth.Permission{
				{Code: auth.ScopeAppsWrite},
				{Code: auth.ScopeAppsRead},
			}},
			{Name: "audit", Permissions: []auth.Permission{
				{Code: auth.ScopeAppsRead},
				{Code: auth.ScopeRolesRead},
			}},
		},
	}
	first := auth.DeriveScopes(u)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, auth.DeriveScopes(u))
	}
	assert.Equal(t, []string{auth.ScopeAppsRead, auth.ScopeAppsWrite, auth.ScopeRolesRead}, first)
}

func registerApp(t *testing.T, f *fixture, name, origin string, allowed []string) {
	t.Helper()
	app := &registry.App{
		ID:            "app-" + name,
		Name:          name,
		Code:          name,
		Origin:        origin,
		AllowedScopes: allowed,
	}
	require.NoError(t, app.Validate())
	require.NoError(t, f.store.Create(context.Background(), app))
}

func userClaims(t *testing.T, f *fixture, email, password string) *auth.Claims {
	t.Helper()
	session, err := f.svc.Login(context.Background(), email, password)
	require.NoError(t, err)
	claims, err := f.svc.ParseAccessToken(session.AccessToken)
	require.NoError(t, err)
	return claims
}

func TestAppLoginTripleIntersection(t *testing.T) {
	f := newFixture(t)
	createAdmin(t, f)
	registerApp(t, f, "foo", "http://a", []string{auth.ScopeUsersRead, auth.ScopeAppsRead})
	claims := userClaims(t, f, "admin@example.com", "s3cret!!")

	session, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "foo",
		Origin:          "http://a",
		RequestedScopes: []string{auth.ScopeUsersRead, auth.ScopeUsersWrite},
	})
	require.NoError(t, err)

	// users:write is outside the app's allowed set even though the admin
	// holds it; the final set is the triple intersection.
	assert.Equal(t, []string{auth.ScopeUsersRead}, session.Scopes)
	assert.Equal(t, "foo", session.App)

	appClaims, err := f.svc.ParseAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.True(t, appClaims.IsAppToken())
	assert.Equal(t, "foo", appClaims.App)
	assert.Contains(t, appClaims.Audience, auth.AudiencePrefix+"foo")
	assert.Equal(t, claims.Subject, appClaims.Subject)
}

func TestAppLoginNoScopesPermitted(t *testing.T) {
	f := newFixture(t)
	createAdmin(t, f)
	registerApp(t, f, "foo", "http://a", []string{auth.ScopeUsersRead})
	claims := userClaims(t, f, "admin@example.com", "s3cret!!")

	_, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "foo",
		Origin:          "http://a",
		RequestedScopes: []string{"admin:all"},
	})
	assert.ErrorIs(t, err, registry.ErrNoScopesPermitted)
}

func TestAppLoginOriginMismatch(t *testing.T) {
	f := newFixture(t)
	createAdmin(t, f)
	registerApp(t, f, "foo", "http://a", []string{auth.ScopeUsersRead})
	claims := userClaims(t, f, "admin@example.com", "s3cret!!")

	_, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "foo",
		Origin:          "http://evil",
		RequestedScopes: []string{auth.ScopeUsersRead},
	})
	assert.ErrorIs(t, err, registry.ErrOriginMismatch)
}

func TestAppLoginInsufficientUserScopes(t *testing.T) {
	f := newFixture(t)
	registerUser(t, f) // legacy "user" role holds users:read only
	registerApp(t, f, "foo", "http://a", []string{auth.ScopeAppsRead})
	claims := userClaims(t, f, "user@example.com", "hunter2!")

	_, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "foo",
		Origin:          "http://a",
		RequestedScopes: []string{auth.ScopeAppsRead},
	})
	assert.ErrorIs(t, err, auth.ErrInsufficientUserScopes)
}

func TestAppLoginUnknownApp(t *testing.T) {
	f := newFixture(t)
	createAdmin(t, f)
	claims := userClaims(t, f, "admin@example.com", "s3cret!!")

	_, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "ghost",
		Origin:          "http://a",
		RequestedScopes: []string{auth.ScopeUsersRead},
	})
	assert.ErrorIs(t, err, registry.ErrUnknownApp)
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	f := newFixture(t, auth.WithAccessTTL(time.Minute))
	session := registerUser(t, f)

	f.advance(2 * time.Minute)
	_, err := f.svc.ParseAccessToken(session.AccessToken)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestParseAccessTokenRejectsTampered(t *testing.T) {
	f := newFixture(t)
	session := registerUser(t, f)

	_, err := f.svc.ParseAccessToken(session.AccessToken + "x")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestScopeNormalizationAtIngestion(t *testing.T) {
	f := newFixture(t)
	createAdmin(t, f)
	// Legacy "." separators are canonicalized when the app record is stored.
	registerApp(t, f, "legacy", "http://a", []string{"users.read"})
	claims := userClaims(t, f, "admin@example.com", "s3cret!!")

	session, err := f.svc.AppLogin(context.Background(), claims, auth.AppLoginParams{
		AppName:         "legacy",
		Origin:          "http://a",
		RequestedScopes: []string{"users.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{scope.Normalize("users.read")}, session.Scopes)
}
