package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"miniportal.org/internal/ids"
	"miniportal.org/internal/obs"
	"miniportal.org/internal/registry"
	"miniportal.org/internal/scope"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour

	refreshSecretBytes = 48
)

// Service implements the authentication core: credential checks, scope
// derivation, refresh token rotation and user/app access token issuance.
type Service struct {
	store Store
	apps  *registry.Validator
	now   func() time.Time

	secret []byte
	pepper string
	issuer string

	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithSigningSecret sets the HS256 secret for access tokens.
func WithSigningSecret(secret string) Option {
	return func(s *Service) error {
		s.secret = []byte(secret)
		return nil
	}
}

// WithPepper sets the server pepper mixed into refresh token hashes.
func WithPepper(pepper string) Option {
	return func(s *Service) error {
		s.pepper = pepper
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the auth service. It refuses to start without a
// signing secret and a refresh pepper: an empty pepper would silently
// downgrade token hashes to unsalted SHA-256.
func NewService(store Store, apps *registry.Validator, opts ...Option) (*Service, error) {
	svc := &Service{
		store:      store,
		apps:       apps,
		now:        time.Now,
		issuer:     "miniportal",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if svc.pepper == "" {
		return nil, errors.New("auth: refresh token pepper is required")
	}
	return svc, nil
}

// EnsureBuiltins ensures predefined permissions exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Session is the result of login, register and refresh: a signed access token
// plus the one-time plaintext refresh token.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             UserInfo
}

// RegisterParams are the inputs for account creation.
type RegisterParams struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Login authenticates credentials and opens a fresh session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Session{}, ErrUnauthorized
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrUnauthorized
	}
	return s.openSession(ctx, user)
}

// Register creates an account with the default legacy role and opens a
// session for it.
func (s *Service) Register(ctx context.Context, p RegisterParams) (Session, error) {
	email := strings.TrimSpace(strings.ToLower(p.Email))
	if email == "" || p.Password == "" {
		return Session{}, ErrInvalidInput
	}
	users := s.store.Users(ctx)
	if _, err := users.FindByEmail(ctx, email); err == nil {
		return Session{}, ErrAlreadyExists
	}
	hash, err := HashPassword(p.Password)
	if err != nil {
		return Session{}, err
	}
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(p.FirstName),
		LastName:     strings.TrimSpace(p.LastName),
		LegacyRole:   "user",
	}
	if err := users.Create(ctx, user); err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, user)
}

// Refresh rotates the presented refresh token and issues a new session.
// Scopes are re-derived from the current role/permission graph on every
// rotation; assignments made since login take effect here.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Consume(ctx, s.hashRefreshToken(refreshToken))
	if err != nil {
		obs.RefreshRotation("invalid")
		return Session{}, ErrInvalidToken
	}
	if s.now().After(rec.ExpiresAt) {
		// Consume already revoked the row; expired tokens stay revoked.
		obs.RefreshRotation("expired")
		return Session{}, ErrExpiredToken
	}
	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		obs.RefreshRotation("invalid")
		return Session{}, ErrInvalidToken
	}

	session, newHash, err := s.mintSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	if err := tokens.SetReplacedBy(ctx, rec.ID, newHash); err != nil {
		return Session{}, err
	}
	obs.RefreshRotation("ok")
	return session, nil
}

// Logout revokes the presented refresh token. Idempotent: unknown, expired or
// already-revoked tokens are not errors.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	_, err := s.store.RefreshTokens(ctx).Consume(ctx, s.hashRefreshToken(refreshToken))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// AppLoginParams identify the requesting app and the capability subset it
// wants.
type AppLoginParams struct {
	AppName         string
	Origin          string
	RequestedScopes []string
}

// AppSession is a short-lived app-scoped access token. No refresh token is
// ever issued to an app context.
type AppSession struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
	App         string
}

// AppLogin issues an app-scoped token for the authenticated user behind
// claims. The final scope set is the triple intersection of the requested
// scopes, the app's allowed scopes and the user's own scopes.
func (s *Service) AppLogin(ctx context.Context, user *Claims, p AppLoginParams) (AppSession, error) {
	app, granted, err := s.apps.Validate(ctx, p.AppName, p.Origin, p.RequestedScopes)
	if err != nil {
		return AppSession{}, err
	}
	final := scope.Intersect(granted, user.Scopes)
	if len(final) == 0 {
		return AppSession{}, ErrInsufficientUserScopes
	}
	claims := &Claims{
		Email:  user.Email,
		Scopes: final,
		App:    app.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.Subject,
			Audience: jwt.ClaimStrings{AudiencePrefix + app.Name},
		},
	}
	token, exp, err := s.signToken(claims, s.accessTTL)
	if err != nil {
		return AppSession{}, err
	}
	obs.TokenIssued("app")
	return AppSession{
		AccessToken: token,
		ExpiresAt:   exp,
		Scopes:      final,
		App:         app.Name,
	}, nil
}

// openSession derives scopes, mints the token pair and persists the refresh
// record.
func (s *Service) openSession(ctx context.Context, user *User) (Session, error) {
	session, _, err := s.mintSession(ctx, user)
	return session, err
}

func (s *Service) mintSession(ctx context.Context, user *User) (Session, string, error) {
	scopes := DeriveScopes(user)
	claims := &Claims{
		Email:  user.Email,
		Role:   user.LegacyRole,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: user.ID,
		},
	}
	access, accessExp, err := s.signToken(claims, s.accessTTL)
	if err != nil {
		return Session{}, "", err
	}

	plain, rec, err := s.generateRefreshToken(user.ID)
	if err != nil {
		return Session{}, "", err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return Session{}, "", err
	}
	obs.TokenIssued("user")

	return Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plain,
		RefreshExpiresAt: rec.ExpiresAt,
		User: UserInfo{
			ID:        user.ID,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Role:      user.LegacyRole,
			Scopes:    scopes,
		},
	}, rec.TokenHash, nil
}

// generateRefreshToken creates the opaque secret and its persisted record.
// The plaintext leaves this method exactly once and is never stored.
func (s *Service) generateRefreshToken(userID string) (string, *RefreshToken, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	plain := hex.EncodeToString(buf)
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: s.hashRefreshToken(plain),
		ExpiresAt: s.now().UTC().Add(s.refreshTTL),
	}
	return plain, rec, nil
}

func (s *Service) hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token + s.pepper))
	return hex.EncodeToString(sum[:])
}
