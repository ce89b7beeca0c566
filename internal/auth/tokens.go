package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"miniportal.org/internal/ids"
	"miniportal.org/internal/scope"
)

// AudiencePrefix namespaces app-scoped token audiences so a token minted for
// one app cannot be replayed against another even when scopes overlap.
const AudiencePrefix = "app:"

// Claims are the signed access token contents. Scopes travel in "scp"; App
// and the audience are set only on app-scoped tokens.
type Claims struct {
	Email  string   `json:"email,omitempty"`
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scp"`
	App    string   `json:"app,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the given scope.
func (c *Claims) HasScope(code string) bool {
	return scope.Contains(c.Scopes, code)
}

// IsAppToken reports whether the token was minted for a registered app.
func (c *Claims) IsAppToken() bool { return c.App != "" }

func (s *Service) signToken(claims *Claims, ttl time.Duration) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims.Issuer = s.issuer
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.RegisteredClaims.ID = ids.New()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccessToken verifies the signature and required claims of an access
// token. Expired tokens yield ErrExpiredToken, any other failure
// ErrInvalidToken.
func (s *Service) ParseAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
