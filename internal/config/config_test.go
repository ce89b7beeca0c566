package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "sekrit")
	t.Setenv("PORTAL_AUTH_REFRESH_PEPPER", "pepper")
}

func TestLoadDefaults(t *testing.T) {
	setSecrets(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "/v1/auth", cfg.Cookie.Path)
	assert.Equal(t, "miniportal", cfg.Auth.Issuer)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadFailsWithoutJWTSecret(t *testing.T) {
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "")
	t.Setenv("PORTAL_AUTH_REFRESH_PEPPER", "pepper")
	_, err := Load()
	assert.ErrorContains(t, err, "jwt_secret")
}

// An absent pepper must refuse startup rather than silently hashing refresh
// tokens unsalted.
func TestLoadFailsWithoutPepper(t *testing.T) {
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "sekrit")
	t.Setenv("PORTAL_AUTH_REFRESH_PEPPER", "")
	_, err := Load()
	assert.ErrorContains(t, err, "refresh_pepper")
}

func TestLoadRejectsInvalidSameSite(t *testing.T) {
	setSecrets(t)
	t.Setenv("PORTAL_COOKIE_SAMESITE", "bogus")
	_, err := Load()
	assert.ErrorContains(t, err, "samesite")
}

func TestSameSiteNoneRequiresSecure(t *testing.T) {
	setSecrets(t)
	t.Setenv("PORTAL_COOKIE_SAMESITE", "none")
	_, err := Load()
	assert.ErrorContains(t, err, "secure")

	t.Setenv("PORTAL_COOKIE_SECURE", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Cookie.SameSite)
	assert.True(t, cfg.Cookie.Secure)
}
