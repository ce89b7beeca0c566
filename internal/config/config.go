package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server struct {
		Address string `mapstructure:"address"`
		Port    string `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		DSN string `mapstructure:"dsn"` // empty: in-memory store
	} `mapstructure:"database"`

	Auth struct {
		// JWTSecret signs access tokens (HS256). Required.
		JWTSecret string `mapstructure:"jwt_secret"`
		// RefreshPepper is mixed into refresh token hashes at rest. Required:
		// an empty pepper would silently degrade to unsalted SHA-256.
		RefreshPepper string        `mapstructure:"refresh_pepper"`
		Issuer        string        `mapstructure:"issuer"`
		AccessTTL     time.Duration `mapstructure:"access_ttl"`
		RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	} `mapstructure:"auth"`

	Cookie struct {
		Domain   string `mapstructure:"domain"`
		Path     string `mapstructure:"path"`
		Secure   bool   `mapstructure:"secure"`
		SameSite string `mapstructure:"samesite"` // lax|strict|none|"" (per-flow default)
	} `mapstructure:"cookie"`

	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logs"`
}

// Load reads configuration from env/file with defaults. Secrets have no
// defaults: a missing JWT secret or refresh pepper is a startup error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("portal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("database.dsn", "")

	// Secrets default to empty so the env bindings register; validate()
	// rejects them when they stay empty.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.refresh_pepper", "")
	v.SetDefault("auth.issuer", "miniportal")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 30*24*time.Hour)

	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.path", "/v1/auth")
	v.SetDefault("cookie.samesite", "")
	v.SetDefault("cookie.secure", false)

	v.SetDefault("cors.origins", []string{})

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "json")

	if cfgFile := os.Getenv("PORTAL_CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwt_secret is required (PORTAL_AUTH_JWT_SECRET)")
	}
	if strings.TrimSpace(c.Auth.RefreshPepper) == "" {
		return errors.New("config: auth.refresh_pepper is required (PORTAL_AUTH_REFRESH_PEPPER)")
	}
	switch c.Cookie.SameSite {
	case "", "lax", "strict", "none":
	default:
		return fmt.Errorf("config: invalid cookie.samesite %q", c.Cookie.SameSite)
	}
	if c.Cookie.SameSite == "none" && !c.Cookie.Secure {
		return errors.New("config: cookie.samesite=none requires cookie.secure")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return c.Server.Address + ":" + c.Server.Port
}
