package config

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/sethvargo/go-envconfig"
)

type Config interface {
	EnvConfig
	TokenConfig
	CookieConfig
	CorsConfig
	StoreConfig
	IntegrationConfig
}

type mainConfig struct {
	EnvVars
	Tokens
	Cookies
	Cors
	Stores
	Integrations
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves the configuration from an arbitrary lookuper (used by tests).
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var c mainConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c mainConfig) validate() error {
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: token lifetimes must be positive", apperrors.ErrValidationFailed)
	}
	if c.SigningTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", apperrors.ErrValidationFailed)
	}
	switch c.KeyProvider {
	case KeyProviderLocal:
	case KeyProviderKMS:
		if c.KMSKeyID == "" {
			return fmt.Errorf("%w: KMS_KEY_ID is required when KEY_PROVIDER=kms", apperrors.ErrValidationFailed)
		}
	default:
		return fmt.Errorf("%w: unknown KEY_PROVIDER %q", apperrors.ErrValidationFailed, c.KeyProvider)
	}
	switch c.Backend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("%w: DATABASE_DSN is required when STORE=postgres", apperrors.ErrValidationFailed)
		}
	default:
		return fmt.Errorf("%w: unknown STORE %q", apperrors.ErrValidationFailed, c.Backend)
	}
	return nil
}
