package config

import (
	"fmt"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Store backend, Postgres, SQLite, and Redis configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode and per-component worker configuration
//   - observability.go: Metrics and alert fan-out configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, etc.)
	IsDev bool `env:"DEV" envDefault:"false"`

	// StoreBackend selects the C1 job store implementation.
	StoreBackend StoreBackend `env:"STORE_BACKEND" envDefault:"postgres"`

	Postgres DBConfig     `envPrefix:"DB_"`
	SQLite   SQLiteConfig
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	ServicesConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() error {
	if c.StoreBackend != StoreBackendPostgres && c.StoreBackend != StoreBackendSQLite {
		return fmt.Errorf("invalid STORE_BACKEND %q (valid options: postgres, sqlite)", c.StoreBackend)
	}

	c.HTTP.Sanitize()
	c.ServicesConfig.Sanitize()
	c.Observability.Sanitize()

	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}

	return nil
}
