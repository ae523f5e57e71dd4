package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config drives the standalone stub server. Every field is read from the
// environment with the STUB_ prefix.
type Config struct {
	Issuer     string        `env:"ISSUER" envDefault:"authstub"`
	Secret     string        `env:"SECRET"` // generated per process when empty
	Pepper     string        `env:"PEPPER"`
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"168h"`

	RotateRefresh bool `env:"ROTATE_REFRESH" envDefault:"true"`
	CSRF          bool `env:"CSRF" envDefault:"false"`
	RequireCSRF   bool `env:"REQUIRE_CSRF" envDefault:"false"`

	// RateLimit is credential-endpoint requests per minute per IP. Zero disables it.
	RateLimit int `env:"RATE_LIMIT" envDefault:"0"`

	// SeedUsers are "email:password[:name]" triples created at startup.
	SeedUsers []string `env:"SEED_USERS" envSeparator:","`

	Env                  string        `env:"ENV" envDefault:"dev"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat            string        `env:"LOG_FORMAT" envDefault:"text"`
	Port                 int           `env:"PORT" envDefault:"8080"`
	ShutdownGracePeriod  time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL" envDefault:"1h"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STUB_"}); err != nil {
		return Config{}, fmt.Errorf("failed to parse stub configuration: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}
