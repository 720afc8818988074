// Package config loads the hub's runtime configuration from the
// environment and its reference data from the seed file.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the hub daemon.
type Config struct {
	Addr           string   `env:"MASON_ADDR,default=:8090"`
	DBDSN          string   `env:"MASON_DB_DSN,required"`
	NATSURL        string   `env:"MASON_NATS_URL"`
	SecretKey      string   `env:"MASON_SECRET_KEY,required"`
	PublicURL      string   `env:"MASON_PUBLIC_URL,required"`
	ServiceName    string   `env:"MASON_SERVICE_NAME,default=masond"`
	Audience       string   `env:"MASON_TOKEN_AUDIENCE,default=masond"`
	AdminName      string   `env:"MASON_ADMIN_NAME"`
	AdminEmail     string   `env:"MASON_ADMIN_EMAIL"`
	Description    string   `env:"MASON_DESCRIPTION,default=build farm coordinator"`
	SeedPath       string   `env:"MASON_SEED_PATH"`
	AllowedOrigins []string `env:"MASON_CORS_ALLOWED_ORIGINS"`

	BuilderCapacity  int           `env:"MASON_BUILDER_CAPACITY,default=4"`
	DispatchAttempts uint64        `env:"MASON_DISPATCH_ATTEMPTS,default=3"`
	DispatchBackoff  time.Duration `env:"MASON_DISPATCH_BACKOFF,default=1s"`
	RateLimit        int           `env:"MASON_RATE_LIMIT,default=100"`
	RequestTimeout   time.Duration `env:"MASON_REQUEST_TIMEOUT,default=60s"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
