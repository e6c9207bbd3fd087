// Package config loads auctiond settings from the environment.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Config holds the daemon configuration.
type Config struct {
	// Namespace scopes auction addresses: the same name under two namespaces maps to
	// two different records.
	Namespace string `env:"AUCTION_NAMESPACE" envDefault:"timedauction"`
	DBPath    string `env:"AUCTION_DB_PATH,required,notEmpty"`

	ListenNetwork string `env:"AUCTION_LISTEN_NETWORK" envDefault:"tcp"`
	ListenAddr    string `env:"AUCTION_LISTEN_ADDR" envDefault:"127.0.0.1:5000"`
	VsockPort     uint32 `env:"AUCTION_VSOCK_PORT" envDefault:"5000"`
	HTTPAddr      string `env:"AUCTION_HTTP_ADDR"` // empty disables HTTP

	MaxWorkers  int           `env:"AUCTION_MAX_WORKERS" envDefault:"16"`
	ReadTimeout time.Duration `env:"AUCTION_READ_TIMEOUT" envDefault:"30s"`

	RedisAddr     string `env:"AUCTION_REDIS_ADDR"` // empty disables Redis events
	RedisPassword string `env:"AUCTION_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUCTION_REDIS_DB" envDefault:"0"`
	NATSURL       string `env:"AUCTION_NATS_URL"` // empty disables NATS events

	LogLevel  string `env:"AUCTION_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"AUCTION_LOG_PRETTY" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings the environment parser cannot.
func (c Config) Validate() error {
	switch c.ListenNetwork {
	case "tcp", "vsock":
	default:
		return fmt.Errorf("AUCTION_LISTEN_NETWORK must be tcp or vsock, got %q", c.ListenNetwork)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("AUCTION_MAX_WORKERS must be positive, got %d", c.MaxWorkers)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("AUCTION_READ_TIMEOUT must be positive, got %s", c.ReadTimeout)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("AUCTION_LOG_LEVEL: %w", err)
	}
	return nil
}

// Logger builds the root logger at the configured level.
func (c Config) Logger() zerolog.Logger {
	var out io.Writer = os.Stderr
	if c.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "auctiond").Logger()
}
