package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every recognized environment option for the collab server.
type Config struct {
	Addr string `env:"COLLAB_ADDR" envDefault:":8090"`

	// Signing secrets for the two token families. Issued by the surrounding
	// application; this service only verifies.
	IdentitySecret string `env:"COLLAB_IDENTITY_SECRET"`
	RoomSecret     string `env:"COLLAB_ROOM_SECRET"`

	MaxPayloadBytes int64         `env:"COLLAB_MAX_PAYLOAD_BYTES" envDefault:"1048576"`
	MaxRoomsPerOrg  int           `env:"COLLAB_MAX_ROOMS_PER_ORG" envDefault:"100"`
	IdleTimeout     time.Duration `env:"COLLAB_IDLE_TIMEOUT"      envDefault:"30m"`
	SweepInterval   time.Duration `env:"COLLAB_SWEEP_INTERVAL"    envDefault:"5m"`

	AllowedOrigins []string `env:"COLLAB_ALLOWED_ORIGINS" envSeparator:","`

	// Optional shared counter store for cross-node rate limiting. When empty
	// the limiter runs on the in-process store alone.
	PGDSN string `env:"COLLAB_PG_DSN"`

	ConnRate    int64         `env:"COLLAB_CONN_RATE"    envDefault:"100"`
	SubjectRate int64         `env:"COLLAB_SUBJECT_RATE" envDefault:"500"`
	OrgRate     int64         `env:"COLLAB_ORG_RATE"     envDefault:"2000"`
	RateWindow  time.Duration `env:"COLLAB_RATE_WINDOW"  envDefault:"1s"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.IdentitySecret == "" {
		return errors.New("COLLAB_IDENTITY_SECRET is required")
	}
	if c.RoomSecret == "" {
		return errors.New("COLLAB_ROOM_SECRET is required")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("COLLAB_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.MaxRoomsPerOrg <= 0 {
		return errors.New("COLLAB_MAX_ROOMS_PER_ORG must be positive")
	}
	if c.IdleTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.New("eviction timeout and sweep interval must be positive")
	}
	if c.ConnRate <= 0 || c.SubjectRate <= 0 || c.OrgRate <= 0 || c.RateWindow <= 0 {
		return errors.New("rate limits and window must be positive")
	}
	return nil
}
