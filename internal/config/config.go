package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	DatabaseURL             string   `env:"DATABASE_URL"`
	RedisURL                string   `env:"REDIS_URL"`
	StoreBackend            string   `env:"STORE_BACKEND" envDefault:"postgres"`
	PresenceTTLSeconds      int      `env:"PRESENCE_TTL_SECONDS" envDefault:"60"`
	SessionIdleSeconds      int      `env:"SESSION_IDLE_SECONDS" envDefault:"90"`
	SessionRetentionMinutes int      `env:"SESSION_RETENTION_MINUTES" envDefault:"1440"`
	MatchRateLimitPerMin    int      `env:"MATCH_RATE_LIMIT_PER_MIN" envDefault:"30"`
	StoreRetryAttempts      int      `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
	STUNURLs                []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
}

func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// SessionIdle is how long a session member may go without a keepalive before
// the cleanup job ends the session as disconnected.
func (c *Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleSeconds) * time.Second
}

// HeartbeatInterval is how often in-process clients refresh presence and
// session liveness: a third of the shorter timeout.
func (c *Config) HeartbeatInterval() time.Duration {
	return min(c.PresenceTTL(), c.SessionIdle()) / 3
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// UsesRedis reports whether presence and change notifications go through Redis.
// Without it both stay in-process, which only works for a single instance.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreBackendMemory:
		if isProduction {
			return errors.New("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (expected %s or %s)", c.StoreBackend, StoreBackendPostgres, StoreBackendMemory)
	}

	if c.PresenceTTLSeconds <= 0 {
		return errors.New("PRESENCE_TTL_SECONDS must be positive")
	}
	if c.SessionIdleSeconds <= 0 {
		return errors.New("SESSION_IDLE_SECONDS must be positive")
	}
	if c.SessionIdle() < 2*SessionKeepAliveInterval {
		return fmt.Errorf("SESSION_IDLE_SECONDS must be at least %d", int(2*SessionKeepAliveInterval/time.Second))
	}
	if c.StoreRetryAttempts < 1 {
		return errors.New("STORE_RETRY_ATTEMPTS must be at least 1")
	}

	if c.StoreBackend == StoreBackendPostgres && !c.UsesRedis() {
		log.Warn().Msg("REDIS_URL is empty: presence and session events are process-local, run a single instance only")
	}
	if isProduction && strings.HasPrefix(c.RedisURL, "redis://") {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
	}

	return nil
}

// Load reads an optional .env file from the working directory and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
