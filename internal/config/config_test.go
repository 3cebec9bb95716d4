package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("PresenceTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{PresenceTTLSeconds: 60}
		assert.Equal(t, 60*time.Second, cfg.PresenceTTL())
	})

	t.Run("SessionRetention converts minutes to duration", func(t *testing.T) {
		cfg := &Config{SessionRetentionMinutes: 90}
		assert.Equal(t, 90*time.Minute, cfg.SessionRetention())
	})

	t.Run("HeartbeatInterval is a third of the shorter timeout", func(t *testing.T) {
		cfg := &Config{PresenceTTLSeconds: 60, SessionIdleSeconds: 90}
		assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval())

		cfg.SessionIdleSeconds = 30
		assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	})

	t.Run("UsesRedis follows REDIS_URL", func(t *testing.T) {
		assert.False(t, (&Config{}).UsesRedis())
		assert.True(t, (&Config{RedisURL: "redis://localhost:6379"}).UsesRedis())
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "STORE_BACKEND", "PRESENCE_TTL_SECONDS",
		"SESSION_IDLE_SECONDS", "STORE_RETRY_ATTEMPTS", "LOG_LEVEL", "STUN_URLS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	t.Run("loads config with defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, StoreBackendPostgres, cfg.StoreBackend)
		assert.Equal(t, 60, cfg.PresenceTTLSeconds)
		assert.Equal(t, 90, cfg.SessionIdleSeconds)
		assert.Equal(t, 1440, cfg.SessionRetentionMinutes)
		assert.Equal(t, 30, cfg.MatchRateLimitPerMin)
		assert.Equal(t, 3, cfg.StoreRetryAttempts)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNURLs)
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("PORT", "3000")
		t.Setenv("STORE_BACKEND", "memory")
		t.Setenv("PRESENCE_TTL_SECONDS", "15")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("STUN_URLS", "stun:a.example:3478,stun:b.example:3478")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, StoreBackendMemory, cfg.StoreBackend)
		assert.Equal(t, 15, cfg.PresenceTTLSeconds)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNURLs)
	})

	t.Run("fails on malformed numbers", func(t *testing.T) {
		t.Setenv("PRESENCE_TTL_SECONDS", "soon")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:        "postgres://localhost/test",
			RedisURL:           "redis://localhost:6379",
			StoreBackend:       StoreBackendPostgres,
			PresenceTTLSeconds: 60,
			SessionIdleSeconds: 90,
			StoreRetryAttempts: 3,
		}
	}

	t.Run("accepts postgres with database url", func(t *testing.T) {
		assert.NoError(t, valid().Validate(false))
	})

	t.Run("requires DATABASE_URL for postgres", func(t *testing.T) {
		cfg := valid()
		cfg.DatabaseURL = ""
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("accepts memory backend outside production", func(t *testing.T) {
		cfg := valid()
		cfg.StoreBackend = StoreBackendMemory
		cfg.DatabaseURL = ""
		cfg.RedisURL = ""
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects memory backend in production", func(t *testing.T) {
		cfg := valid()
		cfg.StoreBackend = StoreBackendMemory
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.StoreBackend = "sqlite"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive presence ttl", func(t *testing.T) {
		cfg := valid()
		cfg.PresenceTTLSeconds = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive session idle timeout", func(t *testing.T) {
		cfg := valid()
		cfg.SessionIdleSeconds = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects session idle timeout shorter than two keepalives", func(t *testing.T) {
		cfg := valid()
		cfg.SessionIdleSeconds = 30
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects zero retry attempts", func(t *testing.T) {
		cfg := valid()
		cfg.StoreRetryAttempts = 0
		assert.Error(t, cfg.Validate(false))
	})
}
