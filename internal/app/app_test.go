package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/signal-server/internal/config"
)

func TestNewMemoryBackend(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:       config.StoreBackendMemory,
		PresenceTTLSeconds: 60,
		StoreRetryAttempts: 1,
	}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.Broker)
	assert.NotNil(t, a.Engine)

	ctx := context.Background()
	require.NoError(t, a.Presence.Announce(ctx, "alice"))
	available, err := a.Presence.IsAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, available)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), &config.Config{StoreBackend: "sqlite"})
	assert.Error(t, err)
}
