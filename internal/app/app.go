package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/config"
	"github.com/duochat/signal-server/internal/database"
	"github.com/duochat/signal-server/internal/engine"
	"github.com/duochat/signal-server/internal/events"
	redisclient "github.com/duochat/signal-server/internal/redis"
	"github.com/duochat/signal-server/internal/repository"
	"github.com/duochat/signal-server/internal/service"
)

// App wires stores, the event broker and services from configuration. The
// server and the peer CLI share it.
type App struct {
	Config *config.Config
	DB     *database.DB
	Redis  *redisclient.Client
	Broker *events.Broker

	Sessions repository.SessionRepository

	Presence  *service.PresenceService
	Pairing   *service.PairingService
	Signaling *service.SignalingService
	Chat      *service.ChatService
	Engine    *engine.Engine
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var (
		sessions   repository.SessionRepository
		candidates repository.CandidateRepository
		messages   repository.ChatMessageRepository
	)

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.DB = db

		pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
		err = db.Ping(pingCtx)
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info().Msg("database connected")

		sessions = repository.NewSessionRepository(db.DB)
		candidates = repository.NewCandidateRepository(db.DB)
		messages = repository.NewChatMessageRepository(db.DB)
	case config.StoreBackendMemory:
		store := repository.NewMemoryStore()
		sessions = store.Sessions()
		candidates = store.Candidates()
		messages = store.Messages()
		log.Warn().Msg("using in-memory session store")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	presenceRepo := repository.NewMemoryPresenceRepository()
	if cfg.UsesRedis() {
		client, err := redisclient.NewClient(ctx, cfg.RedisURL, config.DBPingTimeout)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		presenceRepo = repository.NewRedisPresenceRepository(client.Client, redisclient.PresenceKey)
		log.Info().Msg("redis connected")
	}

	a.Broker = events.NewBroker(a.Redis)
	a.Sessions = sessions

	a.Presence = service.NewPresenceService(presenceRepo, a.Broker, cfg.StoreRetryAttempts, config.FeedPollInterval)
	a.Pairing = service.NewPairingService(sessions, a.Presence, a.Broker, cfg.StoreRetryAttempts)
	a.Signaling = service.NewSignalingService(sessions, candidates, a.Broker, cfg.StoreRetryAttempts, config.FeedPollInterval)
	a.Chat = service.NewChatService(sessions, messages, a.Broker, cfg.StoreRetryAttempts, config.FeedPollInterval)
	a.Engine = engine.New(a.Presence, a.Pairing, a.Signaling, a.Chat, engine.WithHeartbeatInterval(cfg.HeartbeatInterval()))

	return a, nil
}

// Close releases the broker and connections in reverse order of creation.
func (a *App) Close() {
	if a.Broker != nil {
		a.Broker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
