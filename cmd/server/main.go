package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/app"
	"github.com/duochat/signal-server/internal/config"
	"github.com/duochat/signal-server/internal/handler"
	"github.com/duochat/signal-server/internal/jobs"
	"github.com/duochat/signal-server/internal/middleware"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	var limiter middleware.Limiter = middleware.NewMemoryRateLimiter()
	if a.Redis != nil {
		limiter = middleware.NewRedisRateLimiter(a.Redis.Client)
	}
	matchRateLimit := middleware.NewRateLimitMiddleware(limiter, "match", cfg.MatchRateLimitPerMin)
	participantMiddleware := middleware.NewParticipantMiddleware()
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	presenceHandler := handler.NewPresenceHandler(a.Presence)
	matchHandler := handler.NewMatchHandler(a.Pairing)
	sessionHandler := handler.NewSessionHandler(a.Pairing, a.Signaling, a.Chat)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	var db handler.Pinger
	if a.DB != nil {
		db = a.DB
	}
	r.Method(http.MethodGet, "/health", handler.NewHealthHandler(a.Broker, db))

	r.Route("/v1", func(r chi.Router) {
		r.Use(participantMiddleware.Handler)
		r.Mount("/presence", presenceHandler.Routes())
		r.Mount("/matches", matchHandler.Routes(matchRateLimit.Handler))
		r.Mount("/sessions", sessionHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		a.Presence, a.Pairing, a.Sessions,
		cfg.PresenceTTL(), cfg.SessionIdle(), cfg.SessionRetention(), config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("store", cfg.StoreBackend).Bool("redis", cfg.UsesRedis()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
