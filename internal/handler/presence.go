package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/httputil"
	"github.com/duochat/signal-server/internal/middleware"
	"github.com/duochat/signal-server/internal/service"
)

type PresenceHandler struct {
	presence *service.PresenceService
}

func NewPresenceHandler(presence *service.PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/events", h.Events)
	r.Group(func(r chi.Router) {
		r.Use(requestTimeout)
		r.Get("/", h.List)
		r.Post("/announce", h.Announce)
		r.Post("/withdraw", h.Withdraw)
		r.Post("/heartbeat", h.Heartbeat)
	})

	return r
}

// POST /v1/presence/announce
func (h *PresenceHandler) Announce(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	if err := h.presence.Announce(r.Context(), participantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": true})
}

// POST /v1/presence/withdraw
func (h *PresenceHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	if err := h.presence.Withdraw(r.Context(), participantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": false})
}

// POST /v1/presence/heartbeat
// A participant that is no longer in the available set gets available=false
// and must announce again.
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	present, err := h.presence.Heartbeat(r.Context(), participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": present})
}

// GET /v1/presence
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	ids, err := h.presence.ListAvailable(r.Context(), participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": ids})
}

// GET /v1/presence/events
func (h *PresenceHandler) Events(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	stream, ok := openEventStream(w)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	snapshots := make(chan []string, 1)
	sub := h.presence.Subscribe(ctx, participantID, func(ids []string) {
		// Only the latest snapshot matters; replace one the writer has not taken yet.
		for {
			select {
			case snapshots <- ids:
				return
			case <-snapshots:
			case <-ctx.Done():
				return
			}
		}
	})
	defer func() {
		cancel()
		sub.Cancel()
	}()

	log.Info().Str("participantId", participantID).Msg("presence stream opened")

	heartbeat := time.NewTicker(config.SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("participantId", participantID).Msg("presence stream closed by client")
			return
		case <-sub.Done():
			return
		case ids := <-snapshots:
			if err := stream.send("presence", map[string]any{"participants": ids}); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}
