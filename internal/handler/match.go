package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/httputil"
	"github.com/duochat/signal-server/internal/middleware"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/service"
)

type MatchHandler struct {
	pairing *service.PairingService
}

func NewMatchHandler(pairing *service.PairingService) *MatchHandler {
	return &MatchHandler{pairing: pairing}
}

// Routes for match requests. limit wraps the endpoints that allocate sessions.
func (h *MatchHandler) Routes(limit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/events", h.Events)
	r.Group(func(r chi.Router) {
		r.Use(requestTimeout)
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/random", h.Random)
		r.Post("/direct", h.Direct)
	})

	return r
}

// POST /v1/matches/random
func (h *MatchHandler) Random(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	session, err := h.pairing.RequestRandomMatch(r.Context(), participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/matches/direct
func (h *MatchHandler) Direct(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	var req struct {
		TargetID string `json:"targetId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, err := h.pairing.RequestDirectMatch(r.Context(), participantID, req.TargetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GET /v1/matches/events
// Streams the caller's active session and every later match, so a waiting
// participant learns it was picked.
func (h *MatchHandler) Events(w http.ResponseWriter, r *http.Request) {
	participantID := middleware.GetParticipantID(r.Context())

	stream, ok := openEventStream(w)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	matched := make(chan *model.Session, 1)
	sub := h.pairing.WatchMatches(ctx, participantID, func(s *model.Session) {
		select {
		case matched <- s:
		case <-ctx.Done():
		}
	})
	defer func() {
		cancel()
		sub.Cancel()
	}()

	heartbeat := time.NewTicker(config.SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case s := <-matched:
			if err := stream.send("matched", s); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}
