package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/httputil"
	"github.com/duochat/signal-server/internal/middleware"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/service"
	"github.com/duochat/signal-server/internal/util"
)

type SessionHandler struct {
	pairing   *service.PairingService
	signaling *service.SignalingService
	chat      *service.ChatService
	keepAlive time.Duration
}

func NewSessionHandler(
	pairing *service.PairingService,
	signaling *service.SignalingService,
	chat *service.ChatService,
) *SessionHandler {
	return &SessionHandler{
		pairing:   pairing,
		signaling: signaling,
		chat:      chat,
		keepAlive: config.SessionKeepAliveInterval,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Use(requireSessionID)
		r.Get("/events", h.Events)
		r.Get("/ws", h.Socket)

		r.Group(func(r chi.Router) {
			r.Use(requestTimeout)
			r.Get("/", h.GetSession)
			r.Put("/offer", h.PublishOffer)
			r.Put("/answer", h.PublishAnswer)
			r.Post("/established", h.MarkEstablished)
			r.Post("/candidates", h.AppendCandidate)
			r.Get("/candidates", h.ListCandidates)
			r.Post("/messages", h.SendMessage)
			r.Get("/messages", h.ListMessages)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/end", h.End)
		})
	})

	return r
}

func requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.IsValidUUID(chi.URLParam(r, "sessionID")) {
			httputil.WriteError(w, apperrors.NotFound("Session"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type payloadRequest struct {
	Payload []byte `json:"payload"`
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.signaling.GetSession(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// PUT /v1/sessions/{sessionID}/offer
func (h *SessionHandler) PublishOffer(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, err := h.signaling.PublishOffer(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), req.Payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// PUT /v1/sessions/{sessionID}/answer
func (h *SessionHandler) PublishAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload       []byte `json:"payload"`
		OfferRevision int64  `json:"offerRevision"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.OfferRevision <= 0 {
		httputil.WriteError(w, apperrors.MissingRequired("offerRevision"))
		return
	}

	session, err := h.signaling.PublishAnswer(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), req.OfferRevision, req.Payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{sessionID}/established
func (h *SessionHandler) MarkEstablished(w http.ResponseWriter, r *http.Request) {
	session, err := h.signaling.MarkEstablished(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{sessionID}/candidates
func (h *SessionHandler) AppendCandidate(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	candidate, err := h.signaling.AppendCandidate(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), req.Payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, candidate)
}

// GET /v1/sessions/{sessionID}/candidates?sender=&after=
// sender defaults to the caller's peer.
func (h *SessionHandler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	participantID := middleware.GetParticipantID(ctx)

	after, err := parseCursor(r, "after")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sender := r.URL.Query().Get("sender")
	if sender == "" {
		session, err := h.signaling.GetSession(ctx, sessionID, participantID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		sender = session.PeerOf(participantID)
	}

	candidates, err := h.signaling.ListCandidates(ctx, sessionID, participantID, sender, after)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// POST /v1/sessions/{sessionID}/messages
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	msg, err := h.chat.Send(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), req.Content)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GET /v1/sessions/{sessionID}/messages?after=
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r, "after")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	messages, err := h.chat.List(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), after)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// POST /v1/sessions/{sessionID}/heartbeat
// Clients without an open event stream or socket call this to keep the
// session from being ended as disconnected.
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	participantID := middleware.GetParticipantID(ctx)

	active, err := h.pairing.KeepAlive(ctx, sessionID, participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !active {
		if _, err := h.signaling.GetSession(ctx, sessionID, participantID); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

// POST /v1/sessions/{sessionID}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rejoin *bool           `json:"rejoin"`
		Reason model.EndReason `json:"reason"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	opts := service.EndOptions{Reason: req.Reason}
	if req.Rejoin != nil {
		opts.Leave = !*req.Rejoin
	}

	session, err := h.pairing.EndSession(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetParticipantID(r.Context()), opts)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GET /v1/sessions/{sessionID}/events?candidatesAfter=&messagesAfter=
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	participantID := middleware.GetParticipantID(ctx)

	session, cursors, err := h.openFeedRequest(r, sessionID, participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	stream, ok := openEventStream(w)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	feed := h.openSessionFeed(ctx, session, participantID, cursors)
	defer feed.stop()

	log.Info().
		Str("sessionId", sessionID).
		Str("participantId", participantID).
		Msg("session stream opened")

	heartbeat := time.NewTicker(config.SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Str("participantId", participantID).Msg("session stream closed by client")
			return
		case ev := <-feed.events:
			if err := stream.send(ev.Type, ev.Data); err != nil {
				return
			}
			if ev.Type == eventEnded {
				return
			}
		case <-heartbeat.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}

type feedCursors struct {
	candidatesAfter int64
	messagesAfter   int64
}

func (h *SessionHandler) openFeedRequest(r *http.Request, sessionID, participantID string) (*model.Session, feedCursors, error) {
	var cursors feedCursors
	var err error
	if cursors.candidatesAfter, err = parseCursor(r, "candidatesAfter"); err != nil {
		return nil, cursors, err
	}
	if cursors.messagesAfter, err = parseCursor(r, "messagesAfter"); err != nil {
		return nil, cursors, err
	}

	session, err := h.signaling.GetSession(r.Context(), sessionID, participantID)
	if err != nil {
		return nil, cursors, err
	}
	return session, cursors, nil
}

const eventEnded = "ended"

type feedEvent struct {
	Type string
	Data any
}

// sessionFeed merges session updates, the peer's candidates and chat
// messages for one participant into a single channel.
type sessionFeed struct {
	events chan feedEvent
	cancel context.CancelFunc
	subs   []*events.Subscription
}

func (h *SessionHandler) openSessionFeed(ctx context.Context, session *model.Session, participantID string, cursors feedCursors) *sessionFeed {
	ctx, cancel := context.WithCancel(ctx)
	f := &sessionFeed{
		events: make(chan feedEvent, config.SubscriberBufferSize),
		cancel: cancel,
	}
	push := func(ev feedEvent) {
		select {
		case f.events <- ev:
		case <-ctx.Done():
		}
	}

	f.subs = append(f.subs,
		h.chat.Subscribe(ctx, session.ID, cursors.messagesAfter, func(m model.ChatMessage) {
			push(feedEvent{Type: events.TypeMessage, Data: m})
		}),
		h.signaling.WatchSession(ctx, session.ID, func(s *model.Session) {
			push(feedEvent{Type: events.TypeSession, Data: s})
			if !s.IsActive() {
				push(feedEvent{Type: eventEnded, Data: map[string]any{
					"sessionId": s.ID,
					"endedBy":   s.EndedBy,
					"reason":    s.EndReason,
				}})
			}
		}),
	)
	if peer := session.PeerOf(participantID); peer != "" {
		f.subs = append(f.subs, h.signaling.WatchCandidates(ctx, session.ID, peer, cursors.candidatesAfter, func(c model.CandidateEnvelope) {
			push(feedEvent{Type: events.TypeCandidate, Data: c})
		}))
	}
	go h.keepSessionAlive(ctx, session.ID, participantID)
	return f
}

// keepSessionAlive marks the participant connected while its feed is open.
func (h *SessionHandler) keepSessionAlive(ctx context.Context, sessionID, participantID string) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		active, err := h.pairing.KeepAlive(ctx, sessionID, participantID)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Str("participantId", participantID).Msg("session keepalive failed")
		}
		if err == nil && !active {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stop cancels the context first so callbacks blocked on a full channel return.
func (f *sessionFeed) stop() {
	f.cancel()
	for _, sub := range f.subs {
		sub.Cancel()
	}
}
