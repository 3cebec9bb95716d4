package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/httputil"
	"github.com/duochat/signal-server/internal/middleware"
)

const (
	socketWriteWait  = 5 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketReadLimit  = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type socketFrame struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type inboundFrame struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
	Content string `json:"content,omitempty"`
}

// GET /v1/sessions/{sessionID}/ws
// Carries the same events as the SSE stream and accepts candidate and
// message frames from the client.
func (h *SessionHandler) Socket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID := middleware.GetParticipantID(r.Context())

	session, cursors, err := h.openFeedRequest(r, sessionID, participantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed := h.openSessionFeed(ctx, session, participantID, cursors)
	defer feed.stop()

	replies := make(chan socketFrame, 16)
	go h.readPump(ctx, cancel, conn, sessionID, participantID, replies)

	log.Info().Str("sessionId", sessionID).Str("participantId", participantID).Msg("session socket opened")
	h.writePump(ctx, conn, feed, replies)
	log.Info().Str("sessionId", sessionID).Str("participantId", participantID).Msg("session socket closed")
}

func (h *SessionHandler) writePump(ctx context.Context, conn *websocket.Conn, feed *sessionFeed, replies <-chan socketFrame) {
	ping := time.NewTicker(socketPingPeriod)
	defer ping.Stop()

	write := func(frame socketFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait))
			return
		case ev := <-feed.events:
			if !write(socketFrame{Type: ev.Type, Data: ev.Data}) {
				return
			}
			if ev.Type == eventEnded {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(socketWriteWait))
				return
			}
		case frame := <-replies:
			if !write(frame) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID, participantID string, replies chan<- socketFrame) {
	defer cancel()

	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	reply := func(frame socketFrame) {
		select {
		case replies <- frame:
		case <-ctx.Done():
		}
	}

	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("websocket read failed")
			}
			return
		}

		var err error
		switch in.Type {
		case "candidate":
			_, err = h.signaling.AppendCandidate(ctx, sessionID, participantID, in.Payload)
		case "message":
			_, err = h.chat.Send(ctx, sessionID, participantID, in.Content)
		default:
			err = apperrors.InvalidInput("type", "unsupported frame type")
		}
		if err != nil {
			code := apperrors.GetCode(err)
			message := "An unexpected error occurred"
			if appErr, ok := apperrors.AsAppError(err); ok {
				message = appErr.Message
			} else {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("websocket frame failed")
			}
			reply(socketFrame{Type: "error", Code: string(code), Error: message})
		}
	}
}
