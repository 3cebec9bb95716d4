package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/service"
	"github.com/duochat/signal-server/internal/signaling"
)

const defaultHeartbeatInterval = 20 * time.Second

// Engine sequences presence, pairing and negotiation for embedded callers.
type Engine struct {
	presence  *service.PresenceService
	pairing   *service.PairingService
	signaling *service.SignalingService
	chat      *service.ChatService
	heartbeat time.Duration
}

type Option func(*Engine)

// WithHeartbeatInterval sets how often a waiting participant refreshes its
// presence and a joined participant keeps its session alive. It must be well
// under both the presence TTL and the session idle timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeat = d
		}
	}
}

func New(
	presence *service.PresenceService,
	pairing *service.PairingService,
	signaling *service.SignalingService,
	chat *service.ChatService,
	opts ...Option,
) *Engine {
	e := &Engine{
		presence:  presence,
		pairing:   pairing,
		signaling: signaling,
		chat:      chat,
		heartbeat: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handlers receive call events. Each is optional and is invoked from a feed
// goroutine, never after Call.End returns. Call.End waits for running
// handlers, so a handler that ends the call must do so from a new goroutine.
type Handlers struct {
	OnState   func(model.SessionState)
	OnMessage func(model.ChatMessage)
	OnError   func(error)
}

// StartRandomChat announces participantID, pairs it with a random available
// participant as initiator and starts negotiating over transport. On error
// the transport is left open for the caller.
func (e *Engine) StartRandomChat(ctx context.Context, participantID string, transport signaling.MediaTransport, h Handlers) (*Call, error) {
	if err := e.presence.Announce(ctx, participantID); err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}

	session, err := e.pairing.RequestRandomMatch(ctx, participantID)
	if err != nil {
		return nil, err
	}

	return e.Join(ctx, session, participantID, transport, h)
}

// AwaitMatch blocks until another participant pairs with participantID or
// ctx is done. An existing active session is returned at once. Callers
// announce the participant first; while waiting its presence is kept fresh
// and restored if the cleanup job swept it.
func (e *Engine) AwaitMatch(ctx context.Context, participantID string) (*model.Session, error) {
	matched := make(chan *model.Session, 1)
	sub := e.pairing.WatchMatches(ctx, participantID, func(s *model.Session) {
		select {
		case matched <- s:
		default:
		}
	})
	defer sub.Cancel()

	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s := <-matched:
			return s, nil
		case <-ticker.C:
			if err := e.refreshWaiting(ctx, participantID); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("participantId", participantID).Msg("presence heartbeat failed")
			}
		}
	}
}

// refreshWaiting heartbeats a waiting participant and re-announces it when
// its presence record is gone but no session has claimed it.
func (e *Engine) refreshWaiting(ctx context.Context, participantID string) error {
	present, err := e.presence.Heartbeat(ctx, participantID)
	if err != nil || present {
		return err
	}

	active, err := e.pairing.ActiveSession(ctx, participantID)
	if err != nil || active != nil {
		return err
	}
	if err := e.presence.Announce(ctx, participantID); err != nil {
		return err
	}
	log.Info().Str("participantId", participantID).Msg("presence lapsed while waiting, announced again")

	// A match that landed between the check and the announce owns us now.
	active, err = e.pairing.ActiveSession(ctx, participantID)
	if err != nil || active == nil {
		return err
	}
	return e.presence.Withdraw(ctx, participantID)
}

// Join drives participantID's side of session over transport. The call owns
// the transport from here on.
func (e *Engine) Join(ctx context.Context, session *model.Session, participantID string, transport signaling.MediaTransport, h Handlers) (*Call, error) {
	c := &Call{
		engine:        e,
		sessionID:     session.ID,
		participantID: participantID,
		handlers:      h,
		done:          make(chan struct{}),
	}

	negotiator, err := signaling.NewNegotiator(e.signaling, transport, session, participantID,
		signaling.WithStateHandler(c.stateChanged),
		signaling.WithErrorHandler(c.failed),
	)
	if err != nil {
		return nil, err
	}
	c.negotiator = negotiator

	if notifier, ok := transport.(failureNotifier); ok {
		notifier.OnFailure(func() {
			log.Warn().Str("sessionId", c.sessionID).Str("participantId", participantID).Msg("media connection failed")
			go func() {
				if _, err := c.End(context.WithoutCancel(ctx), service.EndOptions{Reason: model.EndReasonMediaFailed}); err != nil {
					c.failed(err)
				}
			}()
		})
	}

	c.chatSub = e.chat.Subscribe(ctx, session.ID, 0, c.messageReceived)
	negotiator.Start(ctx)
	go c.keepAlive(ctx, e.heartbeat)

	log.Info().
		Str("sessionId", session.ID).
		Str("participantId", participantID).
		Str("role", string(negotiator.Role())).
		Msg("joined session")
	return c, nil
}

type failureNotifier interface {
	OnFailure(fn func())
}
