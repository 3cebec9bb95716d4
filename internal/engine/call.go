package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/service"
	"github.com/duochat/signal-server/internal/signaling"
)

// Call is one participant's handle on a live session.
type Call struct {
	engine        *Engine
	sessionID     string
	participantID string
	handlers      Handlers
	negotiator    *signaling.Negotiator
	chatSub       *events.Subscription

	mu       sync.Mutex
	stopped  bool
	done     chan struct{}
	doneOnce sync.Once
}

func (c *Call) SessionID() string {
	return c.sessionID
}

func (c *Call) Role() model.Role {
	return c.negotiator.Role()
}

func (c *Call) State() model.SessionState {
	return c.negotiator.State()
}

// Done is closed once the session has ended, on either side.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) Send(ctx context.Context, content string) (*model.ChatMessage, error) {
	return c.engine.chat.Send(ctx, c.sessionID, c.participantID, content)
}

// History returns messages after the given sequence.
func (c *Call) History(ctx context.Context, after int64) ([]model.ChatMessage, error) {
	return c.engine.chat.List(ctx, c.sessionID, c.participantID, after)
}

// End stops all delivery to this call's handlers, closes the transport and
// ends the session in the store.
func (c *Call) End(ctx context.Context, opts service.EndOptions) (*model.Session, error) {
	c.stop()
	return c.engine.pairing.EndSession(ctx, c.sessionID, c.participantID, opts)
}

func (c *Call) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.negotiator.Close()
	if c.chatSub != nil {
		c.chatSub.Cancel()
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// keepAlive marks the participant connected to the session until the call
// stops, so the cleanup job does not end it as disconnected.
func (c *Call) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.engine.pairing.KeepAlive(ctx, c.sessionID, c.participantID); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionId", c.sessionID).Str("participantId", c.participantID).Msg("session keepalive failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *Call) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Call) stateChanged(state model.SessionState) {
	if c.isStopped() {
		return
	}
	if c.handlers.OnState != nil {
		c.handlers.OnState(state)
	}
	if state == model.SessionStateEnded {
		go c.stop()
	}
}

func (c *Call) messageReceived(msg model.ChatMessage) {
	if c.isStopped() {
		return
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
}

func (c *Call) failed(err error) {
	if c.isStopped() {
		return
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
