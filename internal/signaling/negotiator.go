package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
)

type Option func(*Negotiator)

// WithStateHandler is called on every local state change, outside internal locks.
func WithStateHandler(fn func(model.SessionState)) Option {
	return func(n *Negotiator) { n.onState = fn }
}

// WithErrorHandler receives setup and exchange failures. Negotiation does not
// retry on its own; the caller decides whether to end the session.
func WithErrorHandler(fn func(error)) Option {
	return func(n *Negotiator) { n.onError = fn }
}

// Negotiator drives one participant's side of a session: offer/answer
// exchange through the store and trickled candidates in both directions.
type Negotiator struct {
	exchange      Exchange
	transport     MediaTransport
	sessionID     string
	participantID string
	peerID        string
	role          model.Role

	onState func(model.SessionState)
	onError func(error)

	mu    sync.Mutex
	state model.SessionState
	// offerRevision is the revision of the offer this initiator last wrote.
	offerRevision int64
	// handledRevision is the answer an initiator consumed, or the offer a
	// responder answered. It is set before the transport is touched.
	handledRevision int64
	outbox          [][]byte
	closed          bool

	applyMu   sync.Mutex
	remoteSet bool
	pending   [][]byte

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	sessionSub   *events.Subscription
	candidateSub *events.Subscription
}

// NewNegotiator binds participantID's transport to session. The session must
// already contain both participants.
func NewNegotiator(exchange Exchange, transport MediaTransport, session *model.Session, participantID string, opts ...Option) (*Negotiator, error) {
	role, ok := session.RoleOf(participantID)
	if !ok {
		return nil, apperrors.Forbidden("Not a participant of this session")
	}
	peerID := session.PeerOf(participantID)
	if peerID == "" {
		return nil, apperrors.Signaling("session has no peer")
	}

	n := &Negotiator{
		exchange:      exchange,
		transport:     transport,
		sessionID:     session.ID,
		participantID: participantID,
		peerID:        peerID,
		role:          role,
		state:         model.SessionStateNegotiating,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Negotiator) Role() model.Role {
	return n.role
}

func (n *Negotiator) State() model.SessionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Start begins watching the session and the peer's candidates.
func (n *Negotiator) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.transport.OnCandidate(n.enqueueCandidate)
	go n.pumpCandidates(n.ctx)

	n.candidateSub = n.exchange.WatchCandidates(n.ctx, n.sessionID, n.peerID, 0, n.handleCandidate)
	n.sessionSub = n.exchange.WatchSession(n.ctx, n.sessionID, n.handleSession)
}

// Close stops both feeds and closes the transport. No handler runs after it returns.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.outbox = nil
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	if n.sessionSub != nil {
		n.sessionSub.Cancel()
	}
	if n.candidateSub != nil {
		n.candidateSub.Cancel()
	}
	if err := n.transport.Close(); err != nil {
		log.Debug().Err(err).Str("sessionId", n.sessionID).Msg("transport close failed")
	}
}

func (n *Negotiator) handleSession(session *model.Session) {
	if session.State == model.SessionStateEnded {
		n.setState(model.SessionStateEnded)
		go n.Close()
		return
	}

	switch n.role {
	case model.RoleInitiator:
		n.driveInitiator(session)
	case model.RoleResponder:
		n.driveResponder(session)
	}
}

func (n *Negotiator) driveInitiator(session *model.Session) {
	n.mu.Lock()
	offered := n.offerRevision
	n.mu.Unlock()

	if offered == 0 {
		if session.State == model.SessionStateEstablished {
			n.setState(model.SessionStateEstablished)
			return
		}
		n.sendOffer()
		return
	}

	switch session.State {
	case model.SessionStateAnswerSent:
		if !session.HasAnswerFor(offered) {
			return
		}
		n.mu.Lock()
		if n.handledRevision >= offered {
			n.mu.Unlock()
			return
		}
		n.handledRevision = offered
		n.mu.Unlock()

		if err := n.transport.SetRemoteDescription(n.ctx, session.Answer); err != nil {
			n.fail(apperrors.Signaling("apply answer").WithCause(err))
			return
		}
		n.flushPending()

		if _, err := n.exchange.MarkEstablished(n.ctx, n.sessionID, n.participantID); err != nil {
			n.fail(err)
			return
		}
		n.setState(model.SessionStateEstablished)
	case model.SessionStateEstablished:
		n.setState(model.SessionStateEstablished)
	}
}

// sendOffer regenerates the local offer. Each call produces a new revision.
func (n *Negotiator) sendOffer() {
	offer, err := n.transport.CreateLocalDescription(n.ctx, model.RoleInitiator)
	if err != nil {
		n.fail(apperrors.MediaSetup(err))
		return
	}

	session, err := n.exchange.PublishOffer(n.ctx, n.sessionID, n.participantID, offer)
	if err != nil {
		n.fail(err)
		return
	}

	n.mu.Lock()
	n.offerRevision = session.OfferRevision
	n.mu.Unlock()
	n.setState(model.SessionStateOfferSent)
}

func (n *Negotiator) driveResponder(session *model.Session) {
	switch session.State {
	case model.SessionStateOfferSent:
		n.mu.Lock()
		if session.OfferRevision <= n.handledRevision {
			n.mu.Unlock()
			return
		}
		revision := session.OfferRevision
		n.handledRevision = revision
		n.mu.Unlock()

		if err := n.transport.SetRemoteDescription(n.ctx, session.Offer); err != nil {
			n.fail(apperrors.Signaling("apply offer").WithCause(err))
			return
		}
		n.flushPending()

		answer, err := n.transport.CreateLocalDescription(n.ctx, model.RoleResponder)
		if err != nil {
			n.fail(apperrors.MediaSetup(err))
			return
		}
		if _, err := n.exchange.PublishAnswer(n.ctx, n.sessionID, n.participantID, revision, answer); err != nil {
			n.fail(err)
			return
		}
		n.setState(model.SessionStateAnswerSent)
	case model.SessionStateEstablished:
		n.setState(model.SessionStateEstablished)
	}
}

func (n *Negotiator) handleCandidate(candidate model.CandidateEnvelope) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	if !n.remoteSet {
		n.pending = append(n.pending, candidate.Payload)
		return
	}
	n.addCandidate(candidate.Payload)
}

// flushPending applies queued candidates in arrival order. Candidates arriving
// afterwards are applied directly.
func (n *Negotiator) flushPending() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	n.remoteSet = true
	for _, payload := range n.pending {
		n.addCandidate(payload)
	}
	n.pending = nil
}

func (n *Negotiator) addCandidate(payload []byte) {
	if err := n.transport.AddCandidate(n.ctx, payload); err != nil {
		log.Warn().Err(err).
			Str("sessionId", n.sessionID).
			Str("participantId", n.participantID).
			Msg("remote candidate rejected")
	}
}

func (n *Negotiator) enqueueCandidate(candidate []byte) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.outbox = append(n.outbox, candidate)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// pumpCandidates writes local candidates to the store one at a time so the
// peer sees them in generation order.
func (n *Negotiator) pumpCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if len(n.outbox) == 0 || n.closed {
				n.mu.Unlock()
				break
			}
			next := n.outbox[0]
			n.outbox = n.outbox[1:]
			n.mu.Unlock()

			if _, err := n.exchange.AppendCandidate(ctx, n.sessionID, n.participantID, next); err != nil {
				if ctx.Err() != nil {
					return
				}
				n.fail(err)
			}
		}
	}
}

func (n *Negotiator) setState(state model.SessionState) {
	n.mu.Lock()
	if !state.After(n.state) {
		n.mu.Unlock()
		return
	}
	n.state = state
	handler := n.onState
	n.mu.Unlock()

	log.Debug().
		Str("sessionId", n.sessionID).
		Str("participantId", n.participantID).
		Str("role", string(n.role)).
		Str("state", string(state)).
		Msg("negotiation state changed")

	if handler != nil {
		handler(state)
	}
}

func (n *Negotiator) fail(err error) {
	if n.ctx.Err() != nil {
		return
	}
	log.Warn().Err(err).
		Str("sessionId", n.sessionID).
		Str("participantId", n.participantID).
		Str("role", string(n.role)).
		Msg("negotiation failed")
	if n.onError != nil {
		n.onError(err)
	}
}
