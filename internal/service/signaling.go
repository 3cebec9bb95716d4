package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/audit"
	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
)

// SignalingService is the server side of the offer/answer exchange. It
// enforces that only the initiator writes offers and only the responder
// writes answers.
type SignalingService struct {
	sessions   repository.SessionRepository
	candidates repository.CandidateRepository
	broker     *events.Broker
	retry      storeRetrier
	poll       time.Duration
}

func NewSignalingService(
	sessions repository.SessionRepository,
	candidates repository.CandidateRepository,
	broker *events.Broker,
	retryAttempts int,
	pollInterval time.Duration,
) *SignalingService {
	return &SignalingService{
		sessions:   sessions,
		candidates: candidates,
		broker:     broker,
		retry:      newStoreRetrier(retryAttempts),
		poll:       pollInterval,
	}
}

func (s *SignalingService) findSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := withStoreRetry(ctx, s.retry, "find session", func() (*model.Session, error) {
		return s.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// GetSession returns the session if participantID is one of its members.
func (s *SignalingService) GetSession(ctx context.Context, sessionID, participantID string) (*model.Session, error) {
	session, _, err := s.memberSession(ctx, sessionID, participantID)
	return session, err
}

func (s *SignalingService) memberSession(ctx context.Context, sessionID, participantID string) (*model.Session, model.Role, error) {
	session, err := s.findSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	role, ok := session.RoleOf(participantID)
	if !ok {
		return nil, "", apperrors.Forbidden("Not a participant of this session")
	}
	return session, role, nil
}

func (s *SignalingService) requireRole(ctx context.Context, session *model.Session, participantID string, have, want model.Role, action string) error {
	if have == want {
		return nil
	}
	audit.Log(ctx, audit.Event{
		Type:          audit.EventRoleViolation,
		ParticipantID: participantID,
		SessionID:     session.ID,
		Details:       map[string]interface{}{"action": action, "role": string(have)},
	})
	return apperrors.Signaling(fmt.Sprintf("Only the %s may %s", want, action))
}

func validatePayload(field string, payload []byte, limit int) error {
	if len(payload) == 0 {
		return apperrors.MissingRequired(field)
	}
	if len(payload) > limit {
		return apperrors.InvalidInput(field, fmt.Sprintf("exceeds %d bytes", limit))
	}
	return nil
}

// rejected explains why a conditional update did not apply.
func (s *SignalingService) rejected(ctx context.Context, sessionID, action string) (*model.Session, error) {
	current, err := s.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		return current, apperrors.SessionNotActive()
	}
	return current, apperrors.Signaling(fmt.Sprintf("Cannot %s in state %s", action, current.State)).
		WithDetails(map[string]any{"state": current.State, "offerRevision": current.OfferRevision})
}

// PublishOffer stores a new offer. Every call bumps offerRevision and
// discards any answer to the previous offer.
func (s *SignalingService) PublishOffer(ctx context.Context, sessionID, participantID string, offer []byte) (*model.Session, error) {
	session, role, err := s.memberSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.SessionNotActive()
	}
	if err := s.requireRole(ctx, session, participantID, role, model.RoleInitiator, "publish an offer"); err != nil {
		return nil, err
	}
	if err := validatePayload("offer", offer, config.MaxDescriptionBytes); err != nil {
		return nil, err
	}

	updated, err := withStoreRetry(ctx, s.retry, "set offer", func() (*model.Session, error) {
		return s.sessions.SetOffer(ctx, sessionID, offer)
	})
	if err != nil {
		return nil, fmt.Errorf("set offer: %w", err)
	}
	if updated == nil {
		_, err := s.rejected(ctx, sessionID, "publish an offer")
		return nil, err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int64("offerRevision", updated.OfferRevision).
		Msg("offer published")
	publishSession(ctx, s.broker, updated)
	return updated, nil
}

// PublishAnswer stores the responder's answer to a specific offer revision.
// Re-sending the answer for an already answered revision is a no-op.
func (s *SignalingService) PublishAnswer(ctx context.Context, sessionID, participantID string, offerRevision int64, answer []byte) (*model.Session, error) {
	session, role, err := s.memberSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.SessionNotActive()
	}
	if err := s.requireRole(ctx, session, participantID, role, model.RoleResponder, "publish an answer"); err != nil {
		return nil, err
	}
	if offerRevision <= 0 {
		return nil, apperrors.InvalidInput("offerRevision", "must be positive")
	}
	if err := validatePayload("answer", answer, config.MaxDescriptionBytes); err != nil {
		return nil, err
	}

	updated, err := withStoreRetry(ctx, s.retry, "set answer", func() (*model.Session, error) {
		return s.sessions.SetAnswer(ctx, sessionID, offerRevision, answer)
	})
	if err != nil {
		return nil, fmt.Errorf("set answer: %w", err)
	}
	if updated == nil {
		current, err := s.rejected(ctx, sessionID, "publish an answer")
		if current != nil && current.IsActive() && current.HasAnswerFor(offerRevision) {
			return current, nil
		}
		if current != nil && current.IsActive() && current.OfferRevision != offerRevision {
			return nil, apperrors.Signaling("Answer refers to a superseded offer").
				WithDetails(map[string]any{"offerRevision": current.OfferRevision})
		}
		return nil, err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int64("offerRevision", offerRevision).
		Msg("answer published")
	publishSession(ctx, s.broker, updated)
	return updated, nil
}

// MarkEstablished is called by the initiator once it has applied the answer.
func (s *SignalingService) MarkEstablished(ctx context.Context, sessionID, participantID string) (*model.Session, error) {
	session, role, err := s.memberSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.SessionNotActive()
	}
	if err := s.requireRole(ctx, session, participantID, role, model.RoleInitiator, "mark the session established"); err != nil {
		return nil, err
	}

	updated, err := withStoreRetry(ctx, s.retry, "mark established", func() (*model.Session, error) {
		return s.sessions.MarkEstablished(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("mark established: %w", err)
	}
	if updated == nil {
		current, err := s.rejected(ctx, sessionID, "mark the session established")
		if current != nil && current.State == model.SessionStateEstablished {
			return current, nil
		}
		return nil, err
	}

	log.Info().Str("sessionId", sessionID).Msg("session established")
	publishSession(ctx, s.broker, updated)
	return updated, nil
}

func (s *SignalingService) AppendCandidate(ctx context.Context, sessionID, participantID string, payload []byte) (*model.CandidateEnvelope, error) {
	if _, _, err := s.memberSession(ctx, sessionID, participantID); err != nil {
		return nil, err
	}
	if err := validatePayload("payload", payload, config.MaxCandidateBytes); err != nil {
		return nil, err
	}

	envelope, err := withStoreRetry(ctx, s.retry, "append candidate", func() (*model.CandidateEnvelope, error) {
		return s.candidates.Append(ctx, model.CreateCandidateParams{
			SessionID: sessionID,
			SenderID:  participantID,
			Payload:   payload,
		})
	})
	if errors.Is(err, repository.ErrSessionNotActive) {
		return nil, apperrors.SessionNotActive()
	}
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, apperrors.NotFound("Session")
	}
	if err != nil {
		return nil, fmt.Errorf("append candidate: %w", err)
	}

	publish(ctx, s.broker, events.SessionTopic(sessionID), events.TypeCandidate, envelope)
	return envelope, nil
}

// ListCandidates returns senderID's candidates with sequence greater than after.
func (s *SignalingService) ListCandidates(ctx context.Context, sessionID, participantID, senderID string, after int64) ([]model.CandidateEnvelope, error) {
	session, _, err := s.memberSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(senderID) {
		return nil, apperrors.InvalidInput("sender", "not a participant of this session")
	}

	return withStoreRetry(ctx, s.retry, "list candidates", func() ([]model.CandidateEnvelope, error) {
		return s.candidates.ListAfter(ctx, sessionID, senderID, after)
	})
}

// WatchSession delivers the current record and then every newer version.
// The feed stops on its own after delivering the ended record.
func (s *SignalingService) WatchSession(ctx context.Context, sessionID string, fn func(*model.Session)) *events.Subscription {
	return events.Start(ctx, func(ctx context.Context, sub *events.Subscription) {
		live := s.broker.Subscribe(events.SessionTopic(sessionID))
		defer s.broker.Unsubscribe(live)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		var version int64
		// offer reports whether the feed should keep running.
		offer := func(session *model.Session) bool {
			if session == nil || session.Version <= version {
				return true
			}
			version = session.Version
			if !sub.Deliver(func() { fn(session) }) {
				return false
			}
			return session.IsActive()
		}
		reload := func() bool {
			session, err := s.sessions.FindByID(ctx, sessionID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("sessionId", sessionID).Msg("session reload failed")
				}
				return ctx.Err() == nil
			}
			return offer(session)
		}

		if !reload() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-live.Done:
				return
			case ev := <-live.Events:
				if ev.Type != events.TypeSession {
					continue
				}
				var session model.Session
				if err := json.Unmarshal(ev.Data, &session); err != nil {
					log.Warn().Err(err).Str("sessionId", sessionID).Msg("undecodable session event")
					continue
				}
				if !offer(&session) {
					return
				}
			case <-live.Resync:
				if !reload() {
					return
				}
			case <-ticker.C:
				if !reload() {
					return
				}
			}
		}
	})
}

// WatchCandidates delivers senderID's candidates in sequence order, starting
// after the given sequence, with no gaps or duplicates.
func (s *SignalingService) WatchCandidates(ctx context.Context, sessionID, senderID string, after int64, fn func(model.CandidateEnvelope)) *events.Subscription {
	feed := orderedFeed[model.CandidateEnvelope]{
		topic:     events.SessionTopic(sessionID),
		eventType: events.TypeCandidate,
		accept:    func(c model.CandidateEnvelope) bool { return c.SenderID == senderID },
		sequence:  func(c model.CandidateEnvelope) int64 { return c.Sequence },
		fetch: func(ctx context.Context, after int64) ([]model.CandidateEnvelope, error) {
			return s.candidates.ListAfter(ctx, sessionID, senderID, after)
		},
		poll: s.poll,
	}
	return events.Start(ctx, func(ctx context.Context, sub *events.Subscription) {
		feed.run(ctx, s.broker, sub, after, fn)
	})
}
