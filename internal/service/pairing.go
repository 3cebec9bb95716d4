package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/audit"
	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
)

// randomMatchAttempts is the first selection plus one retry after a lost claim.
const randomMatchAttempts = 2

var errClaimLost = errors.New("partner was claimed by another match")

// EndOptions zero value ends with reason left and returns both participants
// to the available set.
type EndOptions struct {
	// Leave withdraws the caller instead of re-announcing it.
	Leave  bool
	Reason model.EndReason
}

type PairingService struct {
	sessions repository.SessionRepository
	presence *PresenceService
	broker   *events.Broker
	retry    storeRetrier
	pick     func(n int) int
	now      func() time.Time
}

func NewPairingService(
	sessions repository.SessionRepository,
	presence *PresenceService,
	broker *events.Broker,
	retryAttempts int,
) *PairingService {
	return &PairingService{
		sessions: sessions,
		presence: presence,
		broker:   broker,
		retry:    newStoreRetrier(retryAttempts),
		pick:     rand.Intn,
		now:      time.Now,
	}
}

func (s *PairingService) ActiveSession(ctx context.Context, participantID string) (*model.Session, error) {
	session, err := withStoreRetry(ctx, s.retry, "find active session", func() (*model.Session, error) {
		return s.sessions.FindActiveByParticipant(ctx, participantID)
	})
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return session, nil
}

// RequestRandomMatch pairs the requester with a uniformly chosen available
// participant. A requester already in a session gets that session back.
func (s *PairingService) RequestRandomMatch(ctx context.Context, requesterID string) (*model.Session, error) {
	if err := validateParticipantID("requesterId", requesterID); err != nil {
		return nil, err
	}

	if existing, err := s.ActiveSession(ctx, requesterID); err != nil || existing != nil {
		return existing, err
	}

	for attempt := 1; attempt <= randomMatchAttempts; attempt++ {
		candidates, err := s.presence.ListAvailable(ctx, requesterID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		partnerID := candidates[s.pick(len(candidates))]
		session, err := s.pair(ctx, requesterID, partnerID)
		switch {
		case err == nil:
			return session, nil
		case errors.Is(err, errClaimLost):
			log.Debug().
				Str("requesterId", requesterID).
				Str("partnerId", partnerID).
				Int("attempt", attempt).
				Msg("lost claim race, retrying selection")
		case errors.Is(err, repository.ErrActiveSessionExists):
			if existing, findErr := s.ActiveSession(ctx, requesterID); findErr == nil && existing != nil {
				return existing, nil
			}
			audit.Log(ctx, audit.Event{
				Type:          audit.EventMatchConflict,
				ParticipantID: requesterID,
				Details:       map[string]interface{}{"partnerId": partnerID},
			})
		default:
			return nil, err
		}
	}

	return nil, apperrors.NoPartnersAvailable()
}

// RequestDirectMatch pairs the requester with a specific participant. If the
// two already share an active session it is returned unchanged.
func (s *PairingService) RequestDirectMatch(ctx context.Context, requesterID, targetID string) (*model.Session, error) {
	if err := validateParticipantID("requesterId", requesterID); err != nil {
		return nil, err
	}
	if err := validateParticipantID("targetId", targetID); err != nil {
		return nil, err
	}
	if requesterID == targetID {
		return nil, apperrors.InvalidInput("targetId", "cannot match with yourself")
	}

	session, pairErr := s.tryDirect(ctx, requesterID, targetID)
	if pairErr == nil || !lostToConcurrentCreate(pairErr) {
		return session, pairErr
	}

	// A requester that is neither available nor in a session may have been
	// claimed by a create still in flight, most likely the target pairing
	// with us. Wait for it to land.
	if available, err := s.presence.IsAvailable(ctx, requesterID); err == nil && !available {
		session, pairErr = s.settleDirect(ctx, requesterID, targetID)
		if pairErr == nil || !lostToConcurrentCreate(pairErr) {
			return session, pairErr
		}
	}

	if errors.Is(pairErr, repository.ErrActiveSessionExists) {
		return nil, apperrors.SessionConflict("Participant is already in a session")
	}
	return nil, apperrors.NoPartnersAvailable().WithDetails(map[string]string{"targetId": targetID})
}

// tryDirect returns the shared session, or pairs the two when both are free.
func (s *PairingService) tryDirect(ctx context.Context, requesterID, targetID string) (*model.Session, error) {
	existing, err := s.joinable(ctx, requesterID, targetID)
	if err != nil || existing != nil {
		return existing, err
	}
	session, err := s.pair(ctx, requesterID, targetID)
	if err != nil && lostToConcurrentCreate(err) {
		// Someone else got there first; it may have been the target pairing with us.
		if existing, jerr := s.joinable(ctx, requesterID, targetID); jerr != nil || existing != nil {
			return existing, jerr
		}
	}
	return session, err
}

// settleDirect repeats tryDirect with backoff until the concurrent create
// resolves into a shared session, a conflict, or a free pair.
func (s *PairingService) settleDirect(ctx context.Context, requesterID, targetID string) (*model.Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.DirectMatchSettleInterval
	b.MaxElapsedTime = config.DirectMatchSettleTimeout

	var session *model.Session
	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		session, lastErr = s.tryDirect(ctx, requesterID, targetID)
		if lastErr == nil {
			return nil
		}
		if !lostToConcurrentCreate(lastErr) {
			return backoff.Permanent(lastErr)
		}
		log.Debug().
			Str("requesterId", requesterID).
			Str("targetId", targetID).
			Int("attempt", attempt).
			Msg("direct match waiting on concurrent create")
		return lastErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lastErr
	}
	return session, nil
}

func lostToConcurrentCreate(err error) bool {
	return errors.Is(err, errClaimLost) || errors.Is(err, repository.ErrActiveSessionExists)
}

// joinable returns the session the two participants already share, nil when
// both are free, or SESSION_CONFLICT when either is busy with someone else.
func (s *PairingService) joinable(ctx context.Context, requesterID, targetID string) (*model.Session, error) {
	mine, err := s.ActiveSession(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if mine != nil {
		if mine.HasParticipant(targetID) {
			return mine, nil
		}
		return nil, apperrors.SessionConflict("Requester is already in a session")
	}

	theirs, err := s.ActiveSession(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if theirs != nil {
		return nil, apperrors.SessionConflict("Target is already in a session")
	}
	return nil, nil
}

// pair claims the target (which must be available) together with the
// requester and creates the session with the requester as initiator.
func (s *PairingService) pair(ctx context.Context, requesterID, targetID string) (*model.Session, error) {
	requesterWasAvailable, err := s.presence.IsAvailable(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	ok, err := s.presence.claim(ctx, []string{targetID}, []string{requesterID})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errClaimLost
	}

	session, err := withStoreRetry(ctx, s.retry, "create session", func() (*model.Session, error) {
		return s.sessions.Create(ctx, model.CreateSessionParams{
			ID:           uuid.NewString(),
			ParticipantA: requesterID,
			ParticipantB: targetID,
			InitiatorID:  requesterID,
		})
	})
	if err != nil {
		restore := []string{targetID}
		if requesterWasAvailable {
			restore = append(restore, requesterID)
		}
		s.restore(ctx, restore...)
		return nil, err
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("initiatorId", requesterID).
		Str("responderId", targetID).
		Msg("session created")
	audit.Log(ctx, audit.Event{
		Type:          audit.EventSessionCreate,
		ParticipantID: requesterID,
		SessionID:     session.ID,
		Details:       map[string]interface{}{"partnerId": targetID},
	})

	publishSession(ctx, s.broker, session)
	for _, p := range session.Participants() {
		publish(ctx, s.broker, events.ParticipantTopic(p), events.TypeMatched, session)
	}
	return session, nil
}

// WatchMatches delivers the participant's active session, if any, and then
// every session the participant is matched into while the feed runs.
func (s *PairingService) WatchMatches(ctx context.Context, participantID string, fn func(*model.Session)) *events.Subscription {
	return events.Start(ctx, func(ctx context.Context, sub *events.Subscription) {
		live := s.broker.Subscribe(events.ParticipantTopic(participantID))
		defer s.broker.Unsubscribe(live)

		ticker := time.NewTicker(s.presence.poll)
		defer ticker.Stop()

		var last string
		offer := func(session *model.Session) bool {
			if session == nil || !session.IsActive() || session.ID == last {
				return true
			}
			last = session.ID
			return sub.Deliver(func() { fn(session) })
		}
		reload := func() bool {
			session, err := s.ActiveSession(ctx, participantID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("participantId", participantID).Msg("match reload failed")
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
				if ev.Type != events.TypeMatched {
					continue
				}
				var session model.Session
				if err := json.Unmarshal(ev.Data, &session); err != nil {
					log.Warn().Err(err).Str("participantId", participantID).Msg("undecodable match event")
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

// restore re-announces claimed participants that did not end up in a session.
func (s *PairingService) restore(ctx context.Context, participantIDs ...string) {
	for _, id := range participantIDs {
		active, err := s.ActiveSession(ctx, id)
		if err != nil || active != nil {
			continue
		}
		if err := s.presence.Announce(ctx, id); err != nil {
			log.Warn().Err(err).Str("participantId", id).Msg("failed to restore presence")
		}
	}
}

// EndSession ends the session and returns both participants to presence,
// except the caller when opts.Leave is set. Ending an already ended session
// returns it unchanged.
func (s *PairingService) EndSession(ctx context.Context, sessionID, participantID string, opts EndOptions) (*model.Session, error) {
	if opts.Reason == "" {
		opts.Reason = model.EndReasonLeft
	}
	if !opts.Reason.Valid() {
		return nil, apperrors.InvalidInput("reason", string(opts.Reason))
	}

	session, err := withStoreRetry(ctx, s.retry, "find session", func() (*model.Session, error) {
		return s.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	if !session.HasParticipant(participantID) {
		return nil, apperrors.Forbidden("Not a participant of this session")
	}
	if !session.IsActive() {
		return session, nil
	}

	var withdraw []string
	if opts.Leave {
		withdraw = append(withdraw, participantID)
	}
	return s.end(ctx, sessionID, participantID, opts.Reason, withdraw)
}

// end marks the session ended and re-announces every participant not listed
// in withdraw.
func (s *PairingService) end(ctx context.Context, sessionID, endedBy string, reason model.EndReason, withdraw []string) (*model.Session, error) {
	ended, err := withStoreRetry(ctx, s.retry, "end session", func() (*model.Session, error) {
		return s.sessions.MarkEnded(ctx, sessionID, endedBy, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if ended == nil {
		// Ended concurrently by the other participant.
		return s.sessions.FindByID(ctx, sessionID)
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("endedBy", endedBy).
		Str("reason", string(reason)).
		Msg("session ended")
	audit.Log(ctx, audit.Event{
		Type:          auditTypeForReason(reason),
		ParticipantID: endedBy,
		SessionID:     sessionID,
		Details:       map[string]interface{}{"reason": string(reason), "withdrawn": withdraw},
	})

	publishSession(ctx, s.broker, ended)

	for _, p := range ended.Participants() {
		var err error
		if slices.Contains(withdraw, p) {
			err = s.presence.Withdraw(ctx, p)
		} else {
			err = s.presence.Announce(ctx, p)
		}
		if err != nil {
			log.Warn().Err(err).Str("participantId", p).Msg("failed to update presence after session end")
		}
	}

	return ended, nil
}

// KeepAlive records that the participant is still connected to the session.
// It reports false once the participant is no longer active in it.
func (s *PairingService) KeepAlive(ctx context.Context, sessionID, participantID string) (bool, error) {
	if err := validateParticipantID("participantId", participantID); err != nil {
		return false, err
	}
	ok, err := withStoreRetry(ctx, s.retry, "touch participant", func() (bool, error) {
		return s.sessions.TouchParticipant(ctx, sessionID, participantID, s.now())
	})
	if err != nil {
		return false, fmt.Errorf("touch participant: %w", err)
	}
	return ok, nil
}

// EndIdle ends every active session with a member that has not kept alive
// within idleFor. The idle members are withdrawn and the rest rejoin the
// available set. It returns the number of sessions ended.
func (s *PairingService) EndIdle(ctx context.Context, idleFor time.Duration) (int64, error) {
	idle, err := withStoreRetry(ctx, s.retry, "list idle participants", func() ([]model.IdleParticipant, error) {
		return s.sessions.ListIdleParticipants(ctx, s.now().Add(-idleFor))
	})
	if err != nil {
		return 0, fmt.Errorf("list idle participants: %w", err)
	}

	bySession := make(map[string][]string)
	for _, p := range idle {
		bySession[p.SessionID] = append(bySession[p.SessionID], p.ParticipantID)
	}
	ids := make([]string, 0, len(bySession))
	for id := range bySession {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var ended int64
	for _, id := range ids {
		members := bySession[id]
		session, err := s.end(ctx, id, members[0], model.EndReasonDisconnected, members)
		if err != nil {
			if ctx.Err() != nil {
				return ended, ctx.Err()
			}
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to end idle session")
			continue
		}
		if session != nil && session.EndReason != nil && *session.EndReason == model.EndReasonDisconnected {
			ended++
		}
	}
	if ended > 0 {
		log.Info().Int64("count", ended).Dur("idleFor", idleFor).Msg("ended idle sessions")
	}
	return ended, nil
}

func auditTypeForReason(reason model.EndReason) audit.EventType {
	if reason == model.EndReasonReported {
		return audit.EventSessionReport
	}
	return audit.EventSessionEnd
}
