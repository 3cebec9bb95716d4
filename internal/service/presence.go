package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/audit"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
	"github.com/duochat/signal-server/internal/util"
)

type PresenceService struct {
	repo   repository.PresenceRepository
	broker *events.Broker
	retry  storeRetrier
	poll   time.Duration
	now    func() time.Time
}

func NewPresenceService(
	repo repository.PresenceRepository,
	broker *events.Broker,
	retryAttempts int,
	pollInterval time.Duration,
) *PresenceService {
	return &PresenceService{
		repo:   repo,
		broker: broker,
		retry:  newStoreRetrier(retryAttempts),
		poll:   pollInterval,
		now:    time.Now,
	}
}

func validateParticipantID(field, id string) error {
	if id == "" {
		return apperrors.MissingRequired(field)
	}
	if !util.IsValidParticipantID(id) {
		return apperrors.InvalidInput(field, "must be 1-128 characters of letters, digits or ._:@-")
	}
	return nil
}

// Announce makes the participant available for matching. Repeated calls
// only refresh the heartbeat.
func (s *PresenceService) Announce(ctx context.Context, participantID string) error {
	if err := validateParticipantID("participantId", participantID); err != nil {
		return err
	}

	err := execWithStoreRetry(ctx, s.retry, "announce", func() error {
		return s.repo.Upsert(ctx, participantID, s.now())
	})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	log.Debug().Str("participantId", participantID).Msg("participant announced")
	s.publish(ctx, model.PresenceChange{ParticipantID: participantID, Available: true})
	return nil
}

func (s *PresenceService) Withdraw(ctx context.Context, participantID string) error {
	if err := validateParticipantID("participantId", participantID); err != nil {
		return err
	}

	removed, err := withStoreRetry(ctx, s.retry, "withdraw", func() (bool, error) {
		return s.repo.Remove(ctx, participantID)
	})
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}

	if removed {
		log.Debug().Str("participantId", participantID).Msg("participant withdrawn")
		s.publish(ctx, model.PresenceChange{ParticipantID: participantID, Available: false})
	}
	return nil
}

// Heartbeat refreshes lastHeartbeat and reports whether the participant is
// still in the available set.
func (s *PresenceService) Heartbeat(ctx context.Context, participantID string) (bool, error) {
	if err := validateParticipantID("participantId", participantID); err != nil {
		return false, err
	}

	present, err := withStoreRetry(ctx, s.retry, "heartbeat", func() (bool, error) {
		return s.repo.Touch(ctx, participantID, s.now())
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return present, nil
}

// IsAvailable treats an unreachable store as unavailable and returns the error alongside.
func (s *PresenceService) IsAvailable(ctx context.Context, participantID string) (bool, error) {
	rec, err := withStoreRetry(ctx, s.retry, "find presence", func() (*model.PresenceRecord, error) {
		return s.repo.Find(ctx, participantID)
	})
	if err != nil {
		return false, fmt.Errorf("find presence: %w", err)
	}
	return rec != nil && rec.Available, nil
}

// ListAvailable returns available participant IDs, oldest heartbeat first.
func (s *PresenceService) ListAvailable(ctx context.Context, excluding string) ([]string, error) {
	records, err := withStoreRetry(ctx, s.retry, "list presence", func() ([]model.PresenceRecord, error) {
		return s.repo.ListAvailable(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list available: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ParticipantID != excluding {
			ids = append(ids, rec.ParticipantID)
		}
	}
	return ids, nil
}

// Subscribe delivers the available set (minus excluding) immediately and
// again after every change.
func (s *PresenceService) Subscribe(ctx context.Context, excluding string, fn func([]string)) *events.Subscription {
	return events.Start(ctx, func(ctx context.Context, sub *events.Subscription) {
		feed := s.broker.Subscribe(events.PresenceTopic)
		defer s.broker.Unsubscribe(feed)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		var last []string
		refresh := func() {
			ids, err := s.ListAvailable(ctx, excluding)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("presence snapshot failed")
				}
				return
			}
			if last != nil && slices.Equal(last, ids) {
				return
			}
			last = ids
			sub.Deliver(func() { fn(ids) })
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-feed.Done:
				return
			case <-feed.Events:
				refresh()
			case <-feed.Resync:
				refresh()
			case <-ticker.C:
				refresh()
			}
		}
	})
}

// claim atomically withdraws the participants, failing unless every required one is still available.
func (s *PresenceService) claim(ctx context.Context, required []string, optional []string) (bool, error) {
	ok, err := withStoreRetry(ctx, s.retry, "claim", func() (bool, error) {
		return s.repo.Claim(ctx, required, optional)
	})
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if ok {
		for _, id := range append(append([]string{}, required...), optional...) {
			s.publish(ctx, model.PresenceChange{ParticipantID: id, Available: false})
		}
	}
	return ok, nil
}

// SweepStale withdraws participants whose last heartbeat is older than ttl.
func (s *PresenceService) SweepStale(ctx context.Context, ttl time.Duration) (int64, error) {
	removed, err := s.repo.RemoveStale(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	for _, id := range removed {
		s.publish(ctx, model.PresenceChange{ParticipantID: id, Available: false})
	}
	if len(removed) > 0 {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventPresenceSweep,
			Details: map[string]interface{}{"participants": removed},
		})
	}
	return int64(len(removed)), nil
}

func (s *PresenceService) publish(ctx context.Context, change model.PresenceChange) {
	publish(ctx, s.broker, events.PresenceTopic, events.TypePresence, change)
}
