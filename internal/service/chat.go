package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
)

type ChatService struct {
	sessions repository.SessionRepository
	messages repository.ChatMessageRepository
	broker   *events.Broker
	retry    storeRetrier
	poll     time.Duration
}

func NewChatService(
	sessions repository.SessionRepository,
	messages repository.ChatMessageRepository,
	broker *events.Broker,
	retryAttempts int,
	pollInterval time.Duration,
) *ChatService {
	return &ChatService{
		sessions: sessions,
		messages: messages,
		broker:   broker,
		retry:    newStoreRetrier(retryAttempts),
		poll:     pollInterval,
	}
}

func (s *ChatService) requireMember(ctx context.Context, sessionID, participantID string) (*model.Session, error) {
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
	return session, nil
}

// Send appends a message to the session's channel.
func (s *ChatService) Send(ctx context.Context, sessionID, senderID, content string) (*model.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.ValidationError("Message content must not be empty")
	}
	if utf8.RuneCountInString(content) > config.MaxChatMessageLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("Message exceeds %d characters", config.MaxChatMessageLength))
	}

	session, err := s.requireMember(ctx, sessionID, senderID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.SessionNotActive()
	}

	id := uuid.NewString()
	msg, err := withStoreRetry(ctx, s.retry, "append message", func() (*model.ChatMessage, error) {
		return s.messages.Append(ctx, model.CreateChatMessageParams{
			ID:        id,
			SessionID: sessionID,
			SenderID:  senderID,
			Content:   content,
		})
	})
	if errors.Is(err, repository.ErrSessionNotActive) {
		return nil, apperrors.SessionNotActive()
	}
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("senderId", senderID).
		Int64("sequence", msg.Sequence).
		Msg("chat message sent")
	publish(ctx, s.broker, events.SessionTopic(sessionID), events.TypeMessage, msg)
	return msg, nil
}

// List returns messages with sequence greater than after. Ended sessions stay readable until cleanup.
func (s *ChatService) List(ctx context.Context, sessionID, participantID string, after int64) ([]model.ChatMessage, error) {
	if _, err := s.requireMember(ctx, sessionID, participantID); err != nil {
		return nil, err
	}
	return withStoreRetry(ctx, s.retry, "list messages", func() ([]model.ChatMessage, error) {
		return s.messages.ListAfter(ctx, sessionID, after)
	})
}

// Subscribe replays the session's messages after the given sequence and
// then follows new ones, in order and without duplicates.
func (s *ChatService) Subscribe(ctx context.Context, sessionID string, after int64, fn func(model.ChatMessage)) *events.Subscription {
	feed := orderedFeed[model.ChatMessage]{
		topic:     events.SessionTopic(sessionID),
		eventType: events.TypeMessage,
		sequence:  func(m model.ChatMessage) int64 { return m.Sequence },
		fetch: func(ctx context.Context, after int64) ([]model.ChatMessage, error) {
			return s.messages.ListAfter(ctx, sessionID, after)
		},
		poll: s.poll,
	}
	return events.Start(ctx, func(ctx context.Context, sub *events.Subscription) {
		feed.run(ctx, s.broker, sub, after, fn)
	})
}
