package repository

import (
	"context"
	"errors"
	"time"

	"github.com/duochat/signal-server/internal/model"
)

var (
	// ErrActiveSessionExists is returned by Create when either participant is
	// already part of a non-ended session.
	ErrActiveSessionExists = errors.New("participant already has an active session")
	// ErrSessionNotActive is returned by appends against an ended session.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrSessionNotFound is returned by appends against an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable marks a transient backend failure.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// PresenceRepository holds the available set. Records for withdrawn
// participants are removed rather than flagged.
type PresenceRepository interface {
	Upsert(ctx context.Context, participantID string, at time.Time) error
	// Touch refreshes the heartbeat of a present participant and reports whether it was present.
	Touch(ctx context.Context, participantID string, at time.Time) (bool, error)
	Remove(ctx context.Context, participantID string) (bool, error)
	Find(ctx context.Context, participantID string) (*model.PresenceRecord, error)
	ListAvailable(ctx context.Context) ([]model.PresenceRecord, error)
	// Claim atomically removes every required and optional participant, but
	// only if all required participants are still present.
	Claim(ctx context.Context, required []string, optional []string) (bool, error)
	RemoveStale(ctx context.Context, before time.Time) ([]string, error)
}

// SessionRepository updates are conditional: they return (nil, nil) when the
// record exists but is not in a state that allows the change.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByParticipant(ctx context.Context, participantID string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	SetOffer(ctx context.Context, id string, offer []byte) (*model.Session, error)
	SetAnswer(ctx context.Context, id string, offerRevision int64, answer []byte) (*model.Session, error)
	MarkEstablished(ctx context.Context, id string) (*model.Session, error)
	MarkEnded(ctx context.Context, id string, endedBy string, reason model.EndReason) (*model.Session, error)
	DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error)
	// TouchParticipant records that a member of an active session is still
	// connected. It reports false when the participant is not active in it.
	TouchParticipant(ctx context.Context, sessionID, participantID string, at time.Time) (bool, error)
	ListIdleParticipants(ctx context.Context, before time.Time) ([]model.IdleParticipant, error)
}

type CandidateRepository interface {
	Append(ctx context.Context, params model.CreateCandidateParams) (*model.CandidateEnvelope, error)
	ListAfter(ctx context.Context, sessionID, senderID string, afterSequence int64) ([]model.CandidateEnvelope, error)
}

type ChatMessageRepository interface {
	Append(ctx context.Context, params model.CreateChatMessageParams) (*model.ChatMessage, error)
	ListAfter(ctx context.Context, sessionID string, afterSequence int64) ([]model.ChatMessage, error)
}
