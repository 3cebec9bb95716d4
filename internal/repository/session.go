package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duochat/signal-server/internal/database"
	"github.com/duochat/signal-server/internal/model"
)

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByParticipant(ctx context.Context, participantID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT s.* FROM sessions s
		JOIN active_participants ap ON ap.session_id = s.id
		WHERE ap.participant_id = $1
	`, participantID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &session, `
			INSERT INTO sessions (id, participant_a, participant_b, initiator_id)
			VALUES ($1, $2, $3, $4)
			RETURNING *
		`, params.ID, params.ParticipantA, params.ParticipantB, params.InitiatorID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO active_participants (participant_id, session_id)
			VALUES ($1, $3), ($2, $3)
		`, params.ParticipantA, params.ParticipantB, params.ID)
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) SetOffer(ctx context.Context, id string, offer []byte) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			offer = $2,
			offer_revision = offer_revision + 1,
			answer = NULL,
			state = 'offer_sent',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state IN ('negotiating', 'offer_sent', 'answer_sent')
		RETURNING *
	`, id, offer)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) SetAnswer(ctx context.Context, id string, offerRevision int64, answer []byte) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			answer = $3,
			answer_revision = $2,
			state = 'answer_sent',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state = 'offer_sent' AND offer_revision = $2
		RETURNING *
	`, id, offerRevision, answer)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) MarkEstablished(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			state = 'established',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state = 'answer_sent'
		RETURNING *
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string, endedBy string, reason model.EndReason) (*model.Session, error) {
	var ended *model.Session
	err := database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var session model.Session
		err := tx.GetContext(ctx, &session, `
			UPDATE sessions SET
				state = 'ended',
				ended_by = $2,
				end_reason = $3,
				ended_at = NOW(),
				version = version + 1,
				updated_at = NOW()
			WHERE id = $1 AND state <> 'ended'
			RETURNING *
		`, id, endedBy, reason)
		found, err := HandleNotFound(&session, err)
		if err != nil || found == nil {
			return err
		}
		ended = found

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM active_participants WHERE session_id = $1
		`, id); err != nil {
			return fmt.Errorf("release participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (r *sessionRepo) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE state = 'ended' AND ended_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) TouchParticipant(ctx context.Context, sessionID, participantID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE active_participants SET last_seen = $3
		WHERE participant_id = $1 AND session_id = $2
	`, participantID, sessionID, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) ListIdleParticipants(ctx context.Context, before time.Time) ([]model.IdleParticipant, error) {
	var idle []model.IdleParticipant
	err := r.db.SelectContext(ctx, &idle, `
		SELECT session_id, participant_id FROM active_participants
		WHERE last_seen < $1
		ORDER BY session_id, participant_id
	`, before)
	return idle, err
}
