package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/duochat/signal-server/internal/database"
	"github.com/duochat/signal-server/internal/model"
)

type candidateRepo struct {
	db *sqlx.DB
}

func NewCandidateRepository(db *sqlx.DB) CandidateRepository {
	return &candidateRepo{db: db}
}

// Append allocates the next per-sender sequence under the session row lock,
// so envelopes commit in sequence order.
func (r *candidateRepo) Append(ctx context.Context, params model.CreateCandidateParams) (*model.CandidateEnvelope, error) {
	var envelope model.CandidateEnvelope
	err := database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockActiveSession(ctx, tx, params.SessionID); err != nil {
			return err
		}

		return tx.GetContext(ctx, &envelope, `
			INSERT INTO session_candidates (session_id, sender_id, sequence, payload)
			SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3
			FROM session_candidates
			WHERE session_id = $1 AND sender_id = $2
			RETURNING *
		`, params.SessionID, params.SenderID, params.Payload)
	})
	if err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (r *candidateRepo) ListAfter(ctx context.Context, sessionID, senderID string, afterSequence int64) ([]model.CandidateEnvelope, error) {
	var envelopes []model.CandidateEnvelope
	err := r.db.SelectContext(ctx, &envelopes, `
		SELECT * FROM session_candidates
		WHERE session_id = $1 AND sender_id = $2 AND sequence > $3
		ORDER BY sequence ASC
	`, sessionID, senderID, afterSequence)
	if err != nil {
		return nil, err
	}
	return envelopes, nil
}
