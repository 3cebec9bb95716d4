package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duochat/signal-server/internal/database"
	"github.com/duochat/signal-server/internal/model"
)

type chatMessageRepo struct {
	db *sqlx.DB
}

func NewChatMessageRepository(db *sqlx.DB) ChatMessageRepository {
	return &chatMessageRepo{db: db}
}

func (r *chatMessageRepo) Append(ctx context.Context, params model.CreateChatMessageParams) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	err := database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockActiveSession(ctx, tx, params.SessionID); err != nil {
			return err
		}

		var last struct {
			Sequence  int64      `db:"sequence"`
			CreatedAt *time.Time `db:"created_at"`
		}
		if err := tx.GetContext(ctx, &last, `
			SELECT COALESCE(MAX(sequence), 0) AS sequence, MAX(created_at) AS created_at
			FROM chat_messages
			WHERE session_id = $1
		`, params.SessionID); err != nil {
			return err
		}

		createdAt := time.Now()
		if last.CreatedAt != nil && last.CreatedAt.After(createdAt) {
			createdAt = *last.CreatedAt
		}

		return tx.GetContext(ctx, &msg, `
			INSERT INTO chat_messages (id, session_id, sender_id, content, sequence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *
		`, params.ID, params.SessionID, params.SenderID, params.Content, last.Sequence+1, createdAt)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatMessageRepo) ListAfter(ctx context.Context, sessionID string, afterSequence int64) ([]model.ChatMessage, error) {
	var messages []model.ChatMessage
	err := r.db.SelectContext(ctx, &messages, `
		SELECT * FROM chat_messages
		WHERE session_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, sessionID, afterSequence)
	if err != nil {
		return nil, err
	}
	return messages, nil
}
