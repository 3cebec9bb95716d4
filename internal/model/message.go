package model

import "time"

// ChatMessage is an in-session text message. Sequence is dense per session
// and CreatedAt never decreases as Sequence grows.
type ChatMessage struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	SenderID  string    `db:"sender_id" json:"senderId"`
	Content   string    `db:"content" json:"content"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateChatMessageParams struct {
	ID        string
	SessionID string
	SenderID  string
	Content   string
}
