package model

import "time"

// CandidateEnvelope carries one opaque connectivity candidate. Sequence is
// dense per (SessionID, SenderID) starting at 1.
type CandidateEnvelope struct {
	ID        int64     `db:"id" json:"-"`
	SessionID string    `db:"session_id" json:"sessionId"`
	SenderID  string    `db:"sender_id" json:"senderId"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	Payload   []byte    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateCandidateParams struct {
	SessionID string
	SenderID  string
	Payload   []byte
}
