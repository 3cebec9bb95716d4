package model

import (
	"time"
)

// Session is one pairing of two participants. Offer and Answer are opaque
// descriptions produced by the media transport; AnswerRevision is the
// OfferRevision the current answer replies to.
type Session struct {
	ID             string       `db:"id" json:"id"`
	ParticipantA   string       `db:"participant_a" json:"participantA"`
	ParticipantB   *string      `db:"participant_b" json:"participantB,omitempty"`
	State          SessionState `db:"state" json:"state"`
	InitiatorID    string       `db:"initiator_id" json:"initiatorId"`
	Offer          []byte       `db:"offer" json:"offer,omitempty"`
	OfferRevision  int64        `db:"offer_revision" json:"offerRevision"`
	Answer         []byte       `db:"answer" json:"answer,omitempty"`
	AnswerRevision int64        `db:"answer_revision" json:"answerRevision"`
	Version        int64        `db:"version" json:"version"`
	EndedBy        *string      `db:"ended_by" json:"endedBy,omitempty"`
	EndReason      *EndReason   `db:"end_reason" json:"endReason,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
	EndedAt        *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
}

type CreateSessionParams struct {
	ID           string
	ParticipantA string
	ParticipantB string
	InitiatorID  string
}

// IdleParticipant is a member of an active session that has not been seen
// since a cutoff.
type IdleParticipant struct {
	SessionID     string `db:"session_id"`
	ParticipantID string `db:"participant_id"`
}

func (s *Session) IsActive() bool {
	return s.State.IsActive()
}

func (s *Session) Participants() []string {
	if s.ParticipantB == nil {
		return []string{s.ParticipantA}
	}
	return []string{s.ParticipantA, *s.ParticipantB}
}

func (s *Session) HasParticipant(participantID string) bool {
	for _, p := range s.Participants() {
		if p == participantID {
			return true
		}
	}
	return false
}

// RoleOf returns the role participantID plays in the session.
func (s *Session) RoleOf(participantID string) (Role, bool) {
	if !s.HasParticipant(participantID) {
		return "", false
	}
	if participantID == s.InitiatorID {
		return RoleInitiator, true
	}
	return RoleResponder, true
}

// PeerOf returns the other participant, or "" when participantID is not a member.
func (s *Session) PeerOf(participantID string) string {
	if s.ParticipantB == nil {
		return ""
	}
	switch participantID {
	case s.ParticipantA:
		return *s.ParticipantB
	case *s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// HasAnswerFor reports whether the stored answer replies to the given offer revision.
func (s *Session) HasAnswerFor(offerRevision int64) bool {
	return len(s.Answer) > 0 && s.AnswerRevision == offerRevision
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	c := *s
	if s.ParticipantB != nil {
		b := *s.ParticipantB
		c.ParticipantB = &b
	}
	if s.Offer != nil {
		c.Offer = append([]byte(nil), s.Offer...)
	}
	if s.Answer != nil {
		c.Answer = append([]byte(nil), s.Answer...)
	}
	if s.EndedBy != nil {
		by := *s.EndedBy
		c.EndedBy = &by
	}
	if s.EndReason != nil {
		r := *s.EndReason
		c.EndReason = &r
	}
	if s.EndedAt != nil {
		at := *s.EndedAt
		c.EndedAt = &at
	}
	return &c
}
