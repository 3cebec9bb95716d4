package model

import "time"

type PresenceRecord struct {
	ParticipantID string    `json:"participantId"`
	Available     bool      `json:"available"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PresenceChange is published whenever a participant enters or leaves the available set.
type PresenceChange struct {
	ParticipantID string `json:"participantId" msgpack:"participantId"`
	Available     bool   `json:"available" msgpack:"available"`
}
