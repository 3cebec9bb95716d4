package model

type SessionState string

const (
	SessionStateNegotiating SessionState = "negotiating"
	SessionStateOfferSent   SessionState = "offer_sent"
	SessionStateAnswerSent  SessionState = "answer_sent"
	SessionStateEstablished SessionState = "established"
	SessionStateEnded       SessionState = "ended"
)

var sessionStateOrder = map[SessionState]int{
	SessionStateNegotiating: 0,
	SessionStateOfferSent:   1,
	SessionStateAnswerSent:  2,
	SessionStateEstablished: 3,
	SessionStateEnded:       4,
}

func (s SessionState) IsActive() bool {
	return s != SessionStateEnded
}

// After reports whether s comes strictly later than other in the negotiation order.
func (s SessionState) After(other SessionState) bool {
	return sessionStateOrder[s] > sessionStateOrder[other]
}

func (s SessionState) Valid() bool {
	_, ok := sessionStateOrder[s]
	return ok
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type EndReason string

const (
	EndReasonLeft         EndReason = "left"
	EndReasonNext         EndReason = "next"
	EndReasonReported     EndReason = "reported"
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonMediaFailed  EndReason = "media_failed"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonLeft, EndReasonNext, EndReasonReported, EndReasonDisconnected, EndReasonMediaFailed:
		return true
	}
	return false
}
