package signaling

import (
	"context"

	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
)

// MediaTransport is the peer connection a Negotiator drives. Descriptions and
// candidates are opaque to the exchange.
type MediaTransport interface {
	// CreateLocalDescription returns an offer for the initiator, or an answer
	// for the responder once the remote offer is set.
	CreateLocalDescription(ctx context.Context, role model.Role) ([]byte, error)
	SetRemoteDescription(ctx context.Context, desc []byte) error
	AddCandidate(ctx context.Context, candidate []byte) error
	OnCandidate(fn func(candidate []byte))
	Close() error
}

// Exchange is the store side of negotiation. *service.SignalingService implements it.
type Exchange interface {
	PublishOffer(ctx context.Context, sessionID, participantID string, offer []byte) (*model.Session, error)
	PublishAnswer(ctx context.Context, sessionID, participantID string, offerRevision int64, answer []byte) (*model.Session, error)
	MarkEstablished(ctx context.Context, sessionID, participantID string) (*model.Session, error)
	AppendCandidate(ctx context.Context, sessionID, participantID string, payload []byte) (*model.CandidateEnvelope, error)
	WatchSession(ctx context.Context, sessionID string, fn func(*model.Session)) *events.Subscription
	WatchCandidates(ctx context.Context, sessionID, senderID string, after int64, fn func(model.CandidateEnvelope)) *events.Subscription
}
