package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/model"
)

// PeerTransport is a pion peer connection that exchanges descriptions and
// candidates as JSON, in the shape browsers produce.
type PeerTransport struct {
	pc    *webrtc.PeerConnection
	label string

	// deliverMu orders candidate delivery, including the replay of early ones.
	deliverMu sync.Mutex

	mu          sync.Mutex
	onCandidate func([]byte)
	early       [][]byte
	onFailure   func()
	failed      bool
}

func NewConfiguration(stunURLs []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return cfg
}

// NewPeerTransport creates a peer connection. label only appears in logs.
func NewPeerTransport(cfg webrtc.Configuration, label string) (*PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &PeerTransport{pc: pc, label: label}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warn().Err(err).Str("peer", label).Msg("encode local candidate")
			return
		}
		t.emit(payload)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("peer", label).Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateFailed {
			t.fail()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("peer", label).
			Str("kind", track.Kind().String()).
			Str("trackId", track.ID()).
			Msg("remote track")
	})

	return t, nil
}

func (t *PeerTransport) CreateLocalDescription(ctx context.Context, role model.Role) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch role {
	case model.RoleInitiator:
		if len(t.pc.GetTransceivers()) == 0 {
			for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
				if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
					Direction: webrtc.RTPTransceiverDirectionRecvonly,
				}); err != nil {
					return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
				}
			}
		}
		desc, err = t.pc.CreateOffer(nil)
		if err != nil {
			return nil, fmt.Errorf("create offer: %w", err)
		}
	case model.RoleResponder:
		desc, err = t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *PeerTransport) SetRemoteDescription(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *PeerTransport) AddCandidate(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// OnCandidate registers the local candidate handler. Candidates gathered
// before registration are replayed to it.
func (t *PeerTransport) OnCandidate(fn func([]byte)) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	t.onCandidate = fn
	early := t.early
	t.early = nil
	t.mu.Unlock()

	for _, payload := range early {
		fn(payload)
	}
}

// OnFailure is called once if the connection fails after negotiation.
func (t *PeerTransport) OnFailure(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = fn
}

// Connected reports whether media is flowing.
func (t *PeerTransport) Connected() bool {
	return t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (t *PeerTransport) Close() error {
	return t.pc.Close()
}

func (t *PeerTransport) emit(payload []byte) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	fn := t.onCandidate
	if fn == nil {
		t.early = append(t.early, payload)
	}
	t.mu.Unlock()

	if fn != nil {
		fn(payload)
	}
}

func (t *PeerTransport) fail() {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	fn := t.onFailure
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}
