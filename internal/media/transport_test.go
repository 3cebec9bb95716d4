package media

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/signal-server/internal/model"
)

func newTestTransport(t *testing.T, label string) *PeerTransport {
	t.Helper()
	tr, err := NewPeerTransport(NewConfiguration(nil), label)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNewConfiguration(t *testing.T) {
	assert.Empty(t, NewConfiguration(nil).ICEServers)

	cfg := NewConfiguration([]string{"stun:stun.example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICEServers[0].URLs)
}

func TestPeerTransportOfferAnswer(t *testing.T) {
	ctx := context.Background()
	initiator := newTestTransport(t, "alice")
	responder := newTestTransport(t, "bob")

	offer, err := initiator.CreateLocalDescription(ctx, model.RoleInitiator)
	require.NoError(t, err)

	var offerDesc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offer, &offerDesc))
	assert.Equal(t, webrtc.SDPTypeOffer, offerDesc.Type)
	assert.Contains(t, offerDesc.SDP, "m=audio")
	assert.Contains(t, offerDesc.SDP, "m=video")

	require.NoError(t, responder.SetRemoteDescription(ctx, offer))
	answer, err := responder.CreateLocalDescription(ctx, model.RoleResponder)
	require.NoError(t, err)

	var answerDesc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answer, &answerDesc))
	assert.Equal(t, webrtc.SDPTypeAnswer, answerDesc.Type)

	require.NoError(t, initiator.SetRemoteDescription(ctx, answer))
}

func TestPeerTransportRejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t, "alice")

	assert.Error(t, tr.SetRemoteDescription(ctx, []byte("not json")))
	assert.Error(t, tr.AddCandidate(ctx, []byte("{")))

	_, err := tr.CreateLocalDescription(ctx, model.Role("observer"))
	assert.Error(t, err)
}

func TestPeerTransportRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := newTestTransport(t, "alice")

	_, err := tr.CreateLocalDescription(ctx, model.RoleInitiator)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeerTransportReplaysEarlyCandidates(t *testing.T) {
	tr := newTestTransport(t, "alice")

	tr.emit([]byte(`{"candidate":"c1"}`))
	tr.emit([]byte(`{"candidate":"c2"}`))

	var got []string
	tr.OnCandidate(func(c []byte) { got = append(got, string(c)) })
	tr.emit([]byte(`{"candidate":"c3"}`))

	assert.Equal(t, []string{`{"candidate":"c1"}`, `{"candidate":"c2"}`, `{"candidate":"c3"}`}, got)
}

func TestPeerTransportCandidateDuringReplayKeepsOrder(t *testing.T) {
	tr := newTestTransport(t, "alice")

	tr.emit([]byte("c1"))
	tr.emit([]byte("c2"))

	var mu sync.Mutex
	var got []string
	replaying := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup

	wg.Add(1)
	go tr.OnCandidate(func(c []byte) {
		once.Do(func() {
			close(replaying)
			// Give the concurrent emit time to race the rest of the replay.
			time.Sleep(50 * time.Millisecond)
		})
		mu.Lock()
		got = append(got, string(c))
		mu.Unlock()
		if string(c) == "c3" {
			wg.Done()
		}
	})

	<-replaying
	tr.emit([]byte("c3"))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)
}

func TestPeerTransportNotConnectedBeforeNegotiation(t *testing.T) {
	tr := newTestTransport(t, "alice")
	assert.False(t, tr.Connected())
}

func TestPeerTransportFailureFiresOnce(t *testing.T) {
	tr := newTestTransport(t, "alice")

	calls := 0
	tr.OnFailure(func() { calls++ })
	tr.fail()
	tr.fail()

	assert.Equal(t, 1, calls)
}
