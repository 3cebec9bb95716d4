package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
)

func TestPairingService_RandomMatch(t *testing.T) {
	ctx := context.Background()
	ts := newTestServices(t)
	ts.pairing.pick = func(n int) int { return 0 }
	ts.announce(t, "alice", "bob")

	session, err := ts.pairing.RequestRandomMatch(ctx, "carol")
	require.NoError(t, err)

	assert.Equal(t, "carol", session.InitiatorID)
	assert.Equal(t, model.SessionStateNegotiating, session.State)
	assert.True(t, session.HasParticipant("carol"))
	assert.Equal(t, "alice", session.PeerOf("carol"))

	ids, err := ts.presence.ListAvailable(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids, "matched participant leaves the available set")

	again, err := ts.pairing.RequestRandomMatch(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID, "requester in a session gets it back")
}

func TestPairingService_RandomMatchNoPartners(t *testing.T) {
	ctx := context.Background()
	ts := newTestServices(t)
	ts.announce(t, "alice")

	_, err := ts.pairing.RequestRandomMatch(ctx, "alice")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoPartnersAvailable))

	available, err := ts.presence.IsAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, available, "requester stays available")

	active, err := ts.pairing.ActiveSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestPairingService_ConcurrentRandomMatches(t *testing.T) {
	ctx := context.Background()
	ts := newTestServices(t)

	const n = 12
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%02d", i)
	}
	ts.announce(t, ids...)

	var wg sync.WaitGroup
	results := make([]*model.Session, n)
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := ts.pairing.RequestRandomMatch(ctx, id)
			if err != nil {
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoPartnersAvailable), "unexpected error: %v", err)
				return
			}
			results[i] = session
		}()
	}
	wg.Wait()

	for i, session := range results {
		if session != nil {
			assert.True(t, session.HasParticipant(ids[i]))
			assert.NotEqual(t, session.ParticipantA, *session.ParticipantB)
		}
	}

	matched := 0
	for _, id := range ids {
		active, err := ts.pairing.ActiveSession(ctx, id)
		require.NoError(t, err)
		available, err := ts.presence.IsAvailable(ctx, id)
		require.NoError(t, err)

		if active != nil {
			matched++
			assert.False(t, available, "%s is matched and available", id)
			peer := active.PeerOf(id)
			peerActive, err := ts.pairing.ActiveSession(ctx, peer)
			require.NoError(t, err)
			require.NotNil(t, peerActive)
			assert.Equal(t, active.ID, peerActive.ID, "%s and %s disagree on their session", id, peer)
		} else {
			assert.True(t, available, "%s was lost from presence", id)
		}
	}
	assert.Positive(t, matched)
	assert.Zero(t, matched%2)
}

func TestPairingService_DirectMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("joins an existing session idempotently", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		again, err := ts.pairing.RequestDirectMatch(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, session.ID, again.ID)

		reverse, err := ts.pairing.RequestDirectMatch(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, session.ID, reverse.ID)
		assert.Equal(t, "alice", reverse.InitiatorID)
	})

	t.Run("busy target conflicts", func(t *testing.T) {
		ts := newTestServices(t)
		ts.pairDirect(t, "alice", "bob")
		ts.announce(t, "carol")

		_, err := ts.pairing.RequestDirectMatch(ctx, "carol", "bob")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionConflict))

		_, err = ts.pairing.RequestDirectMatch(ctx, "alice", "carol")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionConflict))
	})

	t.Run("unavailable target", func(t *testing.T) {
		ts := newTestServices(t)
		ts.announce(t, "alice")

		_, err := ts.pairing.RequestDirectMatch(ctx, "alice", "ghost")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoPartnersAvailable))
	})

	t.Run("self match", func(t *testing.T) {
		ts := newTestServices(t)
		_, err := ts.pairing.RequestDirectMatch(ctx, "alice", "alice")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("simultaneous requests create one session", func(t *testing.T) {
		ts := newTestServices(t)
		ts.announce(t, "alice", "bob")

		var wg sync.WaitGroup
		var a, b *model.Session
		var errA, errB error
		wg.Add(2)
		go func() { defer wg.Done(); a, errA = ts.pairing.RequestDirectMatch(ctx, "alice", "bob") }()
		go func() { defer wg.Done(); b, errB = ts.pairing.RequestDirectMatch(ctx, "bob", "alice") }()
		wg.Wait()

		aliceActive, err := ts.pairing.ActiveSession(ctx, "alice")
		require.NoError(t, err)
		bobActive, err := ts.pairing.ActiveSession(ctx, "bob")
		require.NoError(t, err)
		require.NotNil(t, aliceActive)
		require.NotNil(t, bobActive)
		assert.Equal(t, aliceActive.ID, bobActive.ID)

		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, aliceActive.ID, a.ID)
		assert.Equal(t, aliceActive.ID, b.ID)
	})

	t.Run("reverse request waits for a create in flight", func(t *testing.T) {
		gated := &gatedCreate{entered: make(chan struct{}), release: make(chan struct{})}
		ts := newTestServicesWith(t, func(r repository.SessionRepository) repository.SessionRepository {
			gated.SessionRepository = r
			return gated
		})
		ts.announce(t, "alice", "bob")

		type result struct {
			session *model.Session
			err     error
		}
		aliceDone := make(chan result, 1)
		go func() {
			s, err := ts.pairing.RequestDirectMatch(ctx, "alice", "bob")
			aliceDone <- result{s, err}
		}()
		<-gated.entered

		bobDone := make(chan result, 1)
		go func() {
			s, err := ts.pairing.RequestDirectMatch(ctx, "bob", "alice")
			bobDone <- result{s, err}
		}()

		time.Sleep(100 * time.Millisecond)
		close(gated.release)

		fromAlice := <-aliceDone
		fromBob := <-bobDone
		require.NoError(t, fromAlice.err)
		require.NoError(t, fromBob.err)
		assert.Equal(t, fromAlice.session.ID, fromBob.session.ID)
		assert.Equal(t, "alice", fromBob.session.InitiatorID)
	})
}

// gatedCreate blocks the first Create until release is closed.
type gatedCreate struct {
	repository.SessionRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCreate) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.SessionRepository.Create(ctx, params)
}

func TestPairingService_EndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("zero options return both to presence", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		ended, err := ts.pairing.EndSession(ctx, session.ID, "alice", EndOptions{})
		require.NoError(t, err)
		require.NotNil(t, ended.EndReason)
		assert.Equal(t, model.EndReasonLeft, *ended.EndReason)

		ids, err := ts.presence.ListAvailable(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
	})

	t.Run("next returns both to presence", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		ended, err := ts.pairing.EndSession(ctx, session.ID, "bob", EndOptions{Reason: model.EndReasonNext})
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateEnded, ended.State)
		require.NotNil(t, ended.EndedBy)
		assert.Equal(t, "bob", *ended.EndedBy)
		require.NotNil(t, ended.EndReason)
		assert.Equal(t, model.EndReasonNext, *ended.EndReason)

		ids, err := ts.presence.ListAvailable(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
	})

	t.Run("leaving withdraws only the caller", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		_, err := ts.pairing.EndSession(ctx, session.ID, "alice", EndOptions{Leave: true})
		require.NoError(t, err)

		ids, err := ts.presence.ListAvailable(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, ids)
	})

	t.Run("ending twice returns the ended record", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		first, err := ts.pairing.EndSession(ctx, session.ID, "alice", EndOptions{})
		require.NoError(t, err)
		second, err := ts.pairing.EndSession(ctx, session.ID, "bob", EndOptions{Reason: model.EndReasonReported})
		require.NoError(t, err)

		assert.Equal(t, first.Version, second.Version)
		assert.Equal(t, model.EndReasonLeft, *second.EndReason)
	})

	t.Run("outsider and bad input", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		_, err := ts.pairing.EndSession(ctx, session.ID, "mallory", EndOptions{})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))

		_, err = ts.pairing.EndSession(ctx, session.ID, "alice", EndOptions{Reason: "bored"})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

		_, err = ts.pairing.EndSession(ctx, "00000000-0000-0000-0000-000000000000", "alice", EndOptions{})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	})

	t.Run("participants can match again", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")
		_, err := ts.pairing.EndSession(ctx, session.ID, "alice", EndOptions{})
		require.NoError(t, err)

		next, err := ts.pairing.RequestRandomMatch(ctx, "bob")
		require.NoError(t, err)
		assert.NotEqual(t, session.ID, next.ID)
		assert.Equal(t, "bob", next.InitiatorID)
	})
}

func TestPairingService_WatchMatches(t *testing.T) {
	ctx := context.Background()
	ts := newTestServices(t)
	ts.announce(t, "bob")

	matched := make(chan *model.Session, 4)
	sub := ts.pairing.WatchMatches(ctx, "bob", func(s *model.Session) { matched <- s })
	defer sub.Cancel()

	session, err := ts.pairing.RequestRandomMatch(ctx, "alice")
	require.NoError(t, err)

	select {
	case got := <-matched:
		assert.Equal(t, session.ID, got.ID)
	case <-time.After(testTimeout):
		t.Fatal("match was not delivered")
	}

	// Polling must not redeliver the same session.
	select {
	case got := <-matched:
		t.Fatalf("duplicate delivery of %s", got.ID)
	case <-time.After(3 * testPoll):
	}

	t.Run("existing session is delivered at once", func(t *testing.T) {
		late := make(chan *model.Session, 1)
		lateSub := ts.pairing.WatchMatches(ctx, "alice", func(s *model.Session) { late <- s })
		defer lateSub.Cancel()

		select {
		case got := <-late:
			assert.Equal(t, session.ID, got.ID)
		case <-time.After(testTimeout):
			t.Fatal("existing session was not delivered")
		}
	})
}

func TestPairingService_KeepAlive(t *testing.T) {
	ctx := context.Background()
	ts := newTestServices(t)
	session := ts.pairDirect(t, "alice", "bob")

	ok, err := ts.pairing.KeepAlive(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ts.pairing.KeepAlive(ctx, session.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ts.pairing.EndSession(ctx, session.ID, "bob", EndOptions{})
	require.NoError(t, err)

	ok, err = ts.pairing.KeepAlive(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "ended session no longer accepts keepalives")

	_, err = ts.pairing.KeepAlive(ctx, session.ID, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMissingRequired))
}

func TestPairingService_EndIdle(t *testing.T) {
	ctx := context.Background()

	t.Run("idle member is withdrawn and the peer rejoins", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		clock := time.Now()
		ts.pairing.now = func() time.Time { return clock }
		clock = clock.Add(2 * time.Minute)
		ok, err := ts.pairing.KeepAlive(ctx, session.ID, "bob")
		require.NoError(t, err)
		require.True(t, ok)

		n, err := ts.pairing.EndIdle(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ended, err := ts.signaling.GetSession(ctx, session.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateEnded, ended.State)
		require.NotNil(t, ended.EndedBy)
		assert.Equal(t, "alice", *ended.EndedBy)
		require.NotNil(t, ended.EndReason)
		assert.Equal(t, model.EndReasonDisconnected, *ended.EndReason)

		ids, err := ts.presence.ListAvailable(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, ids)
	})

	t.Run("both idle withdraws both", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		ts.pairing.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		n, err := ts.pairing.EndIdle(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		active, err := ts.pairing.ActiveSession(ctx, "bob")
		require.NoError(t, err)
		assert.Nil(t, active)
		ids, err := ts.presence.ListAvailable(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, ids)

		ended, err := ts.signaling.GetSession(ctx, session.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.EndReasonDisconnected, *ended.EndReason)
	})

	t.Run("live sessions are left alone", func(t *testing.T) {
		ts := newTestServices(t)
		session := ts.pairDirect(t, "alice", "bob")

		n, err := ts.pairing.EndIdle(ctx, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, n)

		active, err := ts.pairing.ActiveSession(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, session.ID, active.ID)
	})
}
