package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
	"github.com/duochat/signal-server/internal/repository"
)

const (
	testPoll    = 50 * time.Millisecond
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

type testServices struct {
	store     *repository.MemoryStore
	broker    *events.Broker
	presence  *PresenceService
	pairing   *PairingService
	signaling *SignalingService
	chat      *ChatService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	return newTestServicesWith(t, nil)
}

// newTestServicesWith lets a test wrap the session repository.
func newTestServicesWith(t *testing.T, wrap func(repository.SessionRepository) repository.SessionRepository) *testServices {
	t.Helper()
	store := repository.NewMemoryStore()
	broker := events.NewBroker(nil)
	t.Cleanup(broker.Close)

	sessions := store.Sessions()
	if wrap != nil {
		sessions = wrap(sessions)
	}

	presence := NewPresenceService(repository.NewMemoryPresenceRepository(), broker, 3, testPoll)
	return &testServices{
		store:     store,
		broker:    broker,
		presence:  presence,
		pairing:   NewPairingService(sessions, presence, broker, 3),
		signaling: NewSignalingService(sessions, store.Candidates(), broker, 3, testPoll),
		chat:      NewChatService(sessions, store.Messages(), broker, 3, testPoll),
	}
}

func (ts *testServices) announce(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, ts.presence.Announce(context.Background(), id))
	}
}

// pairDirect creates an active session with a as initiator and b as responder.
func (ts *testServices) pairDirect(t *testing.T, a, b string) *model.Session {
	t.Helper()
	ts.announce(t, a, b)
	session, err := ts.pairing.RequestDirectMatch(context.Background(), a, b)
	require.NoError(t, err)
	return session
}

// flakySessions fails FindByID with ErrStoreUnavailable a fixed number of times.
type flakySessions struct {
	repository.SessionRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakySessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, repository.ErrStoreUnavailable
	}
	return f.SessionRepository.FindByID(ctx, id)
}
