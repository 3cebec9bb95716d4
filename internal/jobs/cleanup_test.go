package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockPresenceSweeper struct {
	mock.Mock
}

func (m *mockPresenceSweeper) SweepStale(ctx context.Context, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, ttl)
	return args.Get(0).(int64), args.Error(1)
}

type mockIdleSessionEnder struct {
	mock.Mock
}

func (m *mockIdleSessionEnder) EndIdle(ctx context.Context, idleFor time.Duration) (int64, error) {
	args := m.Called(ctx, idleFor)
	return args.Get(0).(int64), args.Error(1)
}

type mockSessionPurger struct {
	mock.Mock
}

func (m *mockSessionPurger) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func TestCleanupJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ends idle sessions, sweeps presence and purges ended sessions", func(t *testing.T) {
		presence := &mockPresenceSweeper{}
		idle := &mockIdleSessionEnder{}
		sessions := &mockSessionPurger{}
		idle.On("EndIdle", mock.Anything, 90*time.Second).Return(int64(1), nil).Once()
		presence.On("SweepStale", mock.Anything, time.Minute).Return(int64(2), nil).Once()
		sessions.On("DeleteEndedBefore", mock.Anything, now.Add(-24*time.Hour)).Return(int64(5), nil).Once()

		job := NewCleanupJob(presence, idle, sessions, time.Minute, 90*time.Second, 24*time.Hour, time.Hour)
		job.now = func() time.Time { return now }

		job.cleanup()

		idle.AssertExpectations(t)
		presence.AssertExpectations(t)
		sessions.AssertExpectations(t)
	})

	t.Run("sweep still runs when ending idle sessions fails", func(t *testing.T) {
		presence := &mockPresenceSweeper{}
		idle := &mockIdleSessionEnder{}
		idle.On("EndIdle", mock.Anything, time.Minute).Return(int64(0), errors.New("db down")).Once()
		presence.On("SweepStale", mock.Anything, time.Minute).Return(int64(0), nil).Once()

		job := NewCleanupJob(presence, idle, nil, time.Minute, time.Minute, 0, time.Hour)
		job.cleanup()

		idle.AssertExpectations(t)
		presence.AssertExpectations(t)
	})

	t.Run("session purge still runs when sweep fails", func(t *testing.T) {
		presence := &mockPresenceSweeper{}
		sessions := &mockSessionPurger{}
		presence.On("SweepStale", mock.Anything, time.Minute).Return(int64(0), errors.New("redis down")).Once()
		sessions.On("DeleteEndedBefore", mock.Anything, mock.AnythingOfType("time.Time")).Return(int64(0), nil).Once()

		job := NewCleanupJob(presence, nil, sessions, time.Minute, 0, time.Hour, time.Hour)

		assert.NotPanics(t, job.cleanup)
		sessions.AssertExpectations(t)
	})

	t.Run("zero retention keeps ended sessions", func(t *testing.T) {
		presence := &mockPresenceSweeper{}
		sessions := &mockSessionPurger{}
		presence.On("SweepStale", mock.Anything, time.Minute).Return(int64(0), nil).Once()

		job := NewCleanupJob(presence, nil, sessions, time.Minute, 0, 0, time.Hour)
		job.cleanup()

		sessions.AssertNotCalled(t, "DeleteEndedBefore", mock.Anything, mock.Anything)
	})

	t.Run("start and stop", func(t *testing.T) {
		swept := make(chan struct{}, 1)
		presence := &mockPresenceSweeper{}
		presence.On("SweepStale", mock.Anything, time.Minute).Return(int64(0), nil).Run(func(mock.Arguments) {
			select {
			case swept <- struct{}{}:
			default:
			}
		})

		job := NewCleanupJob(presence, nil, nil, time.Minute, 0, time.Hour, time.Hour)
		job.Start()
		defer job.Stop()

		select {
		case <-swept:
		case <-time.After(time.Second):
			t.Fatal("cleanup did not run on start")
		}
	})
}
