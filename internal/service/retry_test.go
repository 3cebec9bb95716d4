package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/repository"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable", repository.ErrStoreUnavailable, true},
		{"wrapped store unavailable", fmt.Errorf("query: %w", repository.ErrStoreUnavailable), true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"cancelled", context.Canceled, false},
		{"app error", apperrors.NotFound("Session"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestWithStoreRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers from transient failures", func(t *testing.T) {
		calls := 0
		v, err := withStoreRetry(ctx, newStoreRetrier(3), "op", func() (int, error) {
			calls++
			if calls < 3 {
				return 0, repository.ErrStoreUnavailable
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhaustion reports store unavailable", func(t *testing.T) {
		calls := 0
		_, err := withStoreRetry(ctx, newStoreRetrier(2), "op", func() (int, error) {
			calls++
			return 0, repository.ErrStoreUnavailable
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeStoreUnavailable))
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		_, err := withStoreRetry(ctx, newStoreRetrier(5), "op", func() (int, error) {
			calls++
			return 0, apperrors.Forbidden("no")
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		_, err := withStoreRetry(cctx, newStoreRetrier(5), "op", func() (int, error) {
			calls++
			return 0, repository.ErrStoreUnavailable
		})
		assert.Error(t, err)
		assert.LessOrEqual(t, calls, 1)
	})
}

func TestServices_RetryFlakyStore(t *testing.T) {
	ctx := context.Background()
	var flaky *flakySessions
	ts := newTestServicesWith(t, func(r repository.SessionRepository) repository.SessionRepository {
		flaky = &flakySessions{SessionRepository: r}
		return flaky
	})
	session := ts.pairDirect(t, "alice", "bob")

	flaky.failures.Store(2)
	msg, err := ts.chat.Send(ctx, session.ID, "alice", "still here")
	require.NoError(t, err, "two transient failures fit in three attempts")
	assert.Equal(t, "still here", msg.Content)

	flaky.failures.Store(10)
	_, err = ts.signaling.GetSession(ctx, session.ID, "alice")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStoreUnavailable))
}
