package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/config"
	apperrors "github.com/duochat/signal-server/internal/errors"
	"github.com/duochat/signal-server/internal/repository"
)

// storeRetrier retries store calls that failed for transient reasons and
// reports exhaustion as STORE_UNAVAILABLE.
type storeRetrier struct {
	attempts int
}

func newStoreRetrier(attempts int) storeRetrier {
	if attempts < 1 {
		attempts = 1
	}
	return storeRetrier{attempts: attempts}
}

func (r storeRetrier) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.StoreRetryInitialInterval
	b.MaxInterval = config.StoreRetryMaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
}

func withStoreRetry[T any](ctx context.Context, r storeRetrier, op string, fn func() (T, error)) (T, error) {
	var result T
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		v, err := fn()
		if err == nil {
			result = v
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("transient store error")
		return err
	}, r.backOff(ctx))

	if err != nil {
		var zero T
		if isTransient(err) {
			return zero, apperrors.StoreUnavailable(op, err)
		}
		return zero, err
	}
	return result, nil
}

func execWithStoreRetry(ctx context.Context, r storeRetrier, op string, fn func() error) error {
	_, err := withStoreRetry(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, repository.ErrStoreUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
