package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type PresenceSweeper interface {
	SweepStale(ctx context.Context, ttl time.Duration) (int64, error)
}

type IdleSessionEnder interface {
	EndIdle(ctx context.Context, idleFor time.Duration) (int64, error)
}

type SessionPurger interface {
	DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob ends sessions whose members stopped keeping alive, withdraws
// participants whose heartbeat lapsed and deletes ended sessions, with their
// candidates and messages, after the retention window.
type CleanupJob struct {
	presence    PresenceSweeper
	idle        IdleSessionEnder
	sessions    SessionPurger
	presenceTTL time.Duration
	sessionIdle time.Duration
	retention   time.Duration
	interval    time.Duration
	now         func() time.Time
	done        chan struct{}
}

func NewCleanupJob(
	presence PresenceSweeper,
	idle IdleSessionEnder,
	sessions SessionPurger,
	presenceTTL time.Duration,
	sessionIdle time.Duration,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		presence:    presence,
		idle:        idle,
		sessions:    sessions,
		presenceTTL: presenceTTL,
		sessionIdle: sessionIdle,
		retention:   retention,
		interval:    interval,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if j.idle != nil && j.sessionIdle > 0 {
		j.runCleanup(ctx, "idle sessions", func(ctx context.Context) (int64, error) {
			return j.idle.EndIdle(ctx, j.sessionIdle)
		})
	}
	j.runCleanup(ctx, "stale presence", func(ctx context.Context) (int64, error) {
		return j.presence.SweepStale(ctx, j.presenceTTL)
	})
	if j.sessions != nil && j.retention > 0 {
		j.runCleanup(ctx, "ended sessions", func(ctx context.Context) (int64, error) {
			return j.sessions.DeleteEndedBefore(ctx, j.now().Add(-j.retention))
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
