package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is a running callback feed. Callbacks are invoked one at a
// time through Deliver; once Cancel returns no callback is running and none
// will start.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed atomic.Bool
}

// Start runs feed on its own goroutine until ctx is done or the subscription is cancelled.
func Start(ctx context.Context, feed func(ctx context.Context, s *Subscription)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer cancel()
		feed(ctx, s)
	}()
	return s
}

// Deliver invokes fn unless the subscription has been cancelled and reports whether it ran.
func (s *Subscription) Deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}
	fn()
	return true
}

// Cancel stops the feed and waits for an in-flight callback to return. It
// must not be called from the subscription's own callback; use Stop there.
func (s *Subscription) Cancel() {
	s.Stop()
	s.mu.Lock()
	s.mu.Unlock()
}

// Stop stops the feed without waiting. No callback starts after it returns,
// but one already running may still be finishing.
func (s *Subscription) Stop() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
}

// Done is closed when the feed goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
