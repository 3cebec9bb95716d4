package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/events"
)

// orderedFeed describes an append-only, densely sequenced partition that is
// replayed from the store and then followed live.
type orderedFeed[T any] struct {
	topic     string
	eventType string
	accept    func(T) bool
	sequence  func(T) int64
	fetch     func(ctx context.Context, after int64) ([]T, error)
	poll      time.Duration
}

// run subscribes to live events before loading the backlog, so nothing
// committed after the snapshot is missed. Items are delivered strictly in
// sequence: duplicates are dropped and a gap triggers a reload from the store.
func (f orderedFeed[T]) run(ctx context.Context, broker *events.Broker, sub *events.Subscription, after int64, fn func(T)) {
	live := broker.Subscribe(f.topic)
	defer broker.Unsubscribe(live)

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	last := after
	deliver := func(item T) bool {
		if !sub.Deliver(func() { fn(item) }) {
			return false
		}
		last = f.sequence(item)
		return true
	}

	catchUp := func() bool {
		items, err := f.fetch(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("topic", f.topic).Msg("feed reload failed")
			}
			return ctx.Err() == nil
		}
		for _, item := range items {
			seq := f.sequence(item)
			if seq <= last {
				continue
			}
			if seq != last+1 {
				log.Warn().
					Str("topic", f.topic).
					Int64("expected", last+1).
					Int64("got", seq).
					Msg("feed gap in store, waiting for next reload")
				return true
			}
			if !deliver(item) {
				return false
			}
		}
		return true
	}

	if !catchUp() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-live.Done:
			return
		case ev := <-live.Events:
			if ev.Type != f.eventType {
				continue
			}
			var item T
			if err := json.Unmarshal(ev.Data, &item); err != nil {
				log.Warn().Err(err).Str("topic", f.topic).Msg("undecodable feed event")
				continue
			}
			if f.accept != nil && !f.accept(item) {
				continue
			}
			seq := f.sequence(item)
			switch {
			case seq <= last:
			case seq == last+1:
				if !deliver(item) {
					return
				}
			default:
				if !catchUp() {
					return
				}
			}
		case <-live.Resync:
			if !catchUp() {
				return
			}
		case <-ticker.C:
			if !catchUp() {
				return
			}
		}
	}
}
