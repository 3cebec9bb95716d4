package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/duochat/signal-server/internal/events"
	"github.com/duochat/signal-server/internal/model"
)

// publish is best effort: subscribers reconcile against the store, so a
// lost notification only delays delivery until the next poll.
func publish(ctx context.Context, broker *events.Broker, topic, eventType string, payload any) {
	ev, err := events.NewEvent(eventType, payload)
	if err == nil {
		err = broker.Publish(ctx, topic, ev)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("topic", topic).
			Str("type", eventType).
			Msg("failed to publish event")
	}
}

func publishSession(ctx context.Context, broker *events.Broker, session *model.Session) {
	publish(ctx, broker, events.SessionTopic(session.ID), events.TypeSession, session)
}
