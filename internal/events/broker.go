package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duochat/signal-server/internal/config"
	redisclient "github.com/duochat/signal-server/internal/redis"
)

const (
	TypeSession   = "session"
	TypeCandidate = "candidate"
	TypeMessage   = "message"
	TypePresence  = "presence"
	TypeMatched   = "matched"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent encodes payload as the event data.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// envelope is the wire form of an Event on Redis.
type envelope struct {
	Type string `msgpack:"t"`
	Data []byte `msgpack:"d"`
}

func SessionTopic(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func ParticipantTopic(participantID string) string {
	return fmt.Sprintf("participant:%s", participantID)
}

const PresenceTopic = "presence"

// Subscriber receives events for one topic. Resync is signalled when an
// event had to be dropped because Events was full, so the consumer must
// reload state from the store.
type Subscriber struct {
	Topic  string
	Events chan Event
	Resync chan struct{}
	Done   chan struct{}
}

type topic struct {
	clients map[*Subscriber]bool
	ready   chan struct{}
	cancel  context.CancelFunc
}

// Broker fans events out to local subscribers. With a Redis client every
// Publish goes through Redis pub/sub so subscribers on other instances see
// it; without one delivery stays in-process.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*topic
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a subscriber and returns once the underlying Redis
// subscription is confirmed, so anything published afterwards is delivered.
func (b *Broker) Subscribe(name string) *Subscriber {
	sub := &Subscriber{
		Topic:  name,
		Events: make(chan Event, config.SubscriberBufferSize),
		Resync: make(chan struct{}, 1),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topics[name]
	if t == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		t = &topic{
			clients: make(map[*Subscriber]bool),
			ready:   make(chan struct{}),
			cancel:  cancel,
		}
		b.topics[name] = t
		if b.redis != nil {
			go b.subscribeToRedis(ctx, name, t.ready)
		} else {
			close(t.ready)
		}
	}
	t.clients[sub] = true
	clientCount := len(t.clients)
	b.mu.Unlock()

	select {
	case <-t.ready:
	case <-time.After(config.BrokerSubscribeWait):
		log.Warn().Str("topic", name).Msg("redis subscription not confirmed in time")
	}

	log.Debug().
		Str("topic", name).
		Int("clientCount", clientCount).
		Msg("event subscriber added")

	return sub
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.Topic]
	if !ok || !t.clients[sub] {
		return
	}
	delete(t.clients, sub)
	close(sub.Done)

	if len(t.clients) == 0 {
		t.cancel()
		delete(b.topics, sub.Topic)
	}

	log.Debug().
		Str("topic", sub.Topic).
		Int("clientCount", len(t.clients)).
		Msg("event subscriber removed")
}

func (b *Broker) Publish(ctx context.Context, name string, event Event) error {
	if b.redis == nil {
		b.broadcast(name, event)
		return nil
	}

	data, err := msgpack.Marshal(&envelope{Type: event.Type, Data: event.Data})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return b.redis.Publish(ctx, redisclient.EventChannel(name), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, name string, ready chan struct{}) {
	channel := redisclient.EventChannel(name)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		close(ready)
		if ctx.Err() == nil {
			log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
		}
		return
	}
	close(ready)

	log.Debug().
		Str("topic", name).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env envelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("failed to decode event")
				continue
			}

			b.broadcast(name, Event{Type: env.Type, Data: env.Data})
		}
	}
}

func (b *Broker) broadcast(name string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[name]
	if !ok {
		return
	}

	for sub := range t.clients {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("topic", name).
				Str("type", event.Type).
				Msg("subscriber buffer full, dropping event")
			select {
			case sub.Resync <- struct{}{}:
			default:
			}
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for sub := range t.clients {
			close(sub.Done)
		}
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) ClientCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[name]; ok {
		return len(t.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.topics {
		total += len(t.clients)
	}
	return total
}
