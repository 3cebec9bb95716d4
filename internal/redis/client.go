package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceKey is the sorted set of available participants scored by last heartbeat (unix ms).
const PresenceKey = "presence:available"

type Client struct {
	*redis.Client
}

// NewClient connects and pings within pingTimeout. The client is closed if
// the ping fails.
func NewClient(ctx context.Context, redisURL string, pingTimeout time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// EventChannel is the pub/sub channel that carries events for a broker topic.
func EventChannel(topic string) string {
	return fmt.Sprintf("events:%s", topic)
}

// RateLimitKey holds one limiter window; key is already scoped by the caller.
func RateLimitKey(key string) string {
	return "ratelimit:" + key
}
