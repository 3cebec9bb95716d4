package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duochat/signal-server/internal/model"
)

// claimScript removes ARGV[2..] from the available set only if the first
// ARGV[1] of them are all still present.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local required = tonumber(ARGV[1])

for i = 2, required + 1 do
    if not redis.call('ZSCORE', key, ARGV[i]) then
        return 0
    end
end

for i = 2, #ARGV do
    redis.call('ZREM', key, ARGV[i])
end

return 1
`)

var touchScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
    return 1
end
return 0
`)

var removeStaleScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
if #members > 0 then
    redis.call('ZREM', KEYS[1], unpack(members))
end
return members
`)

// redisPresenceRepo stores the available set as a sorted set scored by the
// last heartbeat in unix milliseconds.
type redisPresenceRepo struct {
	client *redis.Client
	key    string
}

func NewRedisPresenceRepository(client *redis.Client, key string) PresenceRepository {
	return &redisPresenceRepo{client: client, key: key}
}

func (r *redisPresenceRepo) Upsert(ctx context.Context, participantID string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: participantID,
	}).Err()
}

func (r *redisPresenceRepo) Touch(ctx context.Context, participantID string, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, r.client, []string{r.key}, participantID, at.UnixMilli()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisPresenceRepo) Remove(ctx context.Context, participantID string) (bool, error) {
	n, err := r.client.ZRem(ctx, r.key, participantID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisPresenceRepo) Find(ctx context.Context, participantID string) (*model.PresenceRecord, error) {
	score, err := r.client.ZScore(ctx, r.key, participantID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.PresenceRecord{
		ParticipantID: participantID,
		Available:     true,
		LastHeartbeat: time.UnixMilli(int64(score)),
	}, nil
}

func (r *redisPresenceRepo) ListAvailable(ctx context.Context) ([]model.PresenceRecord, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]model.PresenceRecord, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected presence member %T", m.Member)
		}
		records = append(records, model.PresenceRecord{
			ParticipantID: id,
			Available:     true,
			LastHeartbeat: time.UnixMilli(int64(m.Score)),
		})
	}
	return records, nil
}

func (r *redisPresenceRepo) Claim(ctx context.Context, required []string, optional []string) (bool, error) {
	args := make([]interface{}, 0, 1+len(required)+len(optional))
	args = append(args, len(required))
	for _, id := range required {
		args = append(args, id)
	}
	for _, id := range optional {
		args = append(args, id)
	}

	n, err := claimScript.Run(ctx, r.client, []string{r.key}, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisPresenceRepo) RemoveStale(ctx context.Context, before time.Time) ([]string, error) {
	return removeStaleScript.Run(ctx, r.client, []string{r.key}, before.UnixMilli()).StringSlice()
}
