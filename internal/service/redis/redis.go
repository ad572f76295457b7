package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns ("", nil) for a missing key.
func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Drain reads and deletes a list in one transaction so concurrent
// pushes are either returned or kept for the next drain.
func (r *RedisService) Drain(ctx context.Context, key string) ([]string, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lrange.Val(), nil
}

func queueKey(to string) string {
	return fmt.Sprintf("to: %s", to)
}

func sessionKey(owner, peer string) string {
	return fmt.Sprintf("session: %s, peer: %s", owner, peer)
}

func groupKey(owner, sessionID string) string {
	return fmt.Sprintf("group: %s, id: %s", owner, sessionID)
}

// Enqueue stores envelopes for an offline user.
func (r *RedisService) Enqueue(ctx context.Context, to string, envelopes ...[]byte) error {
	if len(envelopes) == 0 {
		return nil
	}
	vals := make([]any, 0, len(envelopes))
	for _, e := range envelopes {
		vals = append(vals, e)
	}
	return r.RPush(ctx, queueKey(to), vals...)
}

func (r *RedisService) DrainQueue(ctx context.Context, to string) ([]string, error) {
	return r.Drain(ctx, queueKey(to))
}

// SaveSession stores a session pickle. Pickles are already encrypted
// and do not expire.
func (r *RedisService) SaveSession(ctx context.Context, owner, peer, pickle string) error {
	return r.Set(ctx, sessionKey(owner, peer), pickle, 0)
}

func (r *RedisService) LoadSession(ctx context.Context, owner, peer string) (string, error) {
	return r.Get(ctx, sessionKey(owner, peer))
}

func (r *RedisService) SaveGroupSession(ctx context.Context, owner, sessionID, pickle string) error {
	return r.Set(ctx, groupKey(owner, sessionID), pickle, 0)
}

func (r *RedisService) LoadGroupSession(ctx context.Context, owner, sessionID string) (string, error) {
	return r.Get(ctx, groupKey(owner, sessionID))
}
