package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultPrefix = "idempotency:result:"
	lockPrefix   = "idempotency:lock:"
)

// RedisStore shares idempotency keys between coordinator instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore keeps keys in client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Response, error) {
	data, err := s.client.Get(ctx, resultPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, lockPrefix+key, "1", LockTTL).Result()
}

func (s *RedisStore) Save(ctx context.Context, key string, resp Response) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultPrefix+key, data, ResultTTL)
		pipe.Del(ctx, lockPrefix+key)
		return nil
	})
	return err
}

func (s *RedisStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, lockPrefix+key).Err()
}
