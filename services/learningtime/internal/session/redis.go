package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as JSON values. Every Put refreshes the TTL, so
// a session only expires after its connection went quiet for a full TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Session, bool, error) {
	if key == "" {
		return Session{}, false, ErrInvalidKey
	}
	val, err := r.client.Get(ctx, string(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session %s: %w", key, err)
	}
	return s, true, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	if s.Key == "" {
		return ErrInvalidKey
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, string(s.Key), b, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	return r.client.Del(ctx, string(key)).Err()
}
