package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBufferStore shares scan buffers across instances. One key per
// session; the TTL doubles as the buffer's staleness bound.
type RedisBufferStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisBufferStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisBufferStore {
	if keyPrefix == "" {
		keyPrefix = "tt:scanbuf:"
	}
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &RedisBufferStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (st *RedisBufferStore) key(sessionToken string) string {
	return st.keyPrefix + sessionToken
}

func (st *RedisBufferStore) Get(ctx context.Context, sessionToken string) (*Buffer, error) {
	data, err := st.client.Get(ctx, st.key(sessionToken)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET scan buffer: %w", err)
	}
	var b Buffer
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal scan buffer: %w", err)
	}
	return &b, nil
}

func (st *RedisBufferStore) Put(ctx context.Context, sessionToken string, b *Buffer) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal scan buffer: %w", err)
	}
	if err := st.client.Set(ctx, st.key(sessionToken), data, st.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET scan buffer: %w", err)
	}
	return nil
}

func (st *RedisBufferStore) Delete(ctx context.Context, sessionToken string) error {
	return st.client.Del(ctx, st.key(sessionToken)).Err()
}

func (st *RedisBufferStore) Count(ctx context.Context) (int, error) {
	var count int
	iter := st.client.Scan(ctx, 0, st.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}
