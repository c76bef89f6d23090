package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore backs the session registry with Redis so that a
// multi-instance deployment shares sessions. Keys expire with the session's
// absolute expiry; a per-user index set supports invalidate-all.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisSessionStore(client *redis.Client, keyPrefix string) *RedisSessionStore {
	if keyPrefix == "" {
		keyPrefix = "tt:session:"
	}
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}
}

func (st *RedisSessionStore) sessionKey(token string) string {
	return st.keyPrefix + token
}

func (st *RedisSessionStore) userKey(userID int64) string {
	return fmt.Sprintf("%suser:%d", st.keyPrefix, userID)
}

func (st *RedisSessionStore) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(s.AbsoluteExpiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := st.client.TxPipeline()
	pipe.Set(ctx, st.sessionKey(s.Token), data, ttl)
	pipe.SAdd(ctx, st.userKey(s.UserID), s.Token)
	pipe.Expire(ctx, st.userKey(s.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SET session: %w", err)
	}
	return nil
}

func (st *RedisSessionStore) Get(ctx context.Context, token string) (*Session, error) {
	data, err := st.client.Get(ctx, st.sessionKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (st *RedisSessionStore) Delete(ctx context.Context, token string) error {
	s, err := st.Get(ctx, token)
	if err != nil {
		return err
	}
	pipe := st.client.TxPipeline()
	pipe.Del(ctx, st.sessionKey(token))
	if s != nil {
		pipe.SRem(ctx, st.userKey(s.UserID), token)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (st *RedisSessionStore) DeleteAllForUser(ctx context.Context, userID int64) error {
	tokens, err := st.client.SMembers(ctx, st.userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis SMEMBERS user sessions: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, st.sessionKey(t))
	}
	keys = append(keys, st.userKey(userID))
	return st.client.Del(ctx, keys...).Err()
}

// isIndexKey distinguishes the per-user index sets from session keys; both
// live under keyPrefix.
func (st *RedisSessionStore) isIndexKey(key string) bool {
	return strings.HasPrefix(key, st.keyPrefix+"user:")
}

// Count returns the number of live sessions. The per-user index sets match
// the same scan pattern and are skipped so the gauge counts sessions only.
func (st *RedisSessionStore) Count(ctx context.Context) (int, error) {
	var count int
	iter := st.client.Scan(ctx, 0, st.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if st.isIndexKey(iter.Val()) {
			continue
		}
		count++
	}
	return count, iter.Err()
}
