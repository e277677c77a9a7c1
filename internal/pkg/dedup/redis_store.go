package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore relies on SET NX with an expiry; Redis drops stale entries itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type redisEntry struct {
	AuxRef      string `json:"aux_ref"`
	PayloadHash string `json:"payload_hash"`
	ProcessedAt int64  `json:"processed_at"`
}

// NewRedisStore creates a store using keys "<prefix>:<channel>:<handle>".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dedup"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(handle, channel string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, channel, handle)
}

func (s *RedisStore) IsProcessed(ctx context.Context, handle, channel string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.key(handle, channel)).Result()
	return n > 0, err
}

func (s *RedisStore) MarkProcessed(ctx context.Context, handle, channel, auxRef, payloadHash string) (bool, error) {
	if err := validateKey(handle, channel); err != nil {
		return false, err
	}
	value, err := json.Marshal(redisEntry{AuxRef: auxRef, PayloadHash: payloadHash, ProcessedAt: s.now().Unix()})
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.key(handle, channel), value, Retention).Result()
}

func (s *RedisStore) Release(ctx context.Context, handle, channel string) error {
	return s.client.Del(ctx, s.key(handle, channel)).Err()
}

// Cleanup is a no-op: every key carries its own TTL.
func (s *RedisStore) Cleanup(ctx context.Context) (int64, error) {
	return 0, nil
}
