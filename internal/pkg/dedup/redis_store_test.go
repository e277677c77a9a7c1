package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
)

const isolatedDedupTestRedisDB = 13

func TestRedisStore_MarkProcessed(t *testing.T) {
	client := cache.NewIsolatedTestClient(t, isolatedDedupTestRedisDB)
	s := NewRedisStore(client, "")
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "h-1", "notify", "TN1", "hash")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkProcessed(ctx, "h-1", "notify", "TN1", "hash")
	require.NoError(t, err)
	assert.False(t, second)

	ttl, err := client.TTL(ctx, "dedup:notify:h-1").Result()
	require.NoError(t, err)
	assert.InDelta(t, Retention.Seconds(), ttl.Seconds(), 5)

	require.NoError(t, s.Release(ctx, "h-1", "notify"))
	processed, err := s.IsProcessed(ctx, "h-1", "notify")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRedisStore_ConcurrentMarkHasSingleWinner(t *testing.T) {
	client := cache.NewIsolatedTestClient(t, isolatedDedupTestRedisDB)
	s := NewRedisStore(client, "")
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkProcessed(ctx, "h-race", "return", "", "")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
