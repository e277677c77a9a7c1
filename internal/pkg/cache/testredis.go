package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

func resolveTestRedis(t testing.TB) (string, string) {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}
	seen := make(map[string]struct{})
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}

		c := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port), Password: password})
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		_, err := c.Ping(ctx).Result()
		cancel()
		_ = c.Close()
		if err == nil {
			return fmt.Sprintf("%s:%s", host, port), password
		}
		lastErr = err
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", ""
}

// NewIsolatedTestClient returns a client on a flushed logical database, or
// skips the test when Redis is not reachable.
func NewIsolatedTestClient(t testing.TB, db int) *redis.Client {
	t.Helper()

	addr, password := resolveTestRedis(t)
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.FlushDB(context.Background()).Err(); err != nil {
		_ = c.Close()
		t.Skipf("Skipping Redis-dependent test: flush of db %d failed (%v)", db, err)
	}
	t.Cleanup(func() {
		_ = c.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return c
}
