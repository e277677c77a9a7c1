package cache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis-compatible cache server.
func SetupCache() {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Connected: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// LimiterDatabase is the logical database holding rate limit counters.
const LimiterDatabase = 2

// NewLimiterStorage returns a fiber storage on the database db of the cache
// server behind rdb, so rate limit counters are shared by all instances.
// It returns nil when rdb is nil or the server does not answer.
func NewLimiterStorage(rdb *redis.Client, db int) fiber.Storage {
	if rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Shared rate limit storage disabled: %v", err)
		return nil
	}

	opts := rdb.Options()
	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Username: opts.Username,
		Password: opts.Password,
		Database: db,
		Reset:    false,
	})
}

// TryLock takes a short-lived lock key. It returns false when another holder
// already owns the key.
func TryLock(ctx context.Context, rdb redis.UniversalClient, key, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, owner, ttl).Result()
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Unlock releases the lock only if owner still holds it.
func Unlock(ctx context.Context, rdb redis.UniversalClient, key, owner string) error {
	return unlockScript.Run(ctx, rdb, []string{key}, owner).Err()
}
