// Package dedup is the idempotency ledger that lets exactly one caller
// process a given (handle, channel) pair within the retention window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Retention is how long a processed entry blocks reprocessing.
const Retention = 24 * time.Hour

const (
	BackendMySQL = "mysql"
	BackendRedis = "redis"
	BackendBolt  = "bolt"
)

// Store is implemented by every backend. MarkProcessed must be a single
// atomic insert-if-absent: it returns true only for the caller that created
// the entry.
type Store interface {
	IsProcessed(ctx context.Context, handle, channel string) (bool, error)
	MarkProcessed(ctx context.Context, handle, channel, auxRef, payloadHash string) (bool, error)
	// Release drops the entry so a failed mutation can be retried by redelivery.
	Release(ctx context.Context, handle, channel string) error
	// Cleanup deletes entries older than Retention and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)
}

// PayloadHash fingerprints a decoded payload.
func PayloadHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func validateKey(handle, channel string) error {
	if strings.TrimSpace(handle) == "" || strings.TrimSpace(channel) == "" {
		return fmt.Errorf("dedup: handle and channel are required")
	}
	return nil
}
