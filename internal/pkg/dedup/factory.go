package dedup

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options carries the handles any backend may need.
type Options struct {
	Backend  string
	DB       *gorm.DB
	Redis    redis.UniversalClient
	BoltPath string
}

// New builds the configured backend. The returned close func is never nil.
func New(opts Options) (Store, func() error, error) {
	noop := func() error { return nil }
	switch opts.Backend {
	case "", BackendMySQL:
		if opts.DB == nil {
			return nil, noop, fmt.Errorf("dedup: mysql backend needs a database")
		}
		return NewGormStore(opts.DB), noop, nil
	case BackendRedis:
		if opts.Redis == nil {
			return nil, noop, fmt.Errorf("dedup: redis backend needs a client")
		}
		return NewRedisStore(opts.Redis, ""), noop, nil
	case BackendBolt:
		s, err := OpenBoltStore(opts.BoltPath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("dedup: unknown backend %q", opts.Backend)
	}
}
