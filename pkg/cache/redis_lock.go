package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
)

// unlockScript deletes the key only if it still holds our token, so an
// expired lease taken over by another node is not released by mistake.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases backed by SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

var _ domain.Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps an existing client. Keys are stored under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, log *zap.Logger) *RedisLocker {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = "tradesim:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, log: log}
}

// Acquire takes the lease for key or returns domain.ErrLockHeld. The
// returned func releases it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		l.log.Error("failed to acquire lock", zap.Error(err), zap.String("key", full))
		return nil, fmt.Errorf("%w: redis: %v", domain.ErrTransientStore, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrLockHeld)
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, l.client, []string{full}, token).Err(); err != nil {
			l.log.Warn("failed to release lock", zap.Error(err), zap.String("key", full))
		}
	}
	return release, nil
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
