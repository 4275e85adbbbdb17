package lock

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/crypto"
)

// KEYS[1] = lock key, ARGV[1] = owner token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX with owner tokens. The ttl bounds
// how long a crashed holder can block others.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	log    *zap.Logger
}

// NewRedis constructs a Redis-backed locker.
func NewRedis(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, poll: 50 * time.Millisecond, log: log}
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	b, err := crypto.RandBytes(16)
	if err != nil {
		return nil, err
	}
	token := hex.EncodeToString(b)
	rkey := "retoucher:lock:" + key

	wait := r.poll
	for {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutErr(key, ctx.Err())
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, timeoutErr(key, ctx.Err())
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := unlockScript.Run(context.Background(), r.client, []string{rkey}, token).Err(); err != nil {
				r.log.Warn("redis unlock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
