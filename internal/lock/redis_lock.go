package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock held by another instance")

// releaseScript deletes the key only while it still holds our token, so
// a lock that expired and was retaken elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes key for ttl or returns ErrNotAcquired.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := utils.GenerateRandomKey(16)
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Release reports whether the lock was still ours when released.
func (k *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", k.key, err)
	}
	return n == 1, nil
}
