package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terraconstructs/authzd/internal/db/bunx"
)

// unlockScript deletes key only if its value still matches token, so a
// holder can never release a lock it no longer owns (e.g. after its
// PX expiry already let another holder take it).
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisLock implements Lock with SET NX PX (§4.6, §10).
type RedisLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client, prefix: "lock:"}
}

func (l *RedisLock) TryAcquire(ctx context.Context, name string, maxDuration time.Duration) (string, bool, error) {
	token := bunx.NewUUIDv7()
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, maxDuration).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLock) Release(ctx context.Context, name, token string) error {
	res, err := unlockScript.Run(ctx, l.client, []string{l.prefix + name}, token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
