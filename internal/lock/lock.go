package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker provides distributed mutual exclusion for one fleet's processing
// cycle. The value is an owner token: only the holder can unlock or renew,
// so a slow stale worker can never release another worker's lock. The TTL
// bounds how long a crashed holder keeps the fleet locked.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// TryLock attempts a single atomic set-if-not-present with TTL. A held,
// non-expired lock yields granted=false with no error: denial means
// another worker owns this fleet's cycle and is not a failure.
func (l *Locker) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	granted, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock for key %s: %w", l.key, err)
	}
	return granted, nil
}

// Unlock releases the lock only if this Locker still holds it. Returns
// false when the lock expired or is owned by someone else; the lock is
// left untouched in that case.
func (l *Locker) Unlock(ctx context.Context) (bool, error) {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return false, err
	}
	return result != int64(0), nil
}

// ExtendLock renews the TTL if this Locker still holds the lock. Used by
// long cycles to keep ownership while work is in flight.
func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}
