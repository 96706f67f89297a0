package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("lock is held by another owner")
)

// unlockScript deletes the key only while it still holds our token, so an
// expired holder never releases a lock someone else acquired afterwards.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out Redis-backed mutual exclusion across API instances.
// A nil client yields a Locker whose locks always succeed (single instance mode).
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock. Release must be called once the critical section ends.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire takes key for ttl without waiting. ErrLockHeld is returned when
// another owner holds it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	if l == nil || l.client == nil {
		return &Lock{key: key, token: token}, nil
	}

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Acquire retries TryAcquire every interval until ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, interval time.Duration) (*Lock, error) {
	for {
		lk, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release frees the lock if it is still ours.
func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil || lk.client == nil {
		return nil
	}
	return unlockScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err()
}

// Key returns the locked key.
func (lk *Lock) Key() string {
	return lk.key
}
