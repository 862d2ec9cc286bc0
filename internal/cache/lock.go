package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
)

// releaseScript deletes the lock only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when it still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock guards sync cycles across replicas. At most one holder per name
// at a time; a crashed holder's lease expires after its TTL.
type RunLock struct {
	redis *RedisClient
	name  string
	ttl   time.Duration
}

// NewRunLock creates a lock named name with the given lease TTL
func NewRunLock(redis *RedisClient, name string, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunLock{redis: redis, name: name, ttl: ttl}
}

func (l *RunLock) key() string {
	return CacheKey{Prefix: PrefixRunLock, ID: l.name}.String()
}

// Lease is a held lock
type Lease struct {
	lock  *RunLock
	token string
}

// TryAcquire takes the lock without waiting. It returns a conflict error
// when another holder has it.
func (l *RunLock) TryAcquire(ctx context.Context) (*Lease, error) {
	token := uuid.New().String()

	ok, err := l.redis.client.SetNX(ctx, l.key(), token, l.ttl).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to acquire run lock").WithCause(err)
	}
	if !ok {
		return nil, errors.NewConflictError("run lock " + l.name + " is held by another instance")
	}

	return &Lease{lock: l, token: token}, nil
}

// Extend refreshes the lease TTL. It fails when the lease has expired and
// been taken by someone else.
func (le *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, le.lock.redis.client, []string{le.lock.key()}, le.token, le.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.NewInternalError("failed to extend run lock").WithCause(err)
	}
	if res == 0 {
		return errors.NewConflictError("run lock " + le.lock.name + " was lost")
	}
	return nil
}

// Release gives the lock up. Releasing an expired lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.lock.redis.client, []string{le.lock.key()}, le.token).Err(); err != nil {
		return errors.NewInternalError("failed to release run lock").WithCause(err)
	}
	return nil
}

// Acquire takes the lock and returns a func that releases it. It lets a
// RunLock serve as the scheduler's cross-replica run guard.
func (l *RunLock) Acquire(ctx context.Context) (func(), error) {
	lease, err := l.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lease.Release(ctx)
	}, nil
}
