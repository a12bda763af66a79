// Package lock provides a cross-process lease lock on redis, keyed by
// (entity, operation). The TTL guarantees forward progress if a holder
// crashes mid-operation; callers must re-check idempotency after
// acquiring because an expired lease may have been re-granted.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const retryInterval = 250 * time.Millisecond

type Locker struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewLocker(rdb *redis.Client, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, log: log}
}

// Key builds the canonical lock key for an entity-scoped operation.
func Key(entityID uuid.UUID, operation string) string {
	return fmt.Sprintf("lock:%s:%s", entityID, operation)
}

// SchedulerKey builds the election key for a named scheduler pass.
func SchedulerKey(name string) string {
	return fmt.Sprintf("lock:scheduler:%s", name)
}

type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Acquire makes a single attempt to take the lease. Returns
// domain.ErrLockBusy when another holder exists.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockBusy
	}
	return &Lease{key: key, token: token, locker: l}, nil
}

// AcquireWait retries Acquire until maxWait elapses or ctx is done.
// The wait is bounded; callers never block on a busy lock indefinitely.
func (l *Locker) AcquireWait(ctx context.Context, key string, ttl, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	for {
		lease, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if err != domain.ErrLockBusy {
			return nil, err
		}
		if time.Now().Add(retryInterval).After(deadline) {
			return nil, domain.ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lease if this caller still holds it. Releasing an
// expired or re-granted lease is a no-op.
func (le *Lease) Release(ctx context.Context) {
	if le == nil {
		return
	}
	if err := releaseScript.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Err(); err != nil && err != redis.Nil {
		le.locker.log.Warn("lock release failed", zap.String("key", le.key), zap.Error(err))
	}
}
