package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRebuildLockKey = "lasertracker:lock:rebuild_totals"
	defaultRebuildLockTTL = 5 * time.Minute
)

// RebuildLock implements ledger.RebuildGuard with a Redis lock shared by
// every process. It does not block ordinary writes.
type RebuildLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRebuildLock returns a RebuildLock. A zero ttl uses five minutes, which
// must outlast the longest expected replay.
func NewRebuildLock(client *redis.Client, ttl time.Duration) *RebuildLock {
	if ttl <= 0 {
		ttl = defaultRebuildLockTTL
	}
	return &RebuildLock{locker: redislock.New(client), key: defaultRebuildLockKey, ttl: ttl}
}

// Acquire obtains the lock or fails fast with ledger.ErrRebuildInProgress.
func (lock *RebuildLock) Acquire(ctx context.Context) (func(), error) {
	obtained, err := lock.locker.Obtain(ctx, lock.key, lock.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ledger.ErrRebuildInProgress
	}
	if err != nil {
		return nil, ledger.WrapStoreError("rebuild_lock", "obtain", err)
	}
	release := func() {
		_ = obtained.Release(context.Background())
	}
	return release, nil
}
