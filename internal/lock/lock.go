// Package lock keeps two scraper processes from running the same pass by
// holding a token-guarded key in Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fare-scraper/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Second

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is one holder's claim on a key. The token makes sure only
// the holder can release or extend it.
type DistributedLock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewDistributedLock returns an unheld lock on key with a fresh token.
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DistributedLock{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock deletes the key only while this token still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the TTL if the lock is still held by this instance.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) IsHeld(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return val == l.token, nil
}

func (l *DistributedLock) Key() string { return l.key }

// RedisLocker hands out run locks and keeps them alive while a run is in
// progress.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    logger.Logger
}

// NewRedisLocker defaults ttl to DefaultTTL.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, log: log}
}

// TryAcquire takes key or fails with ErrLockNotAcquired. Until the returned
// release func is called the TTL is refreshed every third of its length.
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (func(context.Context) error, error) {
	l := NewDistributedLock(r.client, key, r.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}
	r.log.Debug("Run lock acquired", logger.String("key", key), logger.Duration("ttl", r.ttl))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.Extend(context.Background(), r.ttl); err != nil {
					r.log.Warn("Run lock refresh failed", logger.String("key", key), logger.Error(err))
					if errors.Is(err, ErrLockNotHeld) {
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = l.Unlock(ctx)
		})
		return err
	}
	return release, nil
}
