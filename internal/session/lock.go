package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// Locker serializes turns that share a session id. The returned func
// releases the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is a Locker for a single process
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisLockOptions tunes the distributed lock. A held lock is refreshed
// every ExtendEvery, so a turn may run past Expiry; Expiry only bounds how
// long a crashed holder blocks the session.
type RedisLockOptions struct {
	Expiry      time.Duration
	ExtendEvery time.Duration
	Tries       int
	RetryDelay  time.Duration
}

func DefaultRedisLockOptions() RedisLockOptions {
	return RedisLockOptions{
		Expiry:      30 * time.Second,
		ExtendEvery: 10 * time.Second,
		Tries:       60,
		RetryDelay:  500 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every replica through redis (RedLock)
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisLockOptions
}

func NewRedisLocker(client *redis.Client, opts RedisLockOptions) *RedisLocker {
	if opts.ExtendEvery <= 0 || opts.ExtendEvery >= opts.Expiry {
		opts.ExtendEvery = opts.Expiry / 3
	}
	pool := goredis.NewPool(client)
	return &RedisLocker{rs: redsync.New(pool), opts: opts}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(
		lockKey(key),
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(mutex, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if ok, err := mutex.UnlockContext(context.Background()); !ok || err != nil {
				log.Printf("[SESSION] Failed to release lock for %s: %v", key, err)
			}
		})
	}, nil
}

// keepAlive pushes the lock expiry forward until stop is closed
func (r *RedisLocker) keepAlive(mutex *redsync.Mutex, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.ExtendEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.ExtendEvery)
			ok, err := mutex.ExtendContext(ctx)
			cancel()
			if !ok || err != nil {
				log.Printf("[SESSION] Lost lock for %s while held: %v", key, err)
				return
			}
		}
	}
}

func lockKey(sessionID string) string {
	return "voice:lock:" + sessionID
}
