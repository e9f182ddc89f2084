package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/rand"
)

var ErrNotAcquired = errors.New("lock: not acquired")

// Locker serializes work per key. The returned unlock func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
)

// Deletes the key only while it still holds our token, so an expired lock
// taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock shared by every API replica.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: defaultRetry, prefix: "lock:"}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = releaseScript.Run(ctx, l.rdb, []string{k}, token).Err()
				})
			}, nil
		}

		wait := l.retry + time.Duration(rand.Int63n(int64(l.retry)))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// LocalLocker is an in-process keyed mutex for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
