// Package lock serializes commands per aggregate id.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"maintline/internal/config"
)

var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive per-key locks. Release must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// New builds the locker selected by config. The returned close func releases backend resources.
func New(cfg config.LockConfig) (Locker, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(), func() error { return nil }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ttl := time.Duration(cfg.TTLSeconds) * time.Second
		return NewRedis(rdb, ttl), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %s", cfg.Backend)
	}
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: map[string]*slot{}}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.drop(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.drop(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held returns the number of keys currently tracked.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Redis shares locks between processes through bsm/redislock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedis(rdb redislock.RedisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{client: redislock.New(rdb), ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	lk, err := r.client.Obtain(ctx, "maintline:lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = lk.Release(context.Background())
		})
	}, nil
}
