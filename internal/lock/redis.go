package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis serializes across processes with a redislock lease per key.
type Redis struct {
	client  *redis.Client
	locker  *redislock.Client
	ttl     time.Duration
	retries int
}

func NewRedis(addr string, password string, db int, ttl time.Duration) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:  client,
		locker:  redislock.New(client),
		ttl:     ttl,
		retries: 40,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	lease, err := r.locker.Obtain(ctx, "lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), r.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(lease, stop, done)

	return func(ctx context.Context) error {
		close(stop)
		<-done
		if err := lease.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// keepAlive extends the lease every half TTL while the holder works, so a
// change that runs longer than the TTL keeps its bill locked.
func (r *Redis) keepAlive(lease *redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/2)
			err := lease.Refresh(ctx, r.ttl, nil)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
