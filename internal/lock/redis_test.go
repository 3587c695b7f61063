package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

func openTestRedis(t *testing.T, ttl time.Duration) *Redis {
	t.Helper()
	addr := os.Getenv("CASHIER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASHIER_TEST_REDIS_ADDR is not set")
	}

	r := NewRedis(addr, os.Getenv("CASHIER_TEST_REDIS_PASSWORD"), 0, ttl)
	t.Cleanup(func() { _ = r.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.Ping(ctx))
	r.retries = 2
	return r
}

func TestRedisAcquireBusyRelease(t *testing.T) {
	r := openTestRedis(t, 5*time.Second)
	ctx := context.Background()
	key := BillKey(xid.New("ph"), xid.New("bill"))

	release, err := r.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrBusy)

	other, err := r.Acquire(ctx, BillKey(xid.New("ph"), xid.New("bill")))
	require.NoError(t, err, "other bills are not blocked")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))

	again, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	assert.NoError(t, again(ctx))
}

func TestRedisLeaseOutlivesTTLWhileHeld(t *testing.T) {
	r := openTestRedis(t, 400*time.Millisecond)
	ctx := context.Background()
	key := BillKey(xid.New("ph"), xid.New("bill"))

	release, err := r.Acquire(ctx, key)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	_, err = r.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrBusy, "lease must be refreshed past its TTL")

	require.NoError(t, release(ctx))
	ttl, err := r.client.PTTL(ctx, "lock:"+key).Result()
	require.NoError(t, err)
	assert.True(t, ttl < 0, "key is gone after release")
}
