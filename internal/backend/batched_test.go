// Copyright 2025 James Ross
package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupBatched(t *testing.T, policy bucket.Policy, batchSize uint64, lease time.Duration, clk clock.Clock) (*Batched, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	remote := NewRemote(client, policy, "rl", time.Hour, zaptest.NewLogger(t))
	b, err := NewBatched(remote, policy, batchSize, lease, 1000, clk)
	require.NoError(t, err)
	return b, mr
}

func TestBatched_HitsServedLocallyAfterFirstRefill(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b, _ := setupBatched(t, bucket.Policy{Capacity: 1000, RefillRate: 1000, RefillInterval: time.Second}, 100, time.Second, clk)
	ctx := context.Background()

	d, err := b.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	for i := 0; i < 98; i++ {
		d, err := b.TakeTokens(ctx, "tenant-a", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err = b.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "exactly 100 tokens should have been reserved")

	d, err = b.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "exhausted reservation should be replaced by a second acquire from the remote bucket")
}

func TestBatched_ExpiredReservationForcesNewAcquire(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b, _ := setupBatched(t, bucket.Policy{Capacity: 1000, RefillRate: 1000, RefillInterval: time.Second}, 10, 100*time.Millisecond, clk)
	ctx := context.Background()

	d, err := b.TakeTokens(ctx, "tenant-a", 5)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	clk.Advance(200 * time.Millisecond)
	d, err = b.TakeTokens(ctx, "tenant-a", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "expired reservation should be replaced by a fresh acquire")
}

func TestBatched_DenialWhenRemoteBucketExhausted(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b, _ := setupBatched(t, bucket.Policy{Capacity: 10, RefillRate: 0, RefillInterval: time.Second}, 10, time.Second, clk)
	ctx := context.Background()

	d, err := b.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	for i := 0; i < 9; i++ {
		d, err := b.TakeTokens(ctx, "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err = b.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestBatched_TwoProcessesSharedBucketErrorBound(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	policy := bucket.Policy{Capacity: 100, RefillRate: 0, RefillInterval: time.Second}
	clk := clock.NewManual(time.Unix(0, 0))

	newProcess := func() *Batched {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		remote := NewRemote(client, policy, "rl", time.Hour, zaptest.NewLogger(t))
		b, err := NewBatched(remote, policy, 100, time.Second, 1000, clk)
		require.NoError(t, err)
		return b
	}

	p1 := newProcess()
	p2 := newProcess()

	run := func(b *Batched) int64 {
		var allowed int64
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := b.TakeTokens(context.Background(), "shared", 1)
				require.NoError(t, err)
				if d.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}()
		}
		wg.Wait()
		return allowed
	}

	var total int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range []*Batched{p1, p2} {
		wg.Add(1)
		go func(b *Batched) {
			defer wg.Done()
			n := run(b)
			mu.Lock()
			total += n
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, total, int64(100))
	assert.LessOrEqual(t, total, int64(200))
}
