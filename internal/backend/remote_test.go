// Copyright 2025 James Ross
package backend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/keying"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRemote(t *testing.T, policy bucket.Policy) (*Remote, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRemote(client, policy, "rl", time.Hour, zaptest.NewLogger(t))

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return r, mr, cleanup
}

func TestRemote_BasicAllow(t *testing.T) {
	r, _, cleanup := setupRemote(t, bucket.Policy{Capacity: 10, RefillRate: 10, RefillInterval: time.Second})
	defer cleanup()

	d, err := r.TakeTokens(context.Background(), "tenant-a", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	usage, err := r.GetUsage(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, usage)
}

func TestRemote_DeniesBeyondBurst(t *testing.T) {
	r, _, cleanup := setupRemote(t, bucket.Policy{Capacity: 5, RefillRate: 5, RefillInterval: time.Second})
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := r.TakeTokens(ctx, "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := r.TakeTokens(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRemote_CostExceedsCapacityIsNeverWithoutRoundTrip(t *testing.T) {
	r, mr, cleanup := setupRemote(t, bucket.Policy{Capacity: 100, RefillRate: 100, RefillInterval: time.Second})
	defer cleanup()

	d, err := r.TakeTokens(context.Background(), "tenant-a", 150)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, bucket.Never, d.RetryAfter)
	assert.False(t, mr.Exists(keying.RoutingKey("rl", "tenant-a")), "no key should be written for an unsatisfiable request")
}

func TestRemote_ResetClearsBucket(t *testing.T) {
	r, _, cleanup := setupRemote(t, bucket.Policy{Capacity: 5, RefillRate: 5, RefillInterval: time.Second})
	defer cleanup()
	ctx := context.Background()

	_, err := r.TakeTokens(ctx, "tenant-a", 5)
	require.NoError(t, err)

	require.NoError(t, r.Reset(ctx, "tenant-a"))

	d, err := r.TakeTokens(ctx, "tenant-a", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRemote_UnavailableWrapsCoordinatorFailure(t *testing.T) {
	r, mr, cleanup := setupRemote(t, bucket.Policy{Capacity: 5, RefillRate: 5, RefillInterval: time.Second})
	defer cleanup()

	mr.Close()
	_, err := r.TakeTokens(context.Background(), "tenant-a", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
