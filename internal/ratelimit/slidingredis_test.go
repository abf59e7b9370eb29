package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowRollsOff(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter := SlidingWindow{Client: client, Prefix: "cart:rl:", now: func() time.Time { return now }}
	ctx := context.Background()
	window := 2 * time.Second

	allowed, remaining, reset, err := limiter.Allow(ctx, "device:a", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 1, remaining)
	require.Equal(t, now.Add(window), reset.UTC())

	now = now.Add(time.Second)
	allowed, remaining, _, err = limiter.Allow(ctx, "device:a", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, remaining)

	allowed, _, reset, err = limiter.Allow(ctx, "device:a", window, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, now.Add(time.Second), reset.UTC(), "the first event leaves the window next")

	// rejected requests were not recorded, so only the first event rolls off
	now = now.Add(time.Second)
	allowed, remaining, _, err = limiter.Allow(ctx, "device:a", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, remaining)

	n, err := client.ZCard(ctx, "cart:rl:device:a").Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestSlidingWindowWithoutRedis(t *testing.T) {
	allowed, remaining, _, err := SlidingWindow{}.Allow(context.Background(), "k", time.Second, 5)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 5, remaining)
}
