package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	assert.Equal(t, int64(1), Cost(16, 256))
	assert.Equal(t, int64(1), Cost(1, 16))
	assert.Equal(t, int64(4), Cost(16, 512))
	assert.Equal(t, int64(2), Cost(17, 256))
	assert.Equal(t, int64(1), Cost(0, 0))
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestMemoryTokenBucketRefills(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	limiter, err := NewMemoryTokenBucket(3, 3*time.Second)
	require.NoError(t, err)
	limiter.now = c.Now

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := limiter.AllowN(ctx, "alice", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(2-i), d.Remaining)
	}

	d, err := limiter.AllowN(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	other, err := limiter.AllowN(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	c.now = c.now.Add(time.Second)
	d, err = limiter.AllowN(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryTokenBucketClampsExpensiveRequests(t *testing.T) {
	limiter, err := NewMemoryTokenBucket(5, time.Minute)
	require.NoError(t, err)

	d, err := limiter.AllowN(context.Background(), "big", 500)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	d, err = limiter.AllowN(context.Background(), "big", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryTokenBucketEvictsIdleSubjects(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	limiter, err := NewMemoryTokenBucket(1, time.Second)
	require.NoError(t, err)
	limiter.now = c.Now

	_, err = limiter.AllowN(context.Background(), "gone", 1)
	require.NoError(t, err)
	c.now = c.now.Add(5 * time.Second)
	_, err = limiter.AllowN(context.Background(), "fresh", 1)
	require.NoError(t, err)

	assert.NotContains(t, limiter.buckets, "gone")
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewMemoryTokenBucket(0, time.Second)
	require.Error(t, err)
	_, err = NewMemoryTokenBucket(1, 0)
	require.Error(t, err)
	_, err = NewRedisTokenBucket(nil, 1, time.Second, "")
	require.Error(t, err)
}

func TestToInt64(t *testing.T) {
	for _, in := range []any{int64(7), 7, float64(7), "7"} {
		got, err := toInt64(in)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got)
	}
	_, err := toInt64([]byte("7"))
	require.Error(t, err)
}
