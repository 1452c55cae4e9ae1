package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	rs := NewRedisStore("localhost:6379", "", 0, time.Minute)
	defer func() { _ = rs.Close() }()
	ctx := context.Background()
	if err := rs.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-delta-" + time.Now().Format("150405.000000")
	defer rs.client.Del(ctx, rs.prefix+key)

	s := NewStore(time.Hour, rs, nil)
	s.Record(ctx, key, "autonomy", "mode changed", 1_000)

	// A fresh process sees the persisted entry.
	fresh := NewStore(time.Hour, rs, nil)
	res := fresh.ShouldSuppress(ctx, key, "autonomy", "mode changed", 2_000)
	assert.True(t, res.Suppress)
	require.NotNil(t, res.LastAtMs)
	assert.Equal(t, int64(1_000), *res.LastAtMs)

	ttl, err := rs.client.TTL(ctx, rs.prefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
