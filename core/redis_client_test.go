package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, namespace string) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        RedisDBPatterns,
		Namespace: namespace,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewRedisClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"empty URL", "", ErrInvalidConfiguration},
		{"malformed URL", "http://not-redis", ErrInvalidConfiguration},
		{"unreachable host", "redis://127.0.0.1:1", ErrConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisClient(RedisClientOptions{RedisURL: tt.url})
			assert.Nil(t, client)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRedisClientNamespacing(t *testing.T) {
	mr, client := newTestRedis(t, DefaultPatternNamespace)
	ctx := context.Background()

	assert.Equal(t, RedisDBPatterns, client.GetDB())
	assert.Equal(t, DefaultPatternNamespace, client.GetNamespace())

	require.NoError(t, client.Set(ctx, "last_sync", "1700000000000", 0))
	raw, err := mr.Get(DefaultPatternNamespace + ":last_sync")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", raw)

	got, err := client.Get(ctx, "last_sync")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", got)

	require.NoError(t, client.Del(ctx, "last_sync"))
	assert.False(t, mr.Exists(DefaultPatternNamespace+":last_sync"))

	_, err = client.Get(ctx, "last_sync")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisClientWithoutNamespace(t *testing.T) {
	mr, client := newTestRedis(t, "")
	require.NoError(t, client.Set(context.Background(), "plain", "v", time.Minute))
	assert.True(t, mr.Exists("plain"))
	assert.Equal(t, time.Minute, mr.TTL("plain"))
}

func TestRedisClientSortedSets(t *testing.T) {
	mr, client := newTestRedis(t, DefaultPatternNamespace)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, "global",
		&redis.Z{Score: 100, Member: "search:aaaa0001"},
		&redis.Z{Score: 200, Member: "expand:bbbb0002"},
		&redis.Z{Score: 300, Member: "search:cccc0003"},
	))

	members, err := mr.ZMembers(DefaultPatternNamespace + ":global")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	n, err := client.ZCard(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recent, err := client.ZRangeByScoreWithScores(ctx, "global", "150", "+inf")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "expand:bbbb0002", recent[0].Member)
	assert.Equal(t, float64(200), recent[0].Score)

	require.NoError(t, client.ZRemRangeByScore(ctx, "global", "-inf", "(200"))
	require.NoError(t, client.ZRem(ctx, "global", "search:cccc0003"))

	members, err = mr.ZMembers(DefaultPatternNamespace + ":global")
	require.NoError(t, err)
	assert.Equal(t, []string{"expand:bbbb0002"}, members)
}

func TestRedisClientHealthCheck(t *testing.T) {
	mr, client := newTestRedis(t, DefaultPatternNamespace)
	ctx := context.Background()

	assert.NoError(t, client.HealthCheck(ctx))

	mr.SetError("ERR server unavailable")
	assert.Error(t, client.HealthCheck(ctx))

	mr.SetError("")
	assert.NoError(t, client.HealthCheck(ctx))
}
