package patternsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
	"github.com/itsneelabh/loopwatch/resilience"
)

const sharedKey = core.DefaultPatternNamespace + ":" + GlobalKey

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func setupRedis(t *testing.T) (*miniredis.Miniredis, *core.RedisClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBPatterns,
		Namespace: core.DefaultPatternNamespace,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2}
}

func newTestSyncer(client Store, ttl time.Duration, opts ...Option) (*Syncer, *loopdetect.PatternRegistry) {
	registry := loopdetect.NewPatternRegistry(ttl, 100, clock)
	opts = append([]Option{WithRetry(fastRetry()), WithClock(clock), WithPatternTTL(ttl)}, opts...)
	return New(client, registry, opts...), registry
}

func TestSyncPushesPromotions(t *testing.T) {
	mr, client := setupRedis(t)
	syncer, registry := newTestSyncer(client, 0)

	require.True(t, registry.Promote("search:1a2b3c4d"))
	assert.Equal(t, 1, syncer.Pending())

	require.NoError(t, syncer.Sync(context.Background()))
	assert.Equal(t, 0, syncer.Pending())

	members, err := mr.ZMembers(sharedKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"search:1a2b3c4d"}, members)

	score, err := mr.ZScore(sharedKey, "search:1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, float64(testNow.UnixMilli()), score)

	stats := syncer.Stats()
	assert.Equal(t, int64(1), stats.Pushed)
	assert.True(t, stats.LastSync.Equal(testNow))
}

func TestSyncSharesBetweenProcesses(t *testing.T) {
	_, client := setupRedis(t)
	syncerA, registryA := newTestSyncer(client, 0)
	syncerB, registryB := newTestSyncer(client, 0)

	key := loopdetect.NewSignature("search", "anything").Key()
	registryA.Promote(key)
	require.NoError(t, syncerA.Sync(context.Background()))
	require.NoError(t, syncerB.Sync(context.Background()))

	assert.True(t, registryB.Contains(key))
	assert.Equal(t, 0, syncerB.Pending(), "merged patterns are not pushed back")
	assert.Equal(t, int64(1), syncerB.Stats().Pulled)

	// A detector on process B flags the pattern on its first sighting.
	detector, err := loopdetect.New(loopdetect.WithPatternRegistry(registryB))
	require.NoError(t, err)
	decision, err := detector.Check(context.Background(), "trace-b", "search", "anything", 0)
	require.NoError(t, err)
	assert.Equal(t, loopdetect.CategoryGlobalPatternRepetition, decision.Category)
}

func TestSyncHonorsTTL(t *testing.T) {
	mr, client := setupRedis(t)
	syncer, registry := newTestSyncer(client, time.Minute)

	_, err := mr.ZAdd(sharedKey, float64(testNow.Add(-2*time.Minute).UnixMilli()), "old:aaaaaaaa")
	require.NoError(t, err)
	_, err = mr.ZAdd(sharedKey, float64(testNow.Add(-30*time.Second).UnixMilli()), "fresh:bbbbbbbb")
	require.NoError(t, err)

	require.NoError(t, syncer.Sync(context.Background()))

	assert.True(t, registry.Contains("fresh:bbbbbbbb"))
	assert.False(t, registry.Contains("old:aaaaaaaa"))

	members, err := mr.ZMembers(sharedKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh:bbbbbbbb"}, members)
}

func TestSyncFailureKeepsQueue(t *testing.T) {
	mr, client := setupRedis(t)
	syncer, registry := newTestSyncer(client, 0)

	registry.Promote("search:1a2b3c4d")
	mr.SetError("ERR injected failure")

	err := syncer.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.Equal(t, 1, syncer.Pending())
	assert.Equal(t, int64(1), syncer.Stats().Failures)
	assert.True(t, syncer.Stats().LastSync.IsZero())

	mr.SetError("")
	require.NoError(t, syncer.Sync(context.Background()))
	assert.Equal(t, 0, syncer.Pending())
	assert.Equal(t, int64(1), syncer.Stats().Pushed)
}

func TestQueueOverflowDrops(t *testing.T) {
	_, client := setupRedis(t)
	syncer, registry := newTestSyncer(client, 0, WithQueueDepth(1))

	registry.Promote("search:11111111")
	registry.Promote("search:22222222")

	assert.Equal(t, 1, syncer.Pending())
	assert.Equal(t, int64(1), syncer.Stats().Dropped)
}

func TestRun(t *testing.T) {
	mr, client := setupRedis(t)
	syncer, registry := newTestSyncer(client, 0, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	registry.Promote("expand:cafebabe")
	require.Eventually(t, func() bool {
		members, _ := mr.ZMembers(sharedKey)
		return len(members) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, syncer.Run(ctx), core.ErrAlreadyStarted)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(errors.New("dial tcp: connection refused")))
}
