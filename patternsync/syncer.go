// Package patternsync shares the global loop pattern registry between
// processes through a Redis sorted set.
//
// Every process pushes the signatures it promotes and periodically pulls
// the signatures promoted elsewhere. The set lives at "<namespace>:global";
// members are "operation:fingerprint" keys and scores are the promotion
// time in unix milliseconds, so stale members can be trimmed by score.
//
// Sync runs off the detection path. A Redis outage only delays sharing:
// the local registry keeps working and failures are logged.
package patternsync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
	"github.com/itsneelabh/loopwatch/resilience"
	"github.com/itsneelabh/loopwatch/telemetry"
)

// GlobalKey is the sorted set holding shared patterns, relative to the
// client namespace.
const GlobalKey = "global"

const (
	defaultInterval   = 15 * time.Second
	defaultQueueDepth = 1024
)

// Store is the subset of core.RedisClient the syncer needs.
type Store interface {
	ZAdd(ctx context.Context, key string, members ...*redis.Z) error
	ZRangeByScoreWithScores(ctx context.Context, key string, min, max string) ([]redis.Z, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error
}

var _ Store = (*core.RedisClient)(nil)

// Stats counts sync activity since the Syncer was created.
type Stats struct {
	Pushed   int64     `json:"pushed"`
	Pulled   int64     `json:"pulled"`
	Dropped  int64     `json:"dropped"`
	Failures int64     `json:"failures"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

// Syncer pushes local promotions to Redis and merges remote ones into the
// local registry.
type Syncer struct {
	store    Store
	patterns *loopdetect.PatternRegistry
	ttl      time.Duration
	interval time.Duration
	retry    *resilience.RetryConfig
	logger   core.Logger
	now      func() time.Time

	pending chan promotion

	pushed   atomic.Int64
	pulled   atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
	lastSync atomic.Int64

	runOnce sync.Once
}

type promotion struct {
	key string
	at  time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithInterval sets how often Run syncs. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPatternTTL makes Pull ignore and Sync trim members older than ttl.
// It should match the local registry TTL.
func WithPatternTTL(ttl time.Duration) Option {
	return func(s *Syncer) { s.ttl = ttl }
}

// WithRetry replaces the retry policy for Redis calls.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(s *Syncer) { s.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = core.ComponentLogger(logger, "patternsync")
		}
	}
}

// WithQueueDepth bounds the number of promotions waiting to be pushed.
// Promotions beyond it are dropped and counted.
func WithQueueDepth(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.pending = make(chan promotion, n)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Syncer and subscribes it to promotions in patterns.
// Promotions are queued and pushed by Sync, never on the caller's path.
func New(store Store, patterns *loopdetect.PatternRegistry, opts ...Option) *Syncer {
	s := &Syncer{
		store:    store,
		patterns: patterns,
		interval: defaultInterval,
		retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			JitterEnabled: true,
			ShouldRetry:   retryable,
		},
		logger:  &core.NoOpLogger{},
		now:     time.Now,
		pending: make(chan promotion, defaultQueueDepth),
	}
	for _, opt := range opts {
		opt(s)
	}
	patterns.OnPromote(s.enqueue)
	return s
}

// enqueue is the registry listener. It never blocks.
func (s *Syncer) enqueue(key string, at time.Time) {
	select {
	case s.pending <- promotion{key: key, at: at}:
	default:
		s.dropped.Add(1)
		s.logger.Debug("Pattern push queue full, dropping promotion", map[string]interface{}{
			"signature": key,
		})
	}
}

// Push writes one pattern to Redis.
func (s *Syncer) Push(ctx context.Context, key string, at time.Time) error {
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.ZAdd(ctx, GlobalKey, &redis.Z{Score: float64(at.UnixMilli()), Member: key})
	})
	if err != nil {
		return err
	}
	s.pushed.Add(1)
	return nil
}

// Flush pushes the promotions queued when it starts. On failure the failed
// promotion and the rest of the queue stay queued.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	flushed := 0
	for n := len(s.pending); flushed < n; {
		var p promotion
		select {
		case p = <-s.pending:
		default:
			return flushed, nil
		}
		if err := s.Push(ctx, p.key, p.at); err != nil {
			s.requeue(p)
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

func (s *Syncer) requeue(p promotion) {
	select {
	case s.pending <- p:
	default:
		s.dropped.Add(1)
	}
}

// Pull merges the shared patterns into the local registry and returns how
// many were new.
func (s *Syncer) Pull(ctx context.Context) (int, error) {
	min := "-inf"
	if s.ttl > 0 {
		min = strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	}

	var members []redis.Z
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		members, err = s.store.ZRangeByScoreWithScores(ctx, GlobalKey, min, "+inf")
		return err
	})
	if err != nil {
		return 0, err
	}

	remote := make(map[string]time.Time, len(members))
	for _, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		remote[key] = time.UnixMilli(int64(m.Score))
	}
	added := s.patterns.Merge(remote)
	s.pulled.Add(int64(added))
	return added, nil
}

// trim removes shared members older than the TTL.
func (s *Syncer) trim(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	max := "(" + strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	return s.store.ZRemRangeByScore(ctx, GlobalKey, "-inf", max)
}

// Sync flushes queued promotions, trims expired members and pulls.
func (s *Syncer) Sync(ctx context.Context) error {
	defer telemetry.TimeOperation(telemetry.MetricPatternSyncTime)()
	start := s.now()
	flushed, err := s.Flush(ctx)
	if err == nil {
		err = s.trim(ctx)
	}
	pulled := 0
	if err == nil {
		pulled, err = s.Pull(ctx)
	}

	if err != nil {
		s.failures.Add(1)
		telemetry.Counter(telemetry.MetricPatternSyncRuns, "status", "error")
		s.logger.Warn("Pattern sync failed", map[string]interface{}{
			"error":  err.Error(),
			"pushed": flushed,
		})
		return err
	}

	s.lastSync.Store(s.now().UnixNano())
	telemetry.Counter(telemetry.MetricPatternSyncRuns, "status", "success")
	if flushed > 0 || pulled > 0 {
		s.logger.Info("Pattern sync completed", map[string]interface{}{
			"pushed":      flushed,
			"pulled":      pulled,
			"local_total": s.patterns.Len(),
			"duration_ms": s.now().Sub(start).Milliseconds(),
		})
	}
	return nil
}

// Run syncs every interval until ctx is done, then makes a final flush with
// a short timeout. Only the first call runs; later calls return
// core.ErrAlreadyStarted.
func (s *Syncer) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return core.ErrAlreadyStarted
	}

	s.logger.Info("Pattern sync started", map[string]interface{}{
		"interval": s.interval.String(),
		"ttl":      s.ttl.String(),
	})

	_ = s.Sync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), core.DefaultRedisTimeout)
			flushed, err := s.Flush(flushCtx)
			cancel()
			s.logger.Info("Pattern sync stopped", map[string]interface{}{
				"flushed": flushed,
				"pending": len(s.pending),
			})
			return err
		case <-ticker.C:
			_ = s.Sync(ctx)
		}
	}
}

// Stats returns sync counters.
func (s *Syncer) Stats() Stats {
	st := Stats{
		Pushed:   s.pushed.Load(),
		Pulled:   s.pulled.Load(),
		Dropped:  s.dropped.Load(),
		Failures: s.failures.Load(),
	}
	if ns := s.lastSync.Load(); ns > 0 {
		st.LastSync = time.Unix(0, ns)
	}
	return st
}

// Pending is the number of promotions waiting to be pushed.
func (s *Syncer) Pending() int {
	return len(s.pending)
}

// retryable treats Redis network failures as transient. redis.Nil and
// context errors are not retried.
func retryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
