package loopdetect

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAcquireCreatesState(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, 0)

	st, unlock := store.Acquire("trace-1", clock.Now())
	require.NotNil(t, st)
	assert.Equal(t, "trace-1", st.TraceID())
	assert.Empty(t, st.History())
	unlock()

	again, unlock := store.Acquire("trace-1", clock.Now())
	unlock()
	assert.Same(t, st, again)
	assert.Equal(t, 1, store.Len())
}

func TestStoreAcquireReplacesExpiredState(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, 0)

	st, unlock := store.Acquire("trace-1", clock.Now())
	st.record(newSignatureAt("search", "q", clock.Now()), 0)
	unlock()

	clock.Advance(61 * time.Second)
	fresh, unlock := store.Acquire("trace-1", clock.Now())
	defer unlock()

	assert.NotSame(t, st, fresh)
	assert.Empty(t, fresh.History())
	assert.Equal(t, 0, fresh.Count(NewSignature("search", "q").Key()))
	assert.Equal(t, int64(1), store.Evicted())
}

func TestStoreCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, 0)

	old, unlock := store.Acquire("old", clock.Now())
	old.record(newSignatureAt("search", "q", clock.Now()), 0)
	unlock()

	clock.Advance(30 * time.Second)
	_, unlock = store.Acquire("recent", clock.Now())
	unlock()

	assert.Equal(t, 0, store.CleanupExpired(clock.Now(), time.Minute), "nothing is old enough yet")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, store.CleanupExpired(clock.Now(), time.Minute))
	assert.Equal(t, 1, store.Len())

	_, ok := store.Lookup("old")
	assert.False(t, ok)
	_, ok = store.Lookup("recent")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, store.CleanupExpired(clock.Now(), time.Minute))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(2), store.Evicted())
}

func TestStoreCleanupUsesOldestRetainedEntry(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, 2)

	st, unlock := store.Acquire("trace-1", clock.Now())
	for i := 0; i < 3; i++ {
		st.record(newSignatureAt("search", fmt.Sprintf("q%d", i), clock.Now()), 2)
		clock.Advance(40 * time.Second)
	}
	unlock()

	// The first entry was dropped by the history cap, so the oldest retained
	// entry is 80s old rather than 120s.
	assert.Equal(t, 0, store.CleanupExpired(clock.Now(), 90*time.Second))
	assert.Equal(t, 1, store.Len())
}

func TestDetectionStateHistoryCap(t *testing.T) {
	clock := newFakeClock()
	st := newDetectionState("trace-1", clock.Now())

	for i := 0; i < 5; i++ {
		st.record(newSignatureAt("search", fmt.Sprintf("q%d", i), clock.Now()), 3)
	}

	history := st.History()
	require.Len(t, history, 3)
	assert.Equal(t, Fingerprint("q2"), history[0].Fingerprint)
	assert.Equal(t, Fingerprint("q4"), history[2].Fingerprint)
	// Counts survive the cap.
	assert.Equal(t, 1, st.Count(NewSignature("search", "q0").Key()))
}

func TestStoreReset(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, 0)
	st, unlock := store.Acquire("trace-1", clock.Now())
	unlock()

	store.Reset()

	assert.Equal(t, 0, store.Len())
	fresh, unlock := store.Acquire("trace-1", clock.Now())
	unlock()
	assert.NotSame(t, st, fresh)
}

func TestStoreConcurrentAcquireAndCleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Second, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				now := clock.Now()
				st, unlock := store.Acquire(fmt.Sprintf("trace-%d", i%5), now)
				st.record(newSignatureAt("search", fmt.Sprintf("q%d-%d", g, i), now), 50)
				unlock()
				if i%20 == 0 {
					clock.Advance(500 * time.Millisecond)
				}
				store.CleanupExpired(clock.Now(), time.Second)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 5)
}
