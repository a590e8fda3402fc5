package loopdetect

import (
	"sync"
	"sync/atomic"
	"time"
)

// DetectionState is the per-trace detection record.
//
// All fields are guarded by mu. The summary fields are mirrored into atomics
// on every mutation so statistics can be read without taking mu.
type DetectionState struct {
	mu sync.Mutex

	traceID      string
	createdAt    time.Time
	history      []Signature
	repeatCounts map[string]int
	maxDepth     int
	loopCategory Category
	loopKey      string

	// evicted is set when the state is removed from the Store. A caller that
	// acquired the lock after eviction must retry on a fresh state.
	evicted bool

	summary stateSummary
}

type stateSummary struct {
	looped   atomic.Bool
	category atomic.Value // Category
	key      atomic.Value // string
	maxDepth atomic.Int64
	oldest   atomic.Int64 // unix nanos
}

func newDetectionState(traceID string, now time.Time) *DetectionState {
	st := &DetectionState{
		traceID:      traceID,
		createdAt:    now,
		repeatCounts: make(map[string]int),
	}
	st.summary.oldest.Store(now.UnixNano())
	return st
}

// TraceID returns the trace this state belongs to.
func (s *DetectionState) TraceID() string { return s.traceID }

// Count returns the number of recorded occurrences of key. Requires the lock.
func (s *DetectionState) Count(key string) int { return s.repeatCounts[key] }

// MaxDepth returns the deepest depth observed. Requires the lock.
func (s *DetectionState) MaxDepth() int { return s.maxDepth }

// LoopCategory returns the category of the most recent loop. Requires the lock.
func (s *DetectionState) LoopCategory() Category { return s.loopCategory }

// History returns a copy of the recorded signatures, oldest first. Requires the lock.
func (s *DetectionState) History() []Signature {
	out := make([]Signature, len(s.history))
	copy(out, s.history)
	return out
}

// oldest is the timestamp that drives expiry: the oldest retained entry,
// or the creation time for a state that has recorded nothing.
func (s *DetectionState) oldest() time.Time {
	if len(s.history) > 0 {
		return s.history[0].ObservedAt
	}
	return s.createdAt
}

func (s *DetectionState) observeDepth(depth int) {
	if depth > s.maxDepth {
		s.maxDepth = depth
		s.summary.maxDepth.Store(int64(depth))
	}
}

// record appends sig to the history and bumps its count. When maxHistory is
// positive the oldest entries are dropped; counts are left untouched.
func (s *DetectionState) record(sig Signature, maxHistory int) {
	s.history = append(s.history, sig)
	s.repeatCounts[sig.Key()]++
	if maxHistory > 0 && len(s.history) > maxHistory {
		drop := len(s.history) - maxHistory
		copy(s.history, s.history[drop:])
		for i := len(s.history) - drop; i < len(s.history); i++ {
			s.history[i] = Signature{}
		}
		s.history = s.history[:len(s.history)-drop]
	}
	s.summary.oldest.Store(s.oldest().UnixNano())
}

func (s *DetectionState) flag(category Category, key string) {
	s.loopCategory = category
	s.loopKey = key
	s.summary.looped.Store(true)
	s.summary.category.Store(category)
	s.summary.key.Store(key)
}

// TraceSnapshot is a point-in-time copy of one trace's detection state.
type TraceSnapshot struct {
	TraceID      string         `json:"trace_id"`
	CreatedAt    time.Time      `json:"created_at"`
	History      []string       `json:"history"`
	RepeatCounts map[string]int `json:"repeat_counts"`
	MaxDepth     int            `json:"max_depth"`
	LoopDetected bool           `json:"loop_detected"`
	LoopCategory Category       `json:"loop_category,omitempty"`
	LoopKey      string         `json:"loop_key,omitempty"`
}

func (s *DetectionState) snapshot() TraceSnapshot {
	snap := TraceSnapshot{
		TraceID:      s.traceID,
		CreatedAt:    s.createdAt,
		History:      make([]string, len(s.history)),
		RepeatCounts: make(map[string]int, len(s.repeatCounts)),
		MaxDepth:     s.maxDepth,
		LoopDetected: s.loopCategory.IsLoop(),
		LoopCategory: s.loopCategory,
		LoopKey:      s.loopKey,
	}
	for i, sig := range s.history {
		snap.History[i] = sig.Key()
	}
	for k, v := range s.repeatCounts {
		snap.RepeatCounts[k] = v
	}
	return snap
}

// Store owns the DetectionState of every active trace.
//
// Lock order is Store.mu before DetectionState.mu. The hot path never holds
// both: it looks a state up under the read lock, releases it, then locks
// the state.
type Store struct {
	mu         sync.RWMutex
	states     map[string]*DetectionState
	window     time.Duration
	maxHistory int

	// earliest is a lower bound on the oldest timestamp of every live state,
	// in unix nanos, or zero when the store is empty.
	earliest     atomic.Int64
	evictedTotal atomic.Int64
}

// NewStore creates a Store that expires state older than window and keeps at
// most maxHistory signatures per trace (zero means unbounded).
func NewStore(window time.Duration, maxHistory int) *Store {
	return &Store{
		states:     make(map[string]*DetectionState),
		window:     window,
		maxHistory: maxHistory,
	}
}

// Acquire returns the locked state for traceID, creating it when absent and
// replacing it when it has already expired. The returned func unlocks it.
func (s *Store) Acquire(traceID string, now time.Time) (*DetectionState, func()) {
	for {
		s.mu.RLock()
		st := s.states[traceID]
		s.mu.RUnlock()

		if st == nil {
			s.mu.Lock()
			st = s.states[traceID]
			if st == nil {
				st = newDetectionState(traceID, now)
				s.states[traceID] = st
				s.lowerEarliest(now)
			}
			s.mu.Unlock()
		}

		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		if s.window > 0 && now.Sub(st.oldest()) > s.window {
			st.evicted = true
			st.mu.Unlock()
			s.remove(traceID, st)
			continue
		}
		return st, st.mu.Unlock
	}
}

// Lookup returns a snapshot of traceID's state without creating it.
func (s *Store) Lookup(traceID string) (TraceSnapshot, bool) {
	s.mu.RLock()
	st := s.states[traceID]
	s.mu.RUnlock()
	if st == nil {
		return TraceSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return TraceSnapshot{}, false
	}
	return st.snapshot(), true
}

// CleanupExpired removes every state whose oldest entry is older than window
// relative to now and returns how many were removed. It returns immediately
// when no state can have expired.
func (s *Store) CleanupExpired(now time.Time, window time.Duration) int {
	earliest := s.earliest.Load()
	if earliest == 0 || now.Sub(time.Unix(0, earliest)) <= window {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var next int64
	for id, st := range s.states {
		var oldest int64
		// A busy state is being written right now, so it is not stale; use
		// its published summary rather than waiting on it.
		if st.mu.TryLock() {
			if now.Sub(st.oldest()) > window {
				st.evicted = true
				st.mu.Unlock()
				delete(s.states, id)
				removed++
				continue
			}
			oldest = st.oldest().UnixNano()
			st.mu.Unlock()
		} else {
			oldest = st.summary.oldest.Load()
		}
		if next == 0 || oldest < next {
			next = oldest
		}
	}
	s.earliest.Store(next)
	s.evictedTotal.Add(int64(removed))
	return removed
}

// Len returns the number of active traces.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Evicted returns the lifetime number of expired traces.
func (s *Store) Evicted() int64 {
	return s.evictedTotal.Load()
}

// Reset drops every trace.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		st.mu.Lock()
		st.evicted = true
		st.mu.Unlock()
	}
	s.states = make(map[string]*DetectionState)
	s.earliest.Store(0)
}

// forEach calls fn for every live state under the read lock. fn must only
// read the atomic summary.
func (s *Store) forEach(fn func(*DetectionState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		fn(st)
	}
}

func (s *Store) remove(traceID string, st *DetectionState) {
	s.mu.Lock()
	if s.states[traceID] == st {
		delete(s.states, traceID)
		s.evictedTotal.Add(1)
	}
	s.mu.Unlock()
}

// lowerEarliest must be called with s.mu held for writing.
func (s *Store) lowerEarliest(t time.Time) {
	n := t.UnixNano()
	if cur := s.earliest.Load(); cur == 0 || n < cur {
		s.earliest.Store(n)
	}
}
