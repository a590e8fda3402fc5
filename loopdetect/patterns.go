package loopdetect

import (
	"sort"
	"sync"
	"time"
)

// PromoteFunc is notified after a key is newly added to the registry.
type PromoteFunc func(key string, promotedAt time.Time)

// PatternRegistry is the process-wide set of signature keys known to loop.
// A key promoted by one trace is treated as a loop by every other trace.
//
// Entries older than ttl are treated as absent (ttl of zero keeps them
// forever). When max is positive the oldest entries are evicted to make room.
type PatternRegistry struct {
	mu        sync.RWMutex
	patterns  map[string]time.Time
	ttl       time.Duration
	max       int
	now       func() time.Time
	listeners []PromoteFunc
}

// NewPatternRegistry creates an empty registry.
func NewPatternRegistry(ttl time.Duration, max int, clock func() time.Time) *PatternRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &PatternRegistry{
		patterns: make(map[string]time.Time),
		ttl:      ttl,
		max:      max,
		now:      clock,
	}
}

// Contains reports whether key is a live global pattern.
func (r *PatternRegistry) Contains(key string) bool {
	r.mu.RLock()
	at, ok := r.patterns[key]
	r.mu.RUnlock()
	return ok && !r.expired(at, r.now())
}

// Promote adds key to the registry and reports whether it was new.
// Promoting a known key refreshes its timestamp. Listeners only hear about
// new keys.
func (r *PatternRegistry) Promote(key string) bool {
	now := r.now()

	r.mu.Lock()
	at, exists := r.patterns[key]
	added := !exists || r.expired(at, now)
	r.patterns[key] = now
	if added {
		r.evictOverflowLocked()
	}
	listeners := r.listeners
	r.mu.Unlock()

	if added {
		for _, fn := range listeners {
			fn(key, now)
		}
	}
	return added
}

// Merge imports keys observed elsewhere without notifying listeners. An
// existing entry keeps the later of the two timestamps. It returns the number
// of keys that were not present before.
func (r *PatternRegistry) Merge(keys map[string]time.Time) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for key, at := range keys {
		if r.expired(at, now) {
			continue
		}
		cur, ok := r.patterns[key]
		if !ok || r.expired(cur, now) {
			added++
		}
		if !ok || at.After(cur) {
			r.patterns[key] = at
		}
	}
	if added > 0 {
		r.evictOverflowLocked()
	}
	return added
}

// Remove drops key and reports whether it was present.
func (r *PatternRegistry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.patterns[key]
	delete(r.patterns, key)
	return ok
}

// Prune removes expired entries and returns how many were removed.
func (r *PatternRegistry) Prune() int {
	if r.ttl <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, at := range r.patterns {
		if r.expired(at, now) {
			delete(r.patterns, key)
			removed++
		}
	}
	return removed
}

// Keys returns the live keys in sorted order.
func (r *PatternRegistry) Keys() []string {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.patterns))
	for key, at := range r.patterns {
		if !r.expired(at, now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (r *PatternRegistry) Len() int {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, at := range r.patterns {
		if !r.expired(at, now) {
			n++
		}
	}
	return n
}

// Reset drops every key.
func (r *PatternRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = make(map[string]time.Time)
}

// OnPromote registers fn to be called after every new promotion.
// fn runs on the promoting goroutine and must not block.
func (r *PatternRegistry) OnPromote(fn PromoteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *PatternRegistry) expired(at, now time.Time) bool {
	return r.ttl > 0 && now.Sub(at) > r.ttl
}

func (r *PatternRegistry) evictOverflowLocked() {
	if r.max <= 0 {
		return
	}
	for len(r.patterns) > r.max {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for key, at := range r.patterns {
			if first || at.Before(oldestAt) {
				oldestKey, oldestAt, first = key, at, false
			}
		}
		delete(r.patterns, oldestKey)
	}
}
