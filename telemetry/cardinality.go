package telemetry

import (
	"sync"
	"time"
)

// OverflowLabelValue replaces label values past a label's limit.
const OverflowLabelValue = "other"

const (
	cardinalitySweepInterval = 5 * time.Minute
	cardinalityIdleTimeout   = 10 * time.Minute
)

// CardinalityLimiter bounds the distinct values a label may take per metric.
// Operation names and tool names come from callers, so without it a
// misbehaving agent could create one series per query.
type CardinalityLimiter struct {
	limits map[string]int

	mu   sync.Mutex
	seen map[string]map[string]time.Time // "metric.label" -> value -> last seen

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter starts a background sweep that forgets values not
// seen for ten minutes. Call Stop to end it.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:   limits,
		seen:     make(map[string]map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndLimit returns value, or OverflowLabelValue when label already has
// its limit of distinct values for metric. Labels without a limit pass.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, ok := c.limits[label]
	if !ok {
		return value
	}

	key := metric + "." + label
	c.mu.Lock()
	defer c.mu.Unlock()

	values, ok := c.seen[key]
	if !ok {
		values = make(map[string]time.Time)
		c.seen[key] = values
	}
	if _, known := values[value]; !known && len(values) >= limit {
		return OverflowLabelValue
	}
	values[value] = time.Now()
	return value
}

// CurrentCardinality is the number of tracked values across all metrics.
func (c *CardinalityLimiter) CurrentCardinality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, values := range c.seen {
		total += len(values)
	}
	return total
}

// MaxCardinality is the sum of the per-label limits.
func (c *CardinalityLimiter) MaxCardinality() int {
	total := 0
	for _, limit := range c.limits {
		total += limit
	}
	return total
}

func (c *CardinalityLimiter) sweepLoop() {
	ticker := time.NewTicker(cardinalitySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now().Add(-cardinalityIdleTimeout))
		case <-c.stopChan:
			return
		}
	}
}

// sweep drops values last seen before cutoff.
func (c *CardinalityLimiter) sweep(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, values := range c.seen {
		for value, last := range values {
			if last.Before(cutoff) {
				delete(values, value)
			}
		}
		if len(values) == 0 {
			delete(c.seen, key)
		}
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
