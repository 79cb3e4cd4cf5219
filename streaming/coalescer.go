// Package streaming provides the bounded-buffer coalescer the agent
// uses while consuming a provider stream: partial text deltas are
// buffered and surfaced at most once per interval so subscribers are
// not flooded with one event per token.
package streaming

import (
	"strings"
	"time"
)

// DefaultInterval is the default minimum time between emissions.
const DefaultInterval = 250 * time.Millisecond

// Coalescer accumulates text deltas and releases the full partial
// content at most once per interval. Emissions carry the cumulative
// text so far, so dropped emissions lose nothing.
type Coalescer struct {
	interval time.Duration
	now      func() time.Time

	content  strings.Builder
	lastEmit time.Time
	pending  bool
}

// NewCoalescer creates a coalescer with the given interval.
// A non-positive interval falls back to DefaultInterval.
func NewCoalescer(interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{
		interval: interval,
		now:      time.Now,
	}
}

// Add buffers a delta. It returns the cumulative partial content and
// true when an emission is due; otherwise ("", false).
func (c *Coalescer) Add(delta string) (string, bool) {
	if delta != "" {
		c.content.WriteString(delta)
		c.pending = true
	}
	if !c.pending {
		return "", false
	}

	now := c.now()
	if !c.lastEmit.IsZero() && now.Sub(c.lastEmit) < c.interval {
		return "", false
	}

	c.lastEmit = now
	c.pending = false
	return c.content.String(), true
}

// Flush returns the cumulative content and true if any delta arrived
// since the last emission. Called once when the stream completes.
func (c *Coalescer) Flush() (string, bool) {
	if !c.pending {
		return "", false
	}
	c.pending = false
	c.lastEmit = c.now()
	return c.content.String(), true
}

// Content returns the full accumulated text.
func (c *Coalescer) Content() string {
	return c.content.String()
}
