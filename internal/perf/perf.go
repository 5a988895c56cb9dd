// Package perf implements the per-request performance context described in
// spec §4.1: named checkpoints with monotonic timestamps, flagging any gap
// over the hot threshold.
package perf

import (
	"sync"
	"time"
)

// HotThreshold is the gap above which a checkpoint is flagged hot (§4.1).
const HotThreshold = 100 * time.Millisecond

// Context accumulates checkpoints for a single request. Safe for concurrent
// use by the handler goroutine and any background logging it spawns.
type Context struct {
	mu    sync.Mutex
	start time.Time
	last  time.Time
	marks []mark
}

type mark struct {
	name string
	at   time.Time
	gap  time.Duration
	hot  bool
}

// New starts a fresh performance context, anchored at the current time.
func New() *Context {
	now := time.Now()
	return &Context{start: now, last: now}
}

// Mark records a named checkpoint and reports whether the gap since the
// previous checkpoint (or context creation) exceeded HotThreshold.
func (c *Context) Mark(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	gap := now.Sub(c.last)
	hot := gap > HotThreshold
	c.marks = append(c.marks, mark{name: name, at: now, gap: gap, hot: hot})
	c.last = now
	return hot
}

// HotCheckpoints returns the names of every checkpoint whose gap exceeded
// HotThreshold, in the order they were recorded.
func (c *Context) HotCheckpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hot []string
	for _, m := range c.marks {
		if m.hot {
			hot = append(hot, m.name)
		}
	}
	return hot
}

// Total returns the time from context creation to the most recent
// checkpoint (zero before the first Mark).
func (c *Context) Total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Sub(c.start)
}
