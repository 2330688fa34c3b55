// Package counters tracks the process-wide traffic and connection counts
// shared by every Relay, front-end and the Lifecycle Supervisor.
package counters

import "sync/atomic"

// Counters holds the monotonic (except Active) process-wide counters
// described in spec.md §3. All fields support concurrent increment
// without data races.
type Counters struct {
	bytesUp      atomic.Int64
	bytesDown    atomic.Int64
	activeRelays atomic.Int64
	totalRelays  atomic.Int64
}

// New returns a zeroed Counters ready for use.
func New() *Counters {
	return &Counters{}
}

// AddUp adds n bytes to the local-to-remote counter.
func (c *Counters) AddUp(n int64) {
	if n > 0 {
		c.bytesUp.Add(n)
	}
}

// AddDown adds n bytes to the remote-to-local counter.
func (c *Counters) AddDown(n int64) {
	if n > 0 {
		c.bytesDown.Add(n)
	}
}

// RelayStarted records one newly admitted client, incrementing both
// TotalRelays and ActiveRelays exactly once.
func (c *Counters) RelayStarted() {
	c.totalRelays.Add(1)
	c.activeRelays.Add(1)
}

// TryStart admits one newly accepted client if ActiveRelays is below max,
// incrementing TotalRelays and ActiveRelays exactly once on success. max<=0
// means no cap. It reports whether the caller may proceed with this
// connection; spec.md §7's concurrency cap (default 256) is enforced this
// way at accept time in each front-end, before RelayStarted's usual
// unconditional bookkeeping would otherwise apply.
func (c *Counters) TryStart(max int64) bool {
	if max <= 0 {
		c.RelayStarted()
		return true
	}
	for {
		cur := c.activeRelays.Load()
		if cur >= max {
			return false
		}
		if c.activeRelays.CompareAndSwap(cur, cur+1) {
			c.totalRelays.Add(1)
			return true
		}
	}
}

// RelayFinished decrements ActiveRelays. Must be called exactly once per
// prior RelayStarted.
func (c *Counters) RelayFinished() {
	c.activeRelays.Add(-1)
}

// Snapshot is a point-in-time, non-linearizable read of all counters.
type Snapshot struct {
	BytesUp      int64 `json:"bytesUp"`
	BytesDown    int64 `json:"bytesDown"`
	ActiveRelays int64 `json:"activeRelays"`
	TotalRelays  int64 `json:"totalRelays"`
}

// Snapshot takes a read-only snapshot of the current counter values.
// Readers may observe slightly stale values relative to concurrent writers;
// this is an explicit, documented relaxation (spec.md §5).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesUp:      c.bytesUp.Load(),
		BytesDown:    c.bytesDown.Load(),
		ActiveRelays: c.activeRelays.Load(),
		TotalRelays:  c.totalRelays.Load(),
	}
}
