// Package stats keeps in-process protocol counters. Nothing leaves the
// process; the counters surface on the admin API only.
package stats

import "sync/atomic"

// Counters tracks protocol activity since the server started.
type Counters struct {
	locksAcquired     atomic.Int64
	locksReclaimed    atomic.Int64
	heartbeatsLost    atomic.Int64
	draftsSaved       atomic.Int64
	editsSubmitted    atomic.Int64
	takeoverRequests  atomic.Int64
	takeoverApprovals atomic.Int64
	takeoverAutos     atomic.Int64
	forcedTakeovers   atomic.Int64
}

// New creates zeroed counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) LockAcquired() { c.locksAcquired.Add(1) }

func (c *Counters) LocksReclaimed(n int64) { c.locksReclaimed.Add(n) }

func (c *Counters) HeartbeatLost() { c.heartbeatsLost.Add(1) }

func (c *Counters) DraftSaved() { c.draftsSaved.Add(1) }

func (c *Counters) EditSubmitted() { c.editsSubmitted.Add(1) }

func (c *Counters) TakeoverRequested() { c.takeoverRequests.Add(1) }

func (c *Counters) TakeoverApproved() { c.takeoverApprovals.Add(1) }

func (c *Counters) TakeoverAutoApproved() {
	c.takeoverApprovals.Add(1)
	c.takeoverAutos.Add(1)
}

func (c *Counters) ForcedTakeover() { c.forcedTakeovers.Add(1) }

// Snapshot is a point-in-time copy for the stats endpoint.
type Snapshot struct {
	LocksAcquired     int64 `json:"locks_acquired"`
	LocksReclaimed    int64 `json:"locks_reclaimed"`
	HeartbeatsLost    int64 `json:"heartbeats_lost"`
	DraftsSaved       int64 `json:"drafts_saved"`
	EditsSubmitted    int64 `json:"edits_submitted"`
	TakeoverRequests  int64 `json:"takeover_requests"`
	TakeoverApprovals int64 `json:"takeover_approvals"`
	TakeoverAutos     int64 `json:"takeover_auto_approvals"`
	ForcedTakeovers   int64 `json:"forced_takeovers"`
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		LocksAcquired:     c.locksAcquired.Load(),
		LocksReclaimed:    c.locksReclaimed.Load(),
		HeartbeatsLost:    c.heartbeatsLost.Load(),
		DraftsSaved:       c.draftsSaved.Load(),
		EditsSubmitted:    c.editsSubmitted.Load(),
		TakeoverRequests:  c.takeoverRequests.Load(),
		TakeoverApprovals: c.takeoverApprovals.Load(),
		TakeoverAutos:     c.takeoverAutos.Load(),
		ForcedTakeovers:   c.forcedTakeovers.Load(),
	}
}
