package stats

import (
	"sync"
	"testing"
)

func TestCountersSnapshot(t *testing.T) {
	c := New()
	c.LockAcquired()
	c.LocksReclaimed(3)
	c.TakeoverRequested()
	c.TakeoverApproved()
	c.TakeoverAutoApproved()

	snap := c.Snapshot()
	if snap.LocksAcquired != 1 {
		t.Errorf("LocksAcquired = %d, want 1", snap.LocksAcquired)
	}
	if snap.LocksReclaimed != 3 {
		t.Errorf("LocksReclaimed = %d, want 3", snap.LocksReclaimed)
	}
	if snap.TakeoverApprovals != 2 {
		t.Errorf("TakeoverApprovals = %d, want 2 (manual + auto)", snap.TakeoverApprovals)
	}
	if snap.TakeoverAutos != 1 {
		t.Errorf("TakeoverAutos = %d, want 1", snap.TakeoverAutos)
	}
}

func TestCountersConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EditSubmitted()
			c.DraftSaved()
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.EditsSubmitted != 50 || snap.DraftsSaved != 50 {
		t.Errorf("snapshot = %+v, want 50/50", snap)
	}
}
