package runtime

import (
	"testing"
	"time"
)

func TestCollectCyclesBreaksCownCycle(t *testing.T) {
	s, w := newTestScheduler(t, 1)

	d1 := &slotData{}
	d2 := &slotData{}
	c1 := s.NewCown(d1)
	c2 := s.NewCown(d2)
	// Each holds the other; the creation references transfer into the peers'
	// data, so nothing outside the cycle keeps it alive.
	d1.refs = []*Cown{c2}
	d2.refs = []*Cown{c1}

	s.CollectCycles()

	for i, c := range []*Cown{c1, c2} {
		if !c.isCollected() {
			t.Fatalf("cycle member %d not collected", i+1)
		}
		if c.StrongCount() != 0 || c.WeakCount() != 0 {
			t.Fatalf("cycle member %d counts: strong=%d weak=%d", i+1, c.StrongCount(), c.WeakCount())
		}
	}
	if !d1.finalised || !d2.finalised {
		t.Fatal("finalisers did not run")
	}
	if w.list != nil || w.totalCowns.Load() != 0 {
		t.Fatal("stubs not reclaimed after the sweep")
	}
}

func TestCollectCyclesSparesReachableCowns(t *testing.T) {
	s, w := newTestScheduler(t, 1)

	held := s.NewCown(&slotData{})
	// A cown with pending work is a root.
	busy := s.NewCown(&slotData{})
	Schedule(BehaviourFunc(func() {}), busy)

	// Reachable only through the busy cown's data.
	leaf := s.NewCown(&slotData{})
	busy.data.(*slotData).refs = []*Cown{leaf}

	s.CollectCycles()

	if busy.isCollected() || leaf.isCollected() {
		t.Fatal("scheduled cown or its references must survive the pass")
	}
	// held has no work scheduled and nothing referencing it from a root, but
	// the test's strong reference is invisible to the tracer: dropping it
	// through Release, not the sweeper, is the supported path for cowns
	// created on a worker.
	_ = held

	pump(w)
	if !busy.queue.isSleeping() {
		t.Fatal("busy cown should drain after the pass")
	}
}

func TestCollectCyclesSparesExternalCowns(t *testing.T) {
	s := NewScheduler(Config{Workers: 1})
	// No worker attached: the cown is externally rooted.
	c := s.NewCown(&slotData{})

	s.CollectCycles()

	if c.isCollected() {
		t.Fatal("externally held cown must not be collected")
	}
	if c.StrongCount() != 1 {
		t.Fatalf("strong=%d, want 1", c.StrongCount())
	}
}

func TestMarkForScanIdempotent(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})

	// A new pass uses the flipped epoch; the cown's mark is stale.
	next := otherEpoch(s.Epoch())

	MarkForScan(c, next)
	if c.epochMark() != ScheduledForScan {
		t.Fatalf("mark=%v, want ScheduledForScan", c.epochMark())
	}
	if c.StrongCount() != 2 {
		t.Fatalf("strong=%d: reschedule must hold a reference", c.StrongCount())
	}

	// Idempotent within the epoch: no second schedule, no state change.
	MarkForScan(c, next)
	if c.StrongCount() != 2 {
		t.Fatal("second mark must be a no-op")
	}

	// The worker picks it up and scans it during the scan phase.
	s.ldEpoch.Store(uint32(next))
	w.setSendEpoch(next)
	s.ldPhase.Store(int32(ldScan))
	pump(w)
	s.ldPhase.Store(int32(ldIdle))

	if c.epochMark() != next {
		t.Fatalf("mark=%v after scan, want %v", c.epochMark(), next)
	}
	if c.StrongCount() != 1 {
		t.Fatalf("strong=%d after the scan drained, want 1", c.StrongCount())
	}

	// Marked-in-epoch cowns are not re-marked.
	MarkForScan(c, next)
	if c.epochMark() != next {
		t.Fatal("mark moved backward within the pass")
	}
}

func TestTryCollectRepairsStaleMark(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})

	c.setEpochMark(ScheduledForScan)
	if TryCollect(c, EpochB) {
		t.Fatal("stale scheduled-for-scan mark must not collect")
	}
	if c.epochMark() != EpochB {
		t.Fatalf("mark=%v, want repaired to EpochB", c.epochMark())
	}

	// In the current epoch: live, skipped.
	if TryCollect(c, EpochB) {
		t.Fatal("cown in the current epoch must not collect")
	}

	// Stale epoch: collected.
	if !TryCollect(c, EpochA) {
		t.Fatal("epoch-stale cown must collect")
	}
	if !c.isCollected() {
		t.Fatal("body not collected")
	}
}

func TestIsLive(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})

	c.setEpochMark(ScheduledForScan)
	if !c.isLive(EpochB) {
		t.Fatal("scheduled-for-scan must be live")
	}
	c.setEpochMark(EpochB)
	if !c.isLive(EpochB) {
		t.Fatal("current-epoch mark must be live")
	}
	c.setEpochMark(EpochA)
	if c.isLive(EpochB) {
		t.Fatal("stale mark must not be live")
	}
}

func TestCooperativeLeakDetection(t *testing.T) {
	s := NewScheduler(Config{Workers: 2})
	s.Start()
	defer s.Stop()

	type cyclePair struct{ c1, c2 *Cown }
	made := make(chan cyclePair, 1)

	anchor := s.NewCown(&slotData{})
	Schedule(BehaviourFunc(func() {
		// Created on a worker, cross-linked, and immediately orphaned.
		d1 := &slotData{}
		d2 := &slotData{}
		c1 := s.NewCown(d1)
		c2 := s.NewCown(d2)
		d1.refs = []*Cown{c2}
		d2.refs = []*Cown{c1}
		made <- cyclePair{c1, c2}
	}), anchor)

	var pair cyclePair
	select {
	case pair = <-made:
	case <-time.After(5 * time.Second):
		t.Fatal("behaviour never ran")
	}

	if !s.StartLeakDetection() {
		t.Fatal("pass did not start")
	}
	deadline := time.Now().Add(10 * time.Second)
	for s.LeakDetectionActive() {
		if time.Now().After(deadline) {
			t.Fatal("leak detection pass never completed")
		}
		time.Sleep(time.Millisecond)
	}

	if !pair.c1.isCollected() || !pair.c2.isCollected() {
		t.Fatal("orphaned cycle survived the pass")
	}
	if anchor.isCollected() {
		t.Fatal("externally held cown must survive")
	}
}
