package runtime

import (
	"testing"
)

func newTestScheduler(t *testing.T, workers int) (*Scheduler, *Worker) {
	t.Helper()
	s := NewScheduler(Config{Workers: workers})
	w := s.workers[0]
	w.attach()
	t.Cleanup(w.detach)
	return s, w
}

// pump drives the attached worker until no work remains, the way the worker
// loop would, but deterministically on the test goroutine.
func pump(w *Worker) {
	for {
		w.tick()
		c := w.pop()
		if c == nil {
			return
		}
		w.runCown(c)
	}
}

// slotData is the standard test payload: a mutable slot plus traced cown
// references and collection markers.
type slotData struct {
	slot       int64
	refs       []*Cown
	finalised  bool
	destructed bool
	notified   int
}

func (d *slotData) Trace(st *ObjectStack) {
	for _, c := range d.refs {
		st.Push(c)
	}
}

func (d *slotData) Finalise() { d.finalised = true }
func (d *slotData) Destruct() { d.destructed = true }
func (d *slotData) Notified() { d.notified++ }

// testHarness pins the sort order to creation order and disables coin flips
// so protocol tests are deterministic.
type testHarness struct{}

func (testHarness) Yield() {}

func (testHarness) Coin(uint) bool { return false }

func TestNewCownRegistersWithWorker(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})
	if c.StrongCount() != 1 || c.WeakCount() != 1 {
		t.Fatalf("fresh cown counts: strong=%d weak=%d", c.StrongCount(), c.WeakCount())
	}
	if !c.queue.isSleeping() {
		t.Fatal("fresh cown must be unscheduled with a sleeping queue")
	}
	if w.list != c || w.totalCowns.Load() != 1 {
		t.Fatal("cown not registered on the creating worker")
	}
	if c.owningWorker() != w {
		t.Fatal("owning worker not recorded")
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})
	Acquire(c)
	if c.StrongCount() != 2 {
		t.Fatalf("strong=%d after acquire", c.StrongCount())
	}
	Release(c)
	if c.StrongCount() != 1 || c.isCollected() {
		t.Fatalf("round trip changed cown state: strong=%d collected=%v", c.StrongCount(), c.isCollected())
	}
}

func TestReleaseCollectsBody(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	d := &slotData{}
	c := s.NewCown(d)
	Release(c)

	if !c.isCollected() {
		t.Fatal("last release must collect the body")
	}
	if !d.finalised || !d.destructed {
		t.Fatalf("collection hooks: finalised=%v destructed=%v", d.finalised, d.destructed)
	}
	if c.WeakCount() != 0 {
		t.Fatalf("weak=%d after final release", c.WeakCount())
	}
	if w.freeCowns.Load() != 1 {
		t.Fatalf("freeCowns=%d, want 1", w.freeCowns.Load())
	}
	w.reclaimFree()
	if w.list != nil || w.totalCowns.Load() != 0 {
		t.Fatal("stub not reclaimed from worker list")
	}
}

func TestWeakReferenceKeepsStub(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	c := s.NewCown(&slotData{})
	c.weakAcquire()

	if !c.AcquireStrongFromWeak() {
		t.Fatal("strong-from-weak must succeed while strong count is positive")
	}
	Release(c)

	Release(c)
	if !c.isCollected() {
		t.Fatal("body must be collected at strong zero")
	}
	if c.WeakCount() != 1 {
		t.Fatalf("weak=%d, want 1 held by the test", c.WeakCount())
	}
	if c.AcquireStrongFromWeak() {
		t.Fatal("strong-from-weak must fail after strong count reached zero")
	}

	c.weakRelease()
	if c.WeakCount() != 0 || w.freeCowns.Load() != 1 {
		t.Fatal("final weak release must hand the stub to the owning worker")
	}
}

func TestQueueCollectBoundsDeepChains(t *testing.T) {
	s, w := newTestScheduler(t, 1)

	const depth = 20000
	cowns := make([]*Cown, depth)
	for i := range cowns {
		cowns[i] = s.NewCown(&slotData{})
	}
	// Each cown's data holds the next; the creation reference transfers to
	// the referring data, leaving only the head held by the test.
	for i := 0; i < depth-1; i++ {
		cowns[i].data.(*slotData).refs = []*Cown{cowns[i+1]}
	}

	Release(cowns[0])

	for i, c := range cowns {
		if !c.isCollected() {
			t.Fatalf("cown %d not collected", i)
		}
	}
	if w.freeCowns.Load() != depth {
		t.Fatalf("freeCowns=%d, want %d", w.freeCowns.Load(), depth)
	}
	w.reclaimFree()
	if w.totalCowns.Load() != 0 {
		t.Fatal("chain stubs not reclaimed")
	}
}

func TestSingleCownSingleMessage(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	d := &slotData{}
	c := s.NewCown(d)
	base := c.StrongCount()

	Schedule(BehaviourFunc(func() { d.slot = 1 }), c)

	if c.StrongCount() != base+1 {
		t.Fatalf("strong=%d while message in flight, want %d", c.StrongCount(), base+1)
	}

	pump(w)

	if d.slot != 1 {
		t.Fatalf("slot=%d, want 1", d.slot)
	}
	if !c.queue.isSleeping() {
		t.Fatal("cown must be sleeping after the batch drains")
	}
	if c.StrongCount() != base {
		t.Fatalf("strong=%d after run, want %d restored", c.StrongCount(), base)
	}
}

func TestScheduleTransferConsumesCallerReference(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	d := &slotData{}
	c := s.NewCown(d)

	// The creation reference rides with the message; after the run the cown
	// has no owners left and is collected.
	ScheduleTransfer(BehaviourFunc(func() { d.slot = 7 }), c)
	pump(w)

	if d.slot != 7 {
		t.Fatalf("slot=%d, want 7", d.slot)
	}
	if !c.isCollected() {
		t.Fatal("transferred reference must be the last owner")
	}
}

func TestMarkNotifyDeliversOnce(t *testing.T) {
	s, w := newTestScheduler(t, 1)
	d := &slotData{}
	c := s.NewCown(d)

	c.MarkNotify()
	pump(w)

	if d.notified != 1 {
		t.Fatalf("notified=%d, want 1", d.notified)
	}
	if !c.queue.isSleeping() {
		t.Fatal("cown must sleep again after the notification")
	}

	// Notify is edge triggered: raising it twice before the cown runs still
	// delivers a single callback.
	c.MarkNotify()
	c.MarkNotify()
	pump(w)
	if d.notified != 2 {
		t.Fatalf("notified=%d, want 2", d.notified)
	}
}

func TestTeardownAvoidsRecursiveDealloc(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	d1 := &slotData{}
	d2 := &slotData{}
	c1 := s.NewCown(d1)
	c2 := s.NewCown(d2)
	// Cyclic strong references; the creation references transfer into the
	// peers' data.
	d1.refs = []*Cown{c2}
	d2.refs = []*Cown{c1}

	// A cown the test still holds.
	c3 := s.NewCown(&slotData{})

	s.Stop()

	for i, c := range []*Cown{c1, c2, c3} {
		if !c.isCollected() {
			t.Fatalf("cown %d not collected during teardown", i+1)
		}
		if c.WeakCount() != 0 {
			t.Fatalf("cown %d weak=%d after teardown phase 2", i+1, c.WeakCount())
		}
	}
}
