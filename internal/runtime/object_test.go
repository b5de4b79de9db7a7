package runtime

import "testing"

// testRegion is an ISO region root whose external references live directly on
// the root, matching the built-in region engine.
type testRegion struct {
	obj      Object
	refs     []Traced
	released bool
}

func newTestRegion(refs ...Traced) *testRegion {
	r := &testRegion{refs: refs}
	r.obj.initObject(KindISO)
	return r
}

func (r *testRegion) Header() *Object { return &r.obj }
func (r *testRegion) Trace(st *ObjectStack) {
	r.released = true
	for _, o := range r.refs {
		st.Push(o)
	}
}

type testImmutable struct {
	obj  Object
	refs []Traced
}

func newTestImmutable(refs ...Traced) *testImmutable {
	im := &testImmutable{refs: refs}
	im.obj.initObject(KindRC)
	return im
}

func (im *testImmutable) Header() *Object { return &im.obj }
func (im *testImmutable) Trace(st *ObjectStack) {
	for _, o := range im.refs {
		st.Push(o)
	}
}

// graphData is a payload holding arbitrary traced objects.
type graphData struct {
	refs []Traced
}

func (d *graphData) Trace(st *ObjectStack) {
	for _, o := range d.refs {
		st.Push(o)
	}
}

func TestCollectReleasesRegionReachableCowns(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	inner := s.NewCown(&slotData{})
	region := newTestRegion(inner)
	outer := s.NewCown(&graphData{refs: []Traced{region}})

	// The region holds the only reference to the inner cown.
	Release(outer)

	if !outer.isCollected() {
		t.Fatal("outer not collected")
	}
	if !region.released {
		t.Fatal("region not released")
	}
	if !inner.isCollected() {
		t.Fatal("region-held cown not released transitively")
	}
}

func TestCollectReleasesSharedImmutable(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	leaf := s.NewCown(&slotData{})
	im := newTestImmutable(leaf)
	im.obj.incRef() // shared by two cowns

	c1 := s.NewCown(&graphData{refs: []Traced{im}})
	c2 := s.NewCown(&graphData{refs: []Traced{im}})

	Release(c1)
	if im.obj.StrongCount() != 1 {
		t.Fatalf("immutable rc=%d after first release, want 1", im.obj.StrongCount())
	}
	if leaf.isCollected() {
		t.Fatal("leaf released while the immutable is still shared")
	}

	Release(c2)
	if im.obj.StrongCount() != 0 {
		t.Fatalf("immutable rc=%d after last release", im.obj.StrongCount())
	}
	if !leaf.isCollected() {
		t.Fatal("immutable's cown reference not released")
	}
}

func TestScanMarksImmutablesOnce(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	leaf := s.NewCown(&slotData{})
	im := newTestImmutable(leaf)
	c := s.NewCown(&graphData{refs: []Traced{im}})

	next := otherEpoch(s.Epoch())
	c.scan(next)

	if im.obj.epochMark() != next {
		t.Fatalf("immutable mark=%v, want %v", im.obj.epochMark(), next)
	}
	if leaf.epochMark() != ScheduledForScan {
		t.Fatalf("leaf mark=%v, want ScheduledForScan", leaf.epochMark())
	}

	// Idempotent: a second scan does not revisit marked objects.
	c.setEpochMark(EpochNone)
	c.scan(next)
	if im.obj.epochMark() != next {
		t.Fatal("immutable mark changed on rescan")
	}
}

func TestObjectStackOrderAndNilGuard(t *testing.T) {
	var st ObjectStack
	st.Push(nil)
	if !st.Empty() {
		t.Fatal("nil push must be ignored")
	}
	a := newTestImmutable()
	b := newTestImmutable()
	st.Push(a)
	st.Push(b)
	if st.Pop() != b || st.Pop() != a || !st.Empty() {
		t.Fatal("stack order broken")
	}
}

func TestAcquireStrongFromWeakCAS(t *testing.T) {
	var o Object
	o.initObject(KindCown)
	if !o.acquireStrongFromWeak() {
		t.Fatal("lift must succeed at rc 1")
	}
	if o.StrongCount() != 2 {
		t.Fatalf("rc=%d", o.StrongCount())
	}
	o.rc.Store(0)
	if o.acquireStrongFromWeak() {
		t.Fatal("lift must fail at rc 0")
	}
}
