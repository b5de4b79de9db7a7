package allocator

import "testing"

type node struct {
	v int
}

func TestPool_ReuseAndStats(t *testing.T) {
	p := NewPool[node]()
	a := p.Get()
	a.v = 42
	p.Put(a)
	b := p.Get()
	_ = b

	st := p.Stats()
	if st.Allocated < 1 {
		t.Fatalf("allocated=%d", st.Allocated)
	}
	if st.Freed != 1 {
		t.Fatalf("freed=%d", st.Freed)
	}
	if st.Allocated+st.Reused < 2 {
		t.Fatalf("gets not counted: %+v", st)
	}
}

func TestSlicePool_Classes(t *testing.T) {
	p := NewSlicePool[*node]()

	s := p.Get(3)
	if len(s) != 3 || cap(s) != 4 {
		t.Fatalf("len=%d cap=%d, want 3/4", len(s), cap(s))
	}
	s[0] = &node{v: 1}
	p.Put(s)

	// Recycled slices come back cleared.
	s2 := p.Get(4)
	if cap(s2) != 4 {
		t.Fatalf("cap=%d", cap(s2))
	}
	for i, v := range s2 {
		if v != nil {
			t.Fatalf("slot %d not cleared", i)
		}
	}

	// Oversize requests fall through to the heap.
	big := p.Get(100)
	if len(big) != 100 {
		t.Fatalf("len=%d", len(big))
	}
	p.Put(big) // no-op, must not panic
}

func TestEpochPressure(t *testing.T) {
	var e EpochPressure
	e.Add(3)
	e.Add(2)
	if e.Load() != 5 {
		t.Fatalf("load=%d", e.Load())
	}
	if e.Drain() != 5 {
		t.Fatal("drain mismatch")
	}
	if e.Load() != 0 {
		t.Fatal("drain did not clear")
	}
}
