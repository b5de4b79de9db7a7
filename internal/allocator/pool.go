// Package allocator provides pooled allocation services for the Kestrel
// runtime. Message nodes, bodies, and participant arrays churn at message
// rate; pooling them keeps the scheduler hot path off the general heap.
package allocator

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed object pool with allocation statistics.
type Pool[T any] struct {
	pool      sync.Pool
	allocated atomic.Int64
	reused    atomic.Int64
	freed     atomic.Int64
}

// NewPool creates a pool for values of type T.
func NewPool[T any]() *Pool[T] {
	return &Pool[T]{}
}

// Get returns a new or recycled value. Callers reinitialise every field they
// use; recycled values are not cleared.
func (p *Pool[T]) Get() *T {
	if v := p.pool.Get(); v != nil {
		p.reused.Add(1)
		return v.(*T)
	}
	p.allocated.Add(1)
	return new(T)
}

// Put recycles v.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	p.freed.Add(1)
	p.pool.Put(v)
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Allocated int64
	Reused    int64
	Freed     int64
}

// Stats returns the pool's counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Freed:     p.freed.Load(),
	}
}

// Slice size classes. Multi-message participant sets are almost always tiny;
// classing the backing arrays keeps recycled capacity reusable.
var sliceClasses = []int{2, 4, 8, 16, 32}

// SlicePool recycles slices of T by capacity class. Requests above the
// largest class fall through to the heap.
type SlicePool[T any] struct {
	classes   []sync.Pool
	allocated atomic.Int64
	freed     atomic.Int64
}

// NewSlicePool creates a slice pool over the standard size classes.
func NewSlicePool[T any]() *SlicePool[T] {
	return &SlicePool[T]{classes: make([]sync.Pool, len(sliceClasses))}
}

func classFor(n int) int {
	for i, c := range sliceClasses {
		if n <= c {
			return i
		}
	}
	return -1
}

// Get returns a slice with length n.
func (p *SlicePool[T]) Get(n int) []T {
	ci := classFor(n)
	if ci < 0 {
		p.allocated.Add(1)
		return make([]T, n)
	}
	if v := p.classes[ci].Get(); v != nil {
		return (*v.(*[]T))[:n]
	}
	p.allocated.Add(1)
	return make([]T, sliceClasses[ci])[:n]
}

// Put recycles a slice obtained from Get. The slice is cleared so recycled
// backing arrays do not pin their previous references.
func (p *SlicePool[T]) Put(s []T) {
	ci := classFor(cap(s))
	if ci < 0 || cap(s) != sliceClasses[ci] {
		return
	}
	var zero T
	s = s[:cap(s)]
	for i := range s {
		s[i] = zero
	}
	p.freed.Add(1)
	p.classes[ci].Put(&s)
}

// EpochPressure accumulates deallocation pressure. The scheduler reports it
// as a metric and drains it when a leak-detection pass completes; its value
// does not decide when stubs are reclaimed.
type EpochPressure struct {
	n atomic.Int64
}

// Add raises the pressure.
func (e *EpochPressure) Add(n int64) { e.n.Add(n) }

// Drain returns and clears the accumulated pressure.
func (e *EpochPressure) Drain() int64 { return e.n.Swap(0) }

// Load reads the pressure without clearing it.
func (e *EpochPressure) Load() int64 { return e.n.Load() }
