// Package concurrency provides the lock-free building blocks of the Kestrel
// scheduler.
package concurrency

import (
	"runtime"
	"sync/atomic"
)

// RunQueue is a bounded multi-producer multi-consumer lock-free ring based on
// Dmitry Vyukov's algorithm using per-slot sequence numbers. Workers push
// scheduled cowns from any thread and pop (or steal) from any worker.
type RunQueue[T any] struct {
	_pad0   [64]byte
	mask    uint64
	_pad1   [64]byte
	enqueue uint64
	_pad2   [64]byte
	dequeue uint64
	_pad3   [64]byte
	cells   []cell[T]
}

type cell[T any] struct {
	seq  uint64
	_pad [56]byte // cache line padding (approx)
	val  T
}

// NewRunQueue creates a queue with the given capacity (rounded up to a power
// of two).
func NewRunQueue[T any](capacity uint64) *RunQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	capPow2 := uint64(1)
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	q := &RunQueue[T]{
		mask:  capPow2 - 1,
		cells: make([]cell[T], capPow2),
	}
	for i := range q.cells {
		q.cells[i].seq = uint64(i)
	}
	return q
}

// Enqueue tries to push v; returns false if the queue is full.
func (q *RunQueue[T]) Enqueue(v T) bool {
	for {
		pos := atomic.LoadUint64(&q.enqueue)
		c := &q.cells[pos&q.mask]
		seq := atomic.LoadUint64(&c.seq)
		dif := int64(seq) - int64(pos)
		if dif == 0 {
			if atomic.CompareAndSwapUint64(&q.enqueue, pos, pos+1) {
				c.val = v
				atomic.StoreUint64(&c.seq, pos+1)
				return true
			}
		} else if dif < 0 {
			return false // full
		} else {
			runtime.Gosched()
		}
	}
}

// Dequeue tries to pop into out; returns false if the queue is empty.
func (q *RunQueue[T]) Dequeue(out *T) bool {
	for {
		pos := atomic.LoadUint64(&q.dequeue)
		c := &q.cells[pos&q.mask]
		seq := atomic.LoadUint64(&c.seq)
		dif := int64(seq) - int64(pos+1)
		if dif == 0 {
			if atomic.CompareAndSwapUint64(&q.dequeue, pos, pos+1) {
				*out = c.val
				var zero T
				c.val = zero
				atomic.StoreUint64(&c.seq, pos+q.mask+1)
				return true
			}
		} else if dif < 0 {
			return false // empty
		} else {
			runtime.Gosched()
		}
	}
}

// Len approximates the number of queued entries.
func (q *RunQueue[T]) Len() uint64 {
	e := atomic.LoadUint64(&q.enqueue)
	d := atomic.LoadUint64(&q.dequeue)
	if e <= d {
		return 0
	}
	return e - d
}
