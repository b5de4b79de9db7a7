package runtime

import (
	"github.com/kestrel-lang/kestrel/internal/allocator"
)

// Message nodes rotate through queue fronts across schedulers, so they share
// one process-wide pool; bodies and participant arrays are pooled per
// scheduler.
var messagePool = allocator.NewPool[MultiMessage]()

func recycleFront(m *MultiMessage) {
	m.next.Store(nil)
	m.body = nil
	messagePool.Put(m)
}

// Alloc is the allocation facade the scheduler hands to its workers: pooled
// messages, bodies, and participant arrays, plus the epoch-pressure counter
// fed by stub deallocations.
type Alloc struct {
	bodies   *allocator.Pool[MultiMessageBody]
	cownSets *allocator.SlicePool[*Cown]
	pressure allocator.EpochPressure
}

func newAlloc() *Alloc {
	return &Alloc{
		bodies:   allocator.NewPool[MultiMessageBody](),
		cownSets: allocator.NewSlicePool[*Cown](),
	}
}

func (a *Alloc) newMessage(body *MultiMessageBody, epoch EpochMark) *MultiMessage {
	m := messagePool.Get()
	m.next.Store(nil)
	m.body = body
	m.epoch = epoch
	return m
}

// newStub allocates the queue's permanent front sentinel.
func (a *Alloc) newStub() *MultiMessage {
	return a.newMessage(nil, EpochNone)
}

// newToken allocates a body-less token message for load metering.
func (a *Alloc) newToken() *MultiMessage {
	return a.newMessage(nil, EpochNone)
}

func (a *Alloc) newBody(cowns []*Cown, be Behaviour) *MultiMessageBody {
	b := a.bodies.Get()
	b.index = 0
	b.count = len(cowns)
	b.cowns = cowns
	b.behaviour = be
	return b
}

func (a *Alloc) freeBody(b *MultiMessageBody) {
	b.cowns = nil
	b.behaviour = nil
	a.bodies.Put(b)
}

func (a *Alloc) newCownSlice(n int) []*Cown {
	return a.cownSets.Get(n)
}

func (a *Alloc) freeCownSlice(s []*Cown) {
	a.cownSets.Put(s)
}

// AddEpochPressure records reclamation pressure. It is exposed as a metric
// and cleared at the end of each leak-detection pass.
func (a *Alloc) AddEpochPressure(n int64) { a.pressure.Add(n) }

// DrainEpochPressure returns and clears the accumulated pressure.
func (a *Alloc) DrainEpochPressure() int64 { return a.pressure.Drain() }

// MessagePoolStats exposes the shared message pool counters.
func MessagePoolStats() allocator.Stats { return messagePool.Stats() }
