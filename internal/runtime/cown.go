package runtime

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/petermattis/goid"
)

// A Cown (concurrent owner) encapsulates a set of resources accessed by at
// most one scheduler worker at a time. A cown is in exactly one of three
// states: unscheduled, scheduled in one worker's runqueue, or running on one
// worker.
//
// Once running, the cown executes a batch of multi-message behaviours. Each
// message either acquires the running cown for a future behaviour or, when
// the cown is the last participant, executes the behaviour. A cown acquired
// for a future behaviour is descheduled until that behaviour completes.
type Cown struct {
	Object

	queue multiMessageQueue

	// threadStatus packs the owning worker pointer with the collected flag in
	// its bottom bit. A cown collected by the leak detector must not be
	// collected again when the weak count reaches zero.
	threadStatus atomic.Uintptr

	// bpState packs the blocker pointer with the 2-bit priority.
	bpState atomic.Uintptr

	status atomic.Uint64

	// weakCount keeps the cown stub alive without keeping its data reachable.
	// The strong count owns one weak reference.
	weakCount atomic.Int64

	// next links the cown into its owning worker's local list.
	next *Cown

	sched *Scheduler
	data  Traceable
	sid   uint64
}

const (
	collectedMask uintptr = 1
	threadMask            = ^collectedMask
)

// NewCown creates a cown owning data, registered with the calling worker when
// one is present. The cown starts unscheduled with strong and weak counts of
// one.
func (s *Scheduler) NewCown(data Traceable) *Cown {
	c := &Cown{sched: s, data: data, sid: nextCownID()}
	c.initObject(KindCown)
	c.weakCount.Store(1)
	c.setEpochMark(s.allocEpoch())
	c.queue.init(s.currentAlloc().newStub())

	if w := s.Local(); w != nil {
		c.setOwningWorker(w)
		c.next = w.list
		w.list = c
		w.totalCowns.Add(1)
	} else {
		c.setOwningWorker(nil)
		s.addExternal(c)
	}
	traceEvent(traceCownNew, c, 0)
	return c
}

// Header returns the cown's object header.
func (c *Cown) Header() *Object { return &c.Object }

// Trace pushes the cown data's direct references.
func (c *Cown) Trace(st *ObjectStack) {
	if c.data != nil {
		c.data.Trace(st)
	}
}

// Data returns the cown's payload. Only the behaviour currently holding the
// cown may touch mutable payload state.
func (c *Cown) Data() Traceable { return c.data }

// ID returns the cown's stable identifier.
func (c *Cown) ID() uint64 { return c.sid }

func (c *Cown) setOwningWorker(w *Worker) {
	c.threadStatus.Store(uintptr(unsafe.Pointer(w)))
}

func (c *Cown) owningWorker() *Worker {
	return (*Worker)(unsafe.Pointer(c.threadStatus.Load() & threadMask))
}

func (c *Cown) markCollected() { c.threadStatus.Or(collectedMask) }

func (c *Cown) isCollected() bool {
	return c.threadStatus.Load()&collectedMask != 0
}

// send delivers m to the cown's queue, returning whether the cown was asleep
// and needed scheduling. With transfer set, the caller's strong reference
// moves with the message. With tryFast set, a sleeping cown is not scheduled:
// the caller acquires it directly on the fast path.
func (c *Cown) send(m *MultiMessage, transfer, tryFast bool) bool {
	needsScheduling := c.queue.enqueue(m)
	yield()

	if needsScheduling {
		if !transfer {
			Acquire(c)
		}
		if !tryFast {
			c.schedule()
		}
	} else if transfer {
		// The scheduled cown already holds its scheduler reference.
		Release(c)
	}
	return needsScheduling
}

// schedule places the cown on a worker runqueue: FIFO on the calling worker,
// or LIFO on a round-robin worker for external threads.
func (c *Cown) schedule() {
	if w := c.sched.Local(); w != nil {
		w.scheduleFIFO(c)
		return
	}
	c.sched.RoundRobin().scheduleLIFO(c)
}

// reschedule wakes a sleeping cown and schedules it under a fresh scheduler
// reference.
func (c *Cown) reschedule() {
	if c.queue.wake() {
		Acquire(c)
		c.schedule()
	}
}

// MarkNotify raises the cown's edge-triggered notification. The cown is
// guaranteed to observe it the next time it runs.
func (c *Cown) MarkNotify() {
	if c.queue.markNotify() {
		Acquire(c)
		c.schedule()
	}
	yield()
}

func (c *Cown) cownNotified(w *Worker) {
	// Notifications do not participate in muting: the backpressure scan keys
	// off the current message body, which a notification does not have.
	w.messageBody = nil
	if n, ok := c.data.(Notifiable); ok {
		n.Notified()
	}
}

// Acquire takes a strong reference on the cown.
func Acquire(c *Cown) {
	c.incRef()
}

// Release drops a strong reference. When the last strong reference goes, the
// cown body is collected: immediately via queueCollect outside of teardown
// and sweeping, or deferred to the sweeper/teardown otherwise. All paths give
// up the weak reference owned by the strong count.
func Release(c *Cown) {
	last := c.decRef()
	yield()
	if !last {
		return
	}

	s := c.sched
	traceEvent(traceCownFree, c, 0)

	if s.IsTeardownInProgress() {
		// Teardown phase 2 reclaims the stub; avoid recursive deletion here.
		c.weakDropNoCollect()
		return
	}

	if w := s.Local(); w != nil && w.inSweepState() {
		if !c.isLive(s.Epoch()) {
			// Already found unreachable; the sweeper collects it.
			c.weakDropNoCollect()
			return
		}
	}

	if !c.isCollected() {
		c.queueCollect()
	} else {
		c.weakRelease()
	}
}

// weakAcquire takes a weak reference.
func (c *Cown) weakAcquire() {
	c.weakCount.Add(1)
}

// WeakCount returns the current weak reference count.
func (c *Cown) WeakCount() int64 { return c.weakCount.Load() }

// weakDropNoCollect drops a weak reference without triggering epoch
// pressure, keeping the owning worker's reclamation count balanced. Used on
// the teardown and sweep short-circuits.
func (c *Cown) weakDropNoCollect() {
	if c.weakCount.Add(-1) == 0 {
		if w := c.owningWorker(); w != nil {
			w.freeCowns.Add(1)
		} else {
			c.sched.dropExternal(c)
		}
	}
}

// weakRelease drops a weak reference. The final weak reference deallocates
// the stub: immediately for unowned cowns, otherwise by counting it in its
// owning worker's free cowns, which the worker's tick reclaims, and raising
// epoch pressure.
func (c *Cown) weakRelease() {
	if c.weakCount.Add(-1) == 0 {
		w := c.owningWorker()
		yield()
		if w == nil {
			c.sched.dropExternal(c)
			return
		}
		c.sched.currentAlloc().AddEpochPressure(1)
		w.freeCowns.Add(1)
		yield()
	}
}

// AcquireStrongFromWeak lifts a weak reference into a strong one while a
// strong reference still exists. The weak reference is preserved.
func (c *Cown) AcquireStrongFromWeak() bool {
	return c.acquireStrongFromWeak()
}

// MarkForScan schedules the cown to be scanned by a worker during the given
// epoch's scan phase. Idempotent within an epoch.
func MarkForScan(c *Cown, epoch EpochMark) {
	if c.inEpoch(ScheduledForScan) || c.inEpoch(epoch) {
		return
	}
	yield()
	// A racing scan may already have marked the cown; re-marking for scan is
	// harmless.
	c.setEpochMark(ScheduledForScan)
	yield()
	c.reschedule()
}

// scan traces the cown's data, dispatching reachable objects by kind.
func (c *Cown) scan(epoch EpochMark) {
	if c.inEpoch(epoch) {
		return
	}
	c.setEpochMark(epoch)
	var st ObjectStack
	c.Trace(&st)
	scanStack(epoch, &st)
}

func scanStack(epoch EpochMark, st *ObjectStack) {
	for !st.Empty() {
		o := st.Pop()
		switch o.Header().Kind() {
		case KindISO:
			regions().Scan(o, epoch, st)
		case KindRC, KindSCC:
			immutables().MarkAndScan(o, epoch, st)
		case KindCown:
			MarkForScan(o.(*Cown), epoch)
		default:
			panic(ErrUnknownKind)
		}
	}
}

// isLive reports whether the leak detector considers the cown reachable in
// the current pass.
func (c *Cown) isLive(sendEpoch EpochMark) bool {
	return c.inEpoch(ScheduledForScan) || c.inEpoch(sendEpoch)
}

// TryCollect is the leak detector's sweep hook; see tryCollect.
func TryCollect(c *Cown, epoch EpochMark) bool {
	return c.tryCollect(epoch)
}

// tryCollect collects the cown during a sweep when it was not reached in the
// current epoch. A stale scheduled-for-scan mark is repaired for the next
// pass instead.
func (c *Cown) tryCollect(epoch EpochMark) bool {
	if c.inEpoch(ScheduledForScan) {
		// Racing mark_for_scan calls can leave a stale mark; fix it here for
		// the next pass.
		c.setEpochMark(epoch)
		return false
	}
	if c.inEpoch(epoch) {
		return false
	}
	if !c.isCollected() {
		yield()
		c.collect()
	}
	return true
}

// collectWork holds the per-goroutine work list bounding recursion depth
// during cascading cown collection.
var collectWork sync.Map // goroutine id -> *ObjectStack

// queueCollect collects the cown when its strong count reaches zero,
// tolerating arbitrarily deep cown chains by queueing nested collections on a
// per-goroutine work list.
func (c *Cown) queueCollect() {
	gid := goid.Get()
	if wl, ok := collectWork.Load(gid); ok {
		wl.(*ObjectStack).Push(c)
		return
	}

	var current ObjectStack
	collectWork.Store(gid, &current)

	c.collect()
	yield()
	c.weakRelease()

	for !current.Empty() {
		a := current.Pop().(*Cown)
		a.collect()
		yield()
		a.weakRelease()
	}
	collectWork.Delete(gid)
}

// collect releases the cown body: finaliser, data references by kind,
// destructor, then the queue. The stub deallocation is left to the final
// weak release.
func (c *Cown) collect() {
	if c.isCollected() {
		return
	}
	c.markCollected()
	traceEvent(traceCownCollect, c, 0)

	if f, ok := c.data.(Finalisable); ok {
		f.Finalise()
	}

	var st ObjectStack
	c.Trace(&st)
	for !st.Empty() {
		o := st.Pop()
		switch o.Header().Kind() {
		case KindISO:
			regions().Release(o, &st)
		case KindRC, KindSCC:
			immutables().Release(o, &st)
		case KindCown:
			Release(o.(*Cown))
		default:
			panic(ErrUnknownKind)
		}
	}

	yield()

	if d, ok := c.data.(Destructible); ok {
		d.Destruct()
	}

	recycleFront(c.queue.destroy())
	c.data = nil
}

// run processes a batch of messages on the cown. It returns false when the
// cown must not be rescheduled: it went to sleep, was handed off mid
// multi-message acquisition, or its senders were muted.
//
// The batch is bounded by the tail snapshot taken on entry and by a limit
// derived from the recent load, so hot cowns cannot starve the runqueue.
func (c *Cown) run(w *Worker) bool {
	until := c.queue.peekBack()
	yield()

	stat := statusWord(c.status.Load())
	batchLimit := 100 + stat.totalLoad()>>3
	if batchLimit > 251 {
		batchLimit = 251
	}

	notifiedCalled := false
	batchSize := uint32(0)

	for {
		if c.queue.isSleeping() {
			panic(ErrSleepingDispatch)
		}

		curr, notify := c.queue.dequeue()

		if notify && !notifiedCalled {
			notifiedCalled = true
			c.cownNotified(w)
		}

		if curr == nil {
			if c.sched.ShouldScan() {
				// Hitting empty while scanning means every future message
				// was sent in pre-scan or later and is accounted for.
				c.scan(w.SendEpoch())
				c.setEpochMark(w.SendEpoch())
			}

			// Keep busy cowns scheduled; this also guarantees a scan-phase
			// wake-up cannot be missed while the cown sits on a pre-scan
			// worker.
			if batchSize != 0 {
				return true
			}

			c.backpressureTransition(PriorityNormal, true)

			slept, lateNotify := c.queue.markSleeping()
			if !slept {
				if lateNotify {
					c.cownNotified(w)
				}
				return true
			}

			traceEvent(traceCownSleep, c, 0)
			Release(c)
			return false
		}

		if c.checkMessageToken(w.alloc, curr.body) {
			return true
		}

		batchSize++

		senders := curr.body.Cowns()

		if !runStep(w, curr) {
			// Acquisition handed off to the next participant.
			return false
		}

		if c.applyBackpressure(w, senders) {
			return false
		}

		// Reschedule the other participants; the last is this cown, already
		// holding the thread.
		for _, s := range senders[:len(senders)-1] {
			s.schedule()
		}
		w.alloc.freeCownSlice(senders)

		if curr == until || batchSize >= batchLimit {
			return true
		}
	}
}
