package runtime

import (
	"sort"
	"sync/atomic"
	"unsafe"
)

// Behaviour is the user closure a multi-message executes once every
// participant has been acquired. Trace exposes the closure's references to
// the leak detector.
type Behaviour interface {
	Trace(st *ObjectStack)
	Run()
}

// BehaviourFunc adapts a plain function into a Behaviour with no traced
// references.
type BehaviourFunc func()

func (f BehaviourFunc) Trace(*ObjectStack) {}
func (f BehaviourFunc) Run()               { f() }

// MultiMessageBody is shared by every per-cown message of one behaviour: the
// sorted participant set, the acquisition cursor, and the closure.
type MultiMessageBody struct {
	index     int
	count     int
	cowns     []*Cown
	behaviour Behaviour
}

// Cowns returns the sorted participant set. Exposed for the scheduler's
// sender bookkeeping.
func (b *MultiMessageBody) Cowns() []*Cown { return b.cowns[:b.count] }

// MultiMessage is a queue node referencing a shared body. A nil body marks
// the two sentinel forms: the queue stub and the backpressure token.
type MultiMessage struct {
	next  atomic.Pointer[MultiMessage]
	body  *MultiMessageBody
	epoch EpochMark
}

// Schedule fires a behaviour requiring exclusive access to the given cowns.
// A strong reference is acquired on each participant for the duration of the
// message.
func Schedule(b Behaviour, cowns ...*Cown) {
	scheduleBehaviour(false, b, cowns)
}

// ScheduleTransfer is Schedule with the caller transferring one strong
// reference per participant to the message.
func ScheduleTransfer(b Behaviour, cowns ...*Cown) {
	scheduleBehaviour(true, b, cowns)
}

func scheduleBehaviour(transfer bool, be Behaviour, cowns []*Cown) {
	if len(cowns) == 0 {
		panic(ErrNoScheduler)
	}
	s := cowns[0].sched
	a := s.currentAlloc()

	sorted := a.newCownSlice(len(cowns))
	copy(sorted, cowns)
	if currentHarness() != nil {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].sid < sorted[j].sid })
	} else {
		sort.Slice(sorted, func(i, j int) bool {
			return uintptr(unsafe.Pointer(sorted[i])) < uintptr(unsafe.Pointer(sorted[j]))
		})
	}

	if !transfer {
		for _, c := range sorted {
			Acquire(c)
		}
	}

	body := a.newBody(sorted, be)

	w := s.Local()
	epoch := EpochA
	if w != nil {
		epoch = s.Epoch()
	}
	if epoch == EpochNone {
		s.RecordInflightMessage()
	}

	if w != nil && w.messageBody != nil {
		backpressureScan(w, w.messageBody, body)
	}

	fastSend(s, body, epoch)
}

// fastSend acquires cowns [body.index, count) sequentially without going
// through the scheduler while each target's queue is sleeping. The chain
// breaks at the first awake cown: the message waits in that queue and the
// remaining hops happen when the cown next runs. The hop before each enqueue
// records the target as the previous cown's blocker, escalating to a
// high-priority send if the previous cown has been raised concurrently.
func fastSend(s *Scheduler, body *MultiMessageBody, epoch EpochMark) {
	a := s.currentAlloc()
	last := body.count - 1

	highPriority := false
	if body.index == 0 {
		for _, c := range body.Cowns() {
			if c.priority()&priorityMaskHigh != 0 {
				highPriority = true
				break
			}
		}
	}

	for ; body.index < body.count; body.index++ {
		m := a.newMessage(body, epoch)
		next := body.cowns[body.index]
		traceEvent(traceFastRequest, next, uint64(body.index))

		if body.index > 0 {
			cur := body.cowns[body.index-1]
			highPriority = highPriority ||
				cur.priority()&priorityMaskHigh != 0 ||
				coin(3)
			yield()
			if !highPriority {
				highPriority = cur.setBlocker(next)
			}
		}

		if !next.send(m, true, true) {
			// Fast send interrupted: the cown is scheduled or running and
			// will pick the message up from its queue.
			if highPriority {
				backpressureUnblock(next)
			}
			return
		}

		if body.index == last {
			next.schedule()
			return
		}

		// The queue was sleeping, so this producer owns the cown and is its
		// only consumer; the just-enqueued message is at the head.
		m2, _ := next.queue.dequeue()
		if m2 != m {
			panic(ErrFastPathDequeue)
		}
	}
}

// runStep advances a multi-message that surfaced at body.cowns[body.index].
// It returns false while further participants remain to be acquired; the
// caller must then stop running this cown. On the final participant it runs
// the behaviour and returns true.
func runStep(w *Worker, m *MultiMessage) bool {
	body := m.body
	if body == nil {
		panic(ErrStubDequeue)
	}
	s := w.sched
	a := w.alloc
	last := body.count - 1
	cown := body.cowns[body.index]
	e := m.epoch

	traceEvent(traceRunStep, cown, uint64(body.index))

	// Once a message from the current send epoch surfaces while scanning,
	// every later message was sent in pre-scan or after and is accounted for.
	sendEpoch := w.SendEpoch()
	if s.ShouldScan() && e == sendEpoch && cown.epochMark() != sendEpoch {
		cown.scan(sendEpoch)
		cown.setEpochMark(sendEpoch)
	}

	if body.index < last {
		if e != sendEpoch {
			// Cross-epoch messages count as inflight and are tagged
			// EpochNone for the remaining hops.
			if e != EpochNone {
				s.RecordInflightMessage()
				e = EpochNone
			}
		} else if s.ShouldScan() && cown.epochMark() != sendEpoch {
			// The message holds a cown whose queue may carry old messages.
			s.RecordInflightMessage()
			e = EpochNone
		}

		body.index++
		fastSend(s, body, e)
		return false
	}

	if e == EpochNone {
		s.RecvInflightMessage()
	}

	if s.ShouldScan() && e != sendEpoch {
		for _, c := range body.Cowns() {
			c.scan(sendEpoch)
		}
		var st ObjectStack
		body.behaviour.Trace(&st)
		scanStack(sendEpoch, &st)
	}

	w.messageBody = body

	for _, c := range body.Cowns() {
		c.setBlocker(nil)
	}

	body.behaviour.Run()
	traceEvent(traceBehaviourDone, cown, uint64(body.count))

	w.messageBody = nil
	a.freeBody(body)
	return true
}
