package runtime

import "unsafe"

// Priority is the backpressure state of a cown. The two bits share the low
// end of the bpState word with a pointer-aligned blocker.
//
// The lattice is Low < Normal < MaybeHigh < High. The mask bit distinguishes
// the two high states from Normal and Low.
type Priority uintptr

const (
	PriorityNormal    Priority = 0b00
	PriorityLow       Priority = 0b01
	PriorityMaybeHigh Priority = 0b10
	PriorityHigh      Priority = 0b11

	priorityMaskAll  Priority = 0b11
	priorityMaskHigh Priority = 0b10
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	case PriorityMaybeHigh:
		return "MaybeHigh"
	case PriorityHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// priority reads the cown's current backpressure priority.
func (c *Cown) priority() Priority {
	return Priority(c.bpState.Load()) & priorityMaskAll
}

// blocker reads the cown this one is waiting to acquire, if any.
func (c *Cown) blocker() *Cown {
	return (*Cown)(unsafe.Pointer(c.bpState.Load() &^ uintptr(priorityMaskAll)))
}

// setBlocker attempts to record b as this cown's blocker, preserving the
// priority bits. It reports whether the cown's priority is high: on a failed
// exchange another thread raised the priority concurrently and the blocker is
// not recorded.
func (c *Cown) setBlocker(b *Cown) bool {
	bp := c.bpState.Load()
	yield()
	p := Priority(bp) & priorityMaskAll
	if !c.bpState.CompareAndSwap(bp, uintptr(unsafe.Pointer(b))|uintptr(p)) {
		bp = c.bpState.Load()
		p = Priority(bp) & priorityMaskAll
	}
	yield()
	return p&priorityMaskHigh != 0
}

// backpressureTransition moves the cown to the given priority, returning the
// previous one. The transition rules:
//
//   - High always wins.
//   - MaybeHigh only succeeds from High.
//   - Normal only succeeds from Low, or from any state when exact is set.
//   - Low is applied only by the worker muting a sender.
//
// Leaving Low always wakes the queue and schedules the cown.
func (c *Cown) backpressureTransition(state Priority, exact bool) Priority {
	bp := c.bpState.Load()
	var prev Priority
	for {
		yield()
		blocker := bp &^ uintptr(priorityMaskAll)
		prev = Priority(bp) & priorityMaskAll

		if state == PriorityNormal && prev != PriorityLow && !exact {
			return prev
		}
		if state == PriorityMaybeHigh && prev != PriorityHigh {
			return prev
		}
		if state == PriorityLow && prev&priorityMaskHigh != 0 {
			// Muting never undoes a priority escalation.
			return prev
		}
		if prev == state {
			return prev
		}

		if !coin(9) && c.bpState.CompareAndSwap(bp, blocker|uintptr(state)) {
			break
		}
		bp = c.bpState.Load()
	}

	traceEvent(tracePriority, c, uint64(state))
	yield()

	if prev == PriorityLow {
		c.queue.wake()
		c.schedule()
	}
	return prev
}

// backpressureUnblock raises the given cown and its transitive blockers to
// High. The blocker chain is acyclic because participants are acquired in
// sorted order, so the walk terminates.
func backpressureUnblock(c *Cown) {
	for ; c != nil; c = c.blocker() {
		traceEvent(traceUnblock, c, 0)
		c.backpressureTransition(PriorityHigh, false)
	}
}

// triggersMuting reports whether a sender to this cown should become low
// priority: the cown is backed up (non-Normal priority) with pending load.
func (c *Cown) triggersMuting() bool {
	p := c.priority()
	sleeping := c.queue.isSleeping()
	yield()
	return p != PriorityNormal && !sleeping
}

// backpressureScan runs when a behaviour sends a message: it compares the
// current senders against the new receivers and designates the first
// overloaded receiver as the mutor for this behaviour. Self-sends never mute.
func backpressureScan(w *Worker, senders, receivers *MultiMessageBody) {
	if w.mutor != nil {
		return
	}

	for _, s := range senders.Cowns() {
		for _, r := range receivers.Cowns() {
			if s == r {
				return
			}
		}
	}

	for _, r := range receivers.Cowns() {
		if r.triggersMuting() || coin(5) {
			r.weakAcquire()
			w.mutor = r
			return
		}
	}
}

// checkMessageToken updates the token-driven load accounting for the message
// at the head of the batch. It returns true when the message is the token
// itself, in which case the priority may have been demoted.
func (c *Cown) checkMessageToken(a *Alloc, curr *MultiMessageBody) bool {
	stat := statusWord(c.status.Load())
	yield()

	if curr == nil {
		// The token surfaced: one full queue circulation has completed.
		stat = stat.setHasToken(false)
		c.status.Store(uint64(stat))
		traceEvent(traceToken, c, uint64(stat.currentLoad()))

		p := c.priority()
		switch {
		case stat.overloaded():
			backpressureUnblock(c)
		case p == PriorityHigh:
			c.backpressureTransition(PriorityMaybeHigh, false)
		case p == PriorityMaybeHigh:
			// Normal does not apply from MaybeHigh without the exact flag;
			// the token is the one sanctioned demotion point.
			c.backpressureTransition(PriorityNormal, true)
		}
		return true
	}

	if (!stat.hasToken() && curr.index == 0) || stat.currentLoad() == 0xff {
		stat = stat.resetLoad()
	}
	if !stat.hasToken() {
		c.queue.enqueue(a.newToken())
	}
	stat = stat.incLoad()
	stat = stat.setHasToken(true)

	if h := currentHarness(); h != nil {
		if h.Coin(5) {
			stat = stat.setOverloaded(!stat.overloaded())
		}
	} else {
		stat = stat.setOverloaded(stat.totalLoad() >= c.sched.overloadThreshold())
	}

	c.status.Store(uint64(stat))
	if stat.overloaded() {
		backpressureUnblock(c)
	}
	return false
}

// applyBackpressure mutes the senders of the completed behaviour when a
// backpressure scan designated a mutor during its execution. A true return
// means the senders were handed to the mutor's mute set and must not be
// rescheduled.
func (c *Cown) applyBackpressure(w *Worker, senders []*Cown) bool {
	if w.mutor == nil {
		return false
	}
	w.mute(senders)
	w.mutor = nil
	return true
}
