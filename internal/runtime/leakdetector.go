package runtime

// The leak detector breaks cyclic cown references that plain reference
// counting cannot reclaim. A pass flips the epoch and runs three phases:
//
//	PreScan  workers finish their current behaviours; sends read EpochNone
//	         and are counted as inflight.
//	Scan     workers adopt the new send epoch and scan every cown they run;
//	         messages from the old epoch keep their inflight credit until
//	         their final hop.
//	Sweep    each worker collects the cowns on its local list that were not
//	         reached in the new epoch.
//
// Cowns created outside any worker are treated as externally rooted while
// their strong count is positive: code outside the runtime may still hold
// them, which the tracer cannot see.

type ldPhase int32

const (
	ldIdle ldPhase = iota
	ldPreScan
	ldScan
	ldSweep
)

func (p ldPhase) String() string {
	switch p {
	case ldIdle:
		return "idle"
	case ldPreScan:
		return "prescan"
	case ldScan:
		return "scan"
	case ldSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

func otherEpoch(e EpochMark) EpochMark {
	if e == EpochA {
		return EpochB
	}
	return EpochA
}

// StartLeakDetection begins a cooperative pass. Workers advance the phases
// from their tick hooks; the pass completes once every worker has swept.
func (s *Scheduler) StartLeakDetection() bool {
	return s.ldPhase.CompareAndSwap(int32(ldIdle), int32(ldPreScan))
}

// LeakDetectionActive reports whether a pass is underway.
func (s *Scheduler) LeakDetectionActive() bool {
	return ldPhase(s.ldPhase.Load()) != ldIdle
}

// ldTick advances the cooperative pass from a worker's between-cowns hook.
func (s *Scheduler) ldTick(w *Worker) {
	switch ldPhase(s.ldPhase.Load()) {
	case ldIdle:
		return
	case ldPreScan:
		s.ldMu.Lock()
		if ldPhase(s.ldPhase.Load()) == ldPreScan {
			// Every worker reaching its tick has finished the behaviour it
			// was running when the pass started; flip the epoch and scan.
			if s.allTicked() {
				next := otherEpoch(EpochMark(s.ldEpoch.Load()))
				s.ldEpoch.Store(uint32(next))
				for _, v := range s.workers {
					v.setSendEpoch(next)
				}
				s.scanExternalRoots(next)
				s.ldPhase.Store(int32(ldScan))
			}
		}
		s.ldMu.Unlock()
	case ldScan:
		if s.inflight.Load() == 0 && s.quiescent() {
			s.ldMu.Lock()
			if ldPhase(s.ldPhase.Load()) == ldScan && s.inflight.Load() == 0 && s.quiescent() {
				s.ldRound.Add(1)
				s.ldPhase.Store(int32(ldSweep))
			}
			s.ldMu.Unlock()
		}
	case ldSweep:
		// Each worker sweeps its own list; the last one to finish closes the
		// pass.
		round := s.ldRound.Load()
		if w.sweptRound.Load() != round {
			w.sweepLocal(EpochMark(s.ldEpoch.Load()))
			w.sweptRound.Store(round)
		}
		s.ldMu.Lock()
		if ldPhase(s.ldPhase.Load()) == ldSweep {
			done := true
			for _, v := range s.workers {
				if v.sweptRound.Load() != round {
					done = false
					break
				}
			}
			if done {
				s.alloc.DrainEpochPressure()
				s.ldPhase.Store(int32(ldIdle))
			}
		}
		s.ldMu.Unlock()
	}
}

func (s *Scheduler) allTicked() bool {
	// A worker mid-behaviour still holds running; wait it out.
	for _, w := range s.workers {
		if w.running.Load() {
			return false
		}
	}
	return true
}

// scanExternalRoots marks every externally held cown live in the new epoch.
func (s *Scheduler) scanExternalRoots(epoch EpochMark) {
	s.externalMu.Lock()
	roots := make([]*Cown, 0, len(s.external))
	for c := range s.external {
		if c.StrongCount() > 0 {
			roots = append(roots, c)
		}
	}
	s.externalMu.Unlock()
	for _, c := range roots {
		c.scan(epoch)
	}
}

// CollectCycles runs one full leak-detection pass synchronously. The
// scheduler must be quiescent: no scheduled cowns, no inflight messages, no
// behaviour running. Scheduled work found during the pass is scanned as a
// root.
func (s *Scheduler) CollectCycles() {
	s.ldMu.Lock()
	defer s.ldMu.Unlock()

	s.ldPhase.Store(int32(ldPreScan))
	next := otherEpoch(EpochMark(s.ldEpoch.Load()))
	s.ldEpoch.Store(uint32(next))
	for _, w := range s.workers {
		w.setSendEpoch(next)
	}
	s.ldPhase.Store(int32(ldScan))

	s.scanExternalRoots(next)
	for _, w := range s.workers {
		w.lifoMu.Lock()
		pending := append([]*Cown(nil), w.lifo...)
		w.lifoMu.Unlock()
		for _, c := range pending {
			c.scan(next)
		}
		var scheduled []*Cown
		for {
			var c *Cown
			if !w.runq.Dequeue(&c) {
				break
			}
			scheduled = append(scheduled, c)
		}
		for _, c := range scheduled {
			c.scan(next)
			w.scheduleFIFO(c)
		}
	}

	s.ldPhase.Store(int32(ldSweep))
	for _, w := range s.workers {
		w.sweepLocal(next)
	}
	s.alloc.DrainEpochPressure()
	s.ldPhase.Store(int32(ldIdle))
}
