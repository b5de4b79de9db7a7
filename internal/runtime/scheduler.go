package runtime

import (
	stdrt "runtime"
	"sync"
	"sync/atomic"
)

// Config tunes a scheduler pool. Zero values fall back to defaults.
type Config struct {
	// Workers is the pool size; defaults to GOMAXPROCS.
	Workers int
	// RunqueueCapacity bounds each worker's ring; defaults to 64k entries.
	RunqueueCapacity uint64
	// OverloadThreshold is the total load at which a cown reports itself
	// overloaded to the backpressure engine.
	OverloadThreshold uint32
	// PinWorkers pins worker goroutines to CPUs where the platform allows.
	PinWorkers bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Workers:           stdrt.GOMAXPROCS(0),
		RunqueueCapacity:  1 << 16,
		OverloadThreshold: 800,
	}
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = stdrt.GOMAXPROCS(0)
	}
	if c.RunqueueCapacity == 0 {
		c.RunqueueCapacity = 1 << 16
	}
	if c.OverloadThreshold == 0 {
		c.OverloadThreshold = 800
	}
}

// Scheduler owns the worker pool, the leak-detector phase machine, and the
// inflight-message accounting the epoch system depends on.
type Scheduler struct {
	cfg     Config
	alloc   *Alloc
	workers []*Worker

	inflight atomic.Int64
	rr       atomic.Uint64

	ldPhase atomic.Int32
	ldEpoch atomic.Uint32
	ldRound atomic.Uint64
	ldMu    sync.Mutex

	overload atomic.Uint32

	externalMu sync.Mutex
	external   map[*Cown]struct{}

	started  atomic.Bool
	stopping atomic.Bool
	teardown atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler pool. Workers do not run until Start;
// tests drive them manually through their attach hooks.
func NewScheduler(cfg Config) *Scheduler {
	cfg.fill()
	s := &Scheduler{
		cfg:      cfg,
		alloc:    newAlloc(),
		external: make(map[*Cown]struct{}),
	}
	s.ldEpoch.Store(uint32(EpochA))
	s.ldPhase.Store(int32(ldIdle))
	s.overload.Store(cfg.OverloadThreshold)
	s.workers = make([]*Worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newWorker(s, i)
	}
	return s
}

// Start launches the worker goroutines.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.loop()
		}(w)
	}
}

// Stop drains the pool and tears the runtime down: phase one collects every
// remaining cown body without recursive deallocation, phase two reclaims the
// stubs.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for _, w := range s.workers {
		w.unpark()
	}
	if s.started.Load() {
		s.wg.Wait()
	}

	s.teardown.Store(true)

	// Phase 1: collect remaining bodies. Release short-circuits to a weak
	// decrement during teardown, so cyclic graphs unwind without recursion.
	for _, w := range s.workers {
		for c := w.list; c != nil; c = c.next {
			if !c.isCollected() {
				c.collect()
			}
		}
	}
	s.externalMu.Lock()
	ext := make([]*Cown, 0, len(s.external))
	for c := range s.external {
		ext = append(ext, c)
	}
	s.externalMu.Unlock()
	for _, c := range ext {
		if !c.isCollected() {
			c.collect()
		}
	}

	// Phase 2: reclaim stubs.
	for _, w := range s.workers {
		for c := w.list; c != nil; {
			next := c.next
			c.next = nil
			c.weakCount.Store(0)
			c = next
		}
		w.list = nil
		w.totalCowns.Store(0)
		w.freeCowns.Store(0)
	}
	s.externalMu.Lock()
	for c := range s.external {
		c.weakCount.Store(0)
		delete(s.external, c)
	}
	s.externalMu.Unlock()
}

// Local returns the worker attached to the calling goroutine, or nil for
// external threads.
func (s *Scheduler) Local() *Worker {
	if v, ok := workerGoroutines.Load(goidGet()); ok {
		w := v.(*Worker)
		if w.sched == s {
			return w
		}
	}
	return nil
}

// RoundRobin returns the next worker in rotation, the target for external
// LIFO schedules.
func (s *Scheduler) RoundRobin() *Worker {
	n := s.rr.Add(1)
	return s.workers[(n-1)%uint64(len(s.workers))]
}

// Workers returns the pool.
func (s *Scheduler) Workers() []*Worker { return s.workers }

// Epoch returns the current leak-detector epoch. During pre-scan the epoch is
// in flux and reads as EpochNone, so new sends are counted as inflight.
func (s *Scheduler) Epoch() EpochMark {
	if ldPhase(s.ldPhase.Load()) == ldPreScan {
		return EpochNone
	}
	return EpochMark(s.ldEpoch.Load())
}

func (s *Scheduler) allocEpoch() EpochMark {
	return EpochMark(s.ldEpoch.Load())
}

// ShouldScan reports whether workers are in the scan phase.
func (s *Scheduler) ShouldScan() bool {
	return ldPhase(s.ldPhase.Load()) == ldScan
}

// InPrescan reports whether the leak detector is between epoch flips.
func (s *Scheduler) InPrescan() bool {
	return ldPhase(s.ldPhase.Load()) == ldPreScan
}

// IsTeardownInProgress reports whether Stop has entered teardown.
func (s *Scheduler) IsTeardownInProgress() bool {
	return s.teardown.Load()
}

// RecordInflightMessage counts a message sent across an epoch boundary.
func (s *Scheduler) RecordInflightMessage() {
	s.inflight.Add(1)
}

// RecvInflightMessage consumes one inflight credit when such a message
// completes.
func (s *Scheduler) RecvInflightMessage() {
	s.inflight.Add(-1)
}

// InflightMessages returns the current cross-epoch message count.
func (s *Scheduler) InflightMessages() int64 { return s.inflight.Load() }

func (s *Scheduler) currentAlloc() *Alloc { return s.alloc }

func (s *Scheduler) overloadThreshold() uint32 { return s.overload.Load() }

// SetOverloadThreshold retunes the backpressure overload policy at runtime.
func (s *Scheduler) SetOverloadThreshold(v uint32) {
	if v == 0 {
		v = DefaultConfig().OverloadThreshold
	}
	s.overload.Store(v)
}

func (s *Scheduler) stopRequested() bool { return s.stopping.Load() }

func (s *Scheduler) addExternal(c *Cown) {
	s.externalMu.Lock()
	s.external[c] = struct{}{}
	s.externalMu.Unlock()
}

func (s *Scheduler) dropExternal(c *Cown) {
	s.externalMu.Lock()
	delete(s.external, c)
	s.externalMu.Unlock()
}

// quiescent reports whether no worker holds or can obtain work.
func (s *Scheduler) quiescent() bool {
	for _, w := range s.workers {
		if w.running.Load() || w.runq.Len() != 0 {
			return false
		}
		w.lifoMu.Lock()
		n := len(w.lifo)
		w.lifoMu.Unlock()
		if n != 0 {
			return false
		}
		w.muteMu.Lock()
		m := len(w.muteMap)
		w.muteMu.Unlock()
		if m != 0 {
			return false
		}
	}
	return true
}

// SystemSnapshot is a point-in-time view of the scheduler for the inspector.
type SystemSnapshot struct {
	Workers    []WorkerSnapshot `json:"workers"`
	Inflight   int64            `json:"inflight"`
	Epoch      string           `json:"epoch"`
	Phase      string           `json:"phase"`
	Teardown   bool             `json:"teardown"`
	TotalCowns int64            `json:"totalCowns"`
}

// WorkerSnapshot is one worker's view in a SystemSnapshot.
type WorkerSnapshot struct {
	Index      int    `json:"index"`
	QueueLen   uint64 `json:"queueLen"`
	TotalCowns int64  `json:"totalCowns"`
	FreeCowns  int64  `json:"freeCowns"`
	Processed  uint64 `json:"processed"`
	Running    bool   `json:"running"`
}

// Snapshot captures the scheduler state for diagnostics.
func (s *Scheduler) Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		Inflight: s.inflight.Load(),
		Epoch:    EpochMark(s.ldEpoch.Load()).String(),
		Phase:    ldPhase(s.ldPhase.Load()).String(),
		Teardown: s.teardown.Load(),
	}
	for _, w := range s.workers {
		ws := WorkerSnapshot{
			Index:      w.index,
			QueueLen:   w.runq.Len(),
			TotalCowns: w.totalCowns.Load(),
			FreeCowns:  w.freeCowns.Load(),
			Processed:  w.processed.Load(),
			Running:    w.running.Load(),
		}
		snap.TotalCowns += ws.TotalCowns
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}

// Metrics returns the scheduler counters in exposition form.
func (s *Scheduler) Metrics() map[string]float64 {
	m := map[string]float64{
		"inflight_messages": float64(s.inflight.Load()),
		"epoch_pressure":    float64(s.alloc.pressure.Load()),
	}
	var processed uint64
	var cowns, free int64
	var qlen uint64
	for _, w := range s.workers {
		processed += w.processed.Load()
		cowns += w.totalCowns.Load()
		free += w.freeCowns.Load()
		qlen += w.runq.Len()
	}
	m["batches_processed"] = float64(processed)
	m["total_cowns"] = float64(cowns)
	m["free_cowns"] = float64(free)
	m["runqueue_len"] = float64(qlen)
	ps := MessagePoolStats()
	m["messages_allocated"] = float64(ps.Allocated)
	m["messages_reused"] = float64(ps.Reused)
	return m
}
