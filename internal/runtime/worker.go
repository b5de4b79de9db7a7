package runtime

import (
	stdrt "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/kestrel-lang/kestrel/internal/runtime/concurrency"
)

// workerGoroutines maps goroutine ids to attached workers so the core can
// resolve the current worker without threading it through every call.
var workerGoroutines sync.Map // int64 -> *Worker

func goidGet() int64 { return goid.Get() }

// Worker is one scheduler thread: a runqueue of cowns, the thread-local slots
// the multi-message protocol and backpressure engine use, and the local cown
// list the leak detector sweeps.
type Worker struct {
	sched *Scheduler
	index int
	alloc *Alloc

	runq   *concurrency.RunQueue[*Cown]
	lifoMu sync.Mutex
	lifo   []*Cown

	// list heads the cowns created on this worker; freeCowns counts members
	// whose stubs await reclamation.
	list       *Cown
	totalCowns atomic.Int64
	freeCowns  atomic.Int64

	// messageBody is the body of the behaviour this worker is currently
	// executing; mutor is the receiver designated by a backpressure scan
	// during that behaviour.
	messageBody *MultiMessageBody
	mutor       *Cown

	sendEpoch  atomic.Uint32
	sweeping   atomic.Bool
	sweptRound atomic.Uint64

	muteMu  sync.Mutex
	muteMap map[*Cown][]*Cown

	running   atomic.Bool
	processed atomic.Uint64

	wake chan struct{}
}

func newWorker(s *Scheduler, index int) *Worker {
	w := &Worker{
		sched:   s,
		index:   index,
		alloc:   s.alloc,
		runq:    concurrency.NewRunQueue[*Cown](s.cfg.RunqueueCapacity),
		muteMap: make(map[*Cown][]*Cown),
		wake:    make(chan struct{}, 1),
	}
	w.sendEpoch.Store(s.ldEpoch.Load())
	return w
}

// SendEpoch is the epoch this worker tags and reconciles messages with.
func (w *Worker) SendEpoch() EpochMark { return EpochMark(w.sendEpoch.Load()) }

func (w *Worker) setSendEpoch(e EpochMark) { w.sendEpoch.Store(uint32(e)) }

// Index returns the worker's position in the pool.
func (w *Worker) Index() int { return w.index }

// attach binds the calling goroutine to this worker so Scheduler.Local
// resolves to it. Tests drive workers manually through attach/detach.
func (w *Worker) attach() {
	workerGoroutines.Store(goid.Get(), w)
}

func (w *Worker) detach() {
	workerGoroutines.Delete(goid.Get())
}

// scheduleFIFO appends the cown to this worker's runqueue.
func (w *Worker) scheduleFIFO(c *Cown) {
	for !w.runq.Enqueue(c) {
		stdrt.Gosched()
	}
	w.unpark()
}

// scheduleLIFO pushes the cown for immediate pickup. External threads use
// this through Scheduler.RoundRobin.
func (w *Worker) scheduleLIFO(c *Cown) {
	w.lifoMu.Lock()
	w.lifo = append(w.lifo, c)
	w.lifoMu.Unlock()
	w.unpark()
}

func (w *Worker) popLIFO() *Cown {
	w.lifoMu.Lock()
	defer w.lifoMu.Unlock()
	n := len(w.lifo)
	if n == 0 {
		return nil
	}
	c := w.lifo[n-1]
	w.lifo[n-1] = nil
	w.lifo = w.lifo[:n-1]
	return c
}

// pop returns the next cown to run: LIFO first, then the local ring, then a
// steal sweep over the other workers.
func (w *Worker) pop() *Cown {
	if c := w.popLIFO(); c != nil {
		return c
	}
	var c *Cown
	if w.runq.Dequeue(&c) {
		return c
	}
	workers := w.sched.workers
	for i := 1; i < len(workers); i++ {
		v := workers[(w.index+i)%len(workers)]
		if v.runq.Dequeue(&c) {
			return c
		}
	}
	return nil
}

func (w *Worker) unpark() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) park() {
	select {
	case <-w.wake:
	case <-time.After(200 * time.Microsecond):
	}
}

func (w *Worker) loop() {
	w.attach()
	defer w.detach()
	if w.sched.cfg.PinWorkers {
		pinToCPU(w.index)
	}

	idle := 0
	for {
		w.tick()

		c := w.pop()
		if c == nil {
			if w.sched.stopRequested() && w.sched.quiescent() {
				return
			}
			idle++
			if idle < 64 {
				stdrt.Gosched()
			} else {
				w.park()
			}
			continue
		}
		idle = 0
		w.runCown(c)
	}
}

func (w *Worker) runCown(c *Cown) {
	w.running.Store(true)
	again := c.run(w)
	w.processed.Add(1)
	w.running.Store(false)
	if again {
		w.scheduleFIFO(c)
	}
}

// tick performs the between-cowns duties: releasing muted senders whose mutor
// recovered, reclaiming free stubs, and advancing the leak-detector phase.
func (w *Worker) tick() {
	w.checkMuteMap(w.sched.stopRequested())
	if w.freeCowns.Load() > 0 && !w.sched.ShouldScan() {
		w.reclaimFree()
	}
	w.sched.ldTick(w)
}

// checkMuteMap unmutes the senders parked under any mutor that is no longer
// high priority. With force set every entry is released regardless, used
// during teardown.
func (w *Worker) checkMuteMap(force bool) {
	w.muteMu.Lock()
	if len(w.muteMap) == 0 {
		w.muteMu.Unlock()
		return
	}
	type entry struct {
		mutor *Cown
		set   []*Cown
	}
	var ready []entry
	for mutor, set := range w.muteMap {
		if force || mutor.priority()&priorityMaskHigh == 0 {
			ready = append(ready, entry{mutor, set})
			delete(w.muteMap, mutor)
		}
	}
	w.muteMu.Unlock()

	for _, e := range ready {
		for _, c := range e.set {
			traceEvent(traceUnmute, c, 0)
			c.backpressureTransition(PriorityNormal, false)
		}
		e.mutor.weakRelease()
	}
}

// mute transitions the behaviour's senders to Low under the worker's mutor.
// High-priority senders are exempt so priority escalation cannot be undone by
// a slower receiver.
func (w *Worker) mute(senders []*Cown) {
	mutor := w.mutor
	var muted []*Cown
	for _, c := range senders {
		if c == mutor {
			continue
		}
		if c.backpressureTransition(PriorityLow, false) == PriorityNormal {
			traceEvent(traceMute, c, mutor.sid)
			muted = append(muted, c)
		}
	}
	if len(muted) == 0 {
		mutor.weakRelease()
		return
	}
	w.muteMu.Lock()
	w.muteMap[mutor] = append(w.muteMap[mutor], muted...)
	w.muteMu.Unlock()
}

// reclaimFree unlinks collected cowns whose final weak reference has gone.
func (w *Worker) reclaimFree() {
	prev := &w.list
	for c := *prev; c != nil; c = *prev {
		if c.isCollected() && c.weakCount.Load() == 0 {
			*prev = c.next
			c.next = nil
			w.totalCowns.Add(-1)
			w.freeCowns.Add(-1)
		} else {
			prev = &c.next
		}
	}
}

func (w *Worker) inSweepState() bool {
	return w.sweeping.Load() || ldPhase(w.sched.ldPhase.Load()) == ldSweep
}

// sweepLocal runs the sweep phase over this worker's cown list.
func (w *Worker) sweepLocal(epoch EpochMark) {
	w.sweeping.Store(true)
	for c := w.list; c != nil; c = c.next {
		c.tryCollect(epoch)
	}
	w.sweeping.Store(false)
	w.reclaimFree()
}
