package runtime

import (
	"sync/atomic"
	"time"
)

// The runtime keeps a bounded ring of trace events instead of logging from
// the message hot path. The ring is disabled by default; the inspector and
// tests enable it and read recent events.

type traceKind uint8

const (
	traceCownNew traceKind = iota
	traceCownSleep
	traceCownFree
	traceCownCollect
	traceFastRequest
	traceRunStep
	traceBehaviourDone
	tracePriority
	traceUnblock
	traceToken
	traceMute
	traceUnmute
)

func (k traceKind) String() string {
	switch k {
	case traceCownNew:
		return "cown-new"
	case traceCownSleep:
		return "cown-sleep"
	case traceCownFree:
		return "cown-free"
	case traceCownCollect:
		return "cown-collect"
	case traceFastRequest:
		return "fast-request"
	case traceRunStep:
		return "run-step"
	case traceBehaviourDone:
		return "behaviour-done"
	case tracePriority:
		return "priority"
	case traceUnblock:
		return "unblock"
	case traceToken:
		return "token"
	case traceMute:
		return "mute"
	case traceUnmute:
		return "unmute"
	default:
		return "unknown"
	}
}

// TraceEvent is one recorded runtime transition.
type TraceEvent struct {
	When time.Time `json:"when"`
	Kind string    `json:"kind"`
	Cown uint64    `json:"cown"`
	Arg  uint64    `json:"arg"`
}

type traceRing struct {
	enabled atomic.Bool
	pos     atomic.Uint64
	events  []traceRecord
}

type traceRecord struct {
	when time.Time
	kind traceKind
	cown uint64
	arg  uint64
}

var tracer traceRing

// EnableTracing sizes and enables the trace ring. Size is rounded up to a
// power of two; zero disables tracing.
func EnableTracing(size int) {
	if size <= 0 {
		tracer.enabled.Store(false)
		return
	}
	n := 1
	for n < size {
		n <<= 1
	}
	tracer.events = make([]traceRecord, n)
	tracer.pos.Store(0)
	tracer.enabled.Store(true)
}

func traceEvent(k traceKind, c *Cown, arg uint64) {
	if !tracer.enabled.Load() {
		return
	}
	i := tracer.pos.Add(1) - 1
	ev := &tracer.events[i&uint64(len(tracer.events)-1)]
	ev.when = time.Now()
	ev.kind = k
	if c != nil {
		ev.cown = c.sid
	} else {
		ev.cown = 0
	}
	ev.arg = arg
}

// RecentTraceEvents returns up to n of the most recent trace events, oldest
// first.
func RecentTraceEvents(n int) []TraceEvent {
	if !tracer.enabled.Load() || n <= 0 {
		return nil
	}
	size := len(tracer.events)
	if n > size {
		n = size
	}
	end := tracer.pos.Load()
	start := int64(end) - int64(n)
	if start < 0 {
		start = 0
	}
	out := make([]TraceEvent, 0, n)
	for i := start; i < int64(end); i++ {
		ev := tracer.events[uint64(i)&uint64(size-1)]
		if ev.when.IsZero() {
			continue
		}
		out = append(out, TraceEvent{When: ev.when, Kind: ev.kind.String(), Cown: ev.cown, Arg: ev.arg})
	}
	return out
}
