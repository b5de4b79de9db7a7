// Package runtime implements the concurrent-owner (cown) scheduling core of
// the Kestrel runtime: per-cown message queues, the multi-message acquisition
// protocol, the backpressure engine, and the leak detector's epoch-based
// tracing of live cowns.
package runtime

import "sync/atomic"

// ObjectKind discriminates the entities the tracer can reach. Trace and
// release dispatch on this kind.
type ObjectKind uint8

const (
	KindISO  ObjectKind = iota // entry object of an isolated region
	KindRC                     // reference-counted immutable
	KindSCC                    // immutable pointing at its SCC representative
	KindCown                   // concurrent owner
)

func (k ObjectKind) String() string {
	switch k {
	case KindISO:
		return "ISO"
	case KindRC:
		return "RC"
	case KindSCC:
		return "SCC"
	case KindCown:
		return "Cown"
	default:
		return "Unknown"
	}
}

// EpochMark tags an object with the leak-detector epoch that last scanned it.
type EpochMark uint32

const (
	EpochA EpochMark = iota
	EpochB
	EpochNone
	ScheduledForScan
)

func (e EpochMark) String() string {
	switch e {
	case EpochA:
		return "EpochA"
	case EpochB:
		return "EpochB"
	case EpochNone:
		return "EpochNone"
	case ScheduledForScan:
		return "ScheduledForScan"
	default:
		return "Unknown"
	}
}

// Object is the header shared by every entity visible to the tracer: a kind
// discriminator, the strong reference count, and the epoch mark.
type Object struct {
	kind ObjectKind
	rc   atomic.Int64
	mark atomic.Uint32
}

func (o *Object) initObject(kind ObjectKind) {
	o.kind = kind
	o.rc.Store(1)
	o.mark.Store(uint32(EpochNone))
}

// Kind returns the object's kind discriminator.
func (o *Object) Kind() ObjectKind { return o.kind }

// StrongCount returns the current strong reference count.
func (o *Object) StrongCount() int64 { return o.rc.Load() }

func (o *Object) incRef() { o.rc.Add(1) }

// decRef drops one strong reference and reports whether it was the last.
func (o *Object) decRef() bool { return o.rc.Add(-1) == 0 }

// acquireStrongFromWeak lifts a weak reference into a strong one, failing if
// the strong count has already reached zero.
func (o *Object) acquireStrongFromWeak() bool {
	for {
		cur := o.rc.Load()
		if cur == 0 {
			return false
		}
		yield()
		if o.rc.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (o *Object) epochMark() EpochMark     { return EpochMark(o.mark.Load()) }
func (o *Object) setEpochMark(e EpochMark) { o.mark.Store(uint32(e)) }
func (o *Object) inEpoch(e EpochMark) bool {
	r := o.epochMark() == e
	yield()
	return r
}

// Traced is implemented by every entity that participates in object graphs:
// region roots, immutables, and cowns. Trace pushes the entity's direct
// references onto the stack.
type Traced interface {
	Header() *Object
	Trace(st *ObjectStack)
}

// Traceable is the user-data contract for cown payloads. Payloads may also
// implement Finalisable and Destructible for collection hooks.
type Traceable interface {
	Trace(st *ObjectStack)
}

// Finalisable payloads run Finalise before their references are released.
type Finalisable interface {
	Finalise()
}

// Destructible payloads run Destruct after their references are released.
type Destructible interface {
	Destruct()
}

// Notifiable payloads observe edge-triggered queue notifications.
type Notifiable interface {
	Notified()
}

// ObjectStack is the work stack used during traces and recursive collection.
type ObjectStack struct {
	items []Traced
}

// Push adds o to the stack. Nil entries are ignored so Trace implementations
// need not guard cleared references.
func (s *ObjectStack) Push(o Traced) {
	if o == nil {
		return
	}
	s.items = append(s.items, o)
}

// Pop removes and returns the most recently pushed entry.
func (s *ObjectStack) Pop() Traced {
	n := len(s.items) - 1
	o := s.items[n]
	s.items[n] = nil
	s.items = s.items[:n]
	return o
}

// Empty reports whether the stack holds no entries.
func (s *ObjectStack) Empty() bool { return len(s.items) == 0 }

// RegionEngine traces and releases isolated regions reachable from cown data.
// Implementations push any cowns or immutables the region references onto the
// stack for the core to dispatch.
type RegionEngine interface {
	// Scan traces every object inside the region rooted at o.
	Scan(o Traced, mark EpochMark, st *ObjectStack)
	// Release frees the region rooted at o.
	Release(o Traced, st *ObjectStack)
}

// ImmutableEngine traces and releases immutable object graphs.
type ImmutableEngine interface {
	MarkAndScan(o Traced, mark EpochMark, st *ObjectStack)
	Release(o Traced, st *ObjectStack)
}

var (
	regionEngine    atomic.Value // RegionEngine
	immutableEngine atomic.Value // ImmutableEngine
)

// SetRegionEngine installs the region engine used for ISO roots. The default
// engine treats the root as the region's only header-carrying object.
func SetRegionEngine(e RegionEngine) { regionEngine.Store(&e) }

// SetImmutableEngine installs the immutable engine used for RC and SCC
// objects. The default engine reference-counts each immutable individually.
func SetImmutableEngine(e ImmutableEngine) { immutableEngine.Store(&e) }

func regions() RegionEngine {
	if v := regionEngine.Load(); v != nil {
		return *v.(*RegionEngine)
	}
	return defaultRegions
}

func immutables() ImmutableEngine {
	if v := immutableEngine.Load(); v != nil {
		return *v.(*ImmutableEngine)
	}
	return defaultImmutables
}

// flatRegionEngine is the built-in region engine: the ISO root carries the
// region's external references directly.
type flatRegionEngine struct{}

func (flatRegionEngine) Scan(o Traced, mark EpochMark, st *ObjectStack) {
	if o.Header().inEpoch(mark) {
		return
	}
	o.Header().setEpochMark(mark)
	o.Trace(st)
}

func (flatRegionEngine) Release(o Traced, st *ObjectStack) {
	o.Trace(st)
}

// rcImmutableEngine is the built-in immutable engine: each immutable carries
// its own count; SCC members forward to their representative via Trace.
type rcImmutableEngine struct{}

func (rcImmutableEngine) MarkAndScan(o Traced, mark EpochMark, st *ObjectStack) {
	if o.Header().inEpoch(mark) {
		return
	}
	o.Header().setEpochMark(mark)
	o.Trace(st)
}

func (rcImmutableEngine) Release(o Traced, st *ObjectStack) {
	if o.Header().decRef() {
		o.Trace(st)
	}
}

var (
	defaultRegions    RegionEngine    = flatRegionEngine{}
	defaultImmutables ImmutableEngine = rcImmutableEngine{}
)
