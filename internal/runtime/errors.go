package runtime

import "errors"

// Invariant violations in the cown core are not recoverable; they indicate a
// scheduling bug and abort the process via panic. Races the protocol expects
// (lost CAS, mark-sleeping losing to a producer) are handled locally and never
// surface as errors.
var (
	// ErrSleepingDispatch reports a message dispatched from a queue that is
	// still marked sleeping.
	ErrSleepingDispatch = errors.New("kestrel/runtime: dispatch from sleeping queue")

	// ErrQueueNotEmpty reports a cown collected while messages remain queued.
	ErrQueueNotEmpty = errors.New("kestrel/runtime: cown queue not empty at collection")

	// ErrUnknownKind reports an object with an unknown kind discriminator
	// encountered during a trace.
	ErrUnknownKind = errors.New("kestrel/runtime: unknown object kind during trace")

	// ErrStubDequeue reports an attempt to run the queue's permanent stub
	// message.
	ErrStubDequeue = errors.New("kestrel/runtime: stub message dequeued for dispatch")

	// ErrFastPathDequeue reports a fast-path acquisition that dequeued a
	// message other than the one it just enqueued on a sleeping queue.
	ErrFastPathDequeue = errors.New("kestrel/runtime: foreign message at head of fast-path queue")

	// ErrNoScheduler reports a cown operation with no scheduler attached.
	ErrNoScheduler = errors.New("kestrel/runtime: no scheduler for cown")
)
