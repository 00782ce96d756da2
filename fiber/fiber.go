/*
	Package fiber provides the cooperative continuation primitives the
	memoizer's stir loop drives: a Fiber is a function that eventually
	calls a continuation with its result, a Future is a one-shot cell
	that fires waiters when it settles, and a Queue is where fibers wait
	their turn to run on the single driver goroutine.

	Everything here assumes the single-threaded cooperative model of
	spec §5: a Queue and the Futures built on it are touched only from
	the memoizer's driver goroutine between Executor.Collect calls, so
	none of it takes a lock. This mirrors how repeatr keeps Operation and
	Guard free of synchronization by convention rather than by
	defensive locking.
*/
package fiber

// Fiber is a unit of cooperative asynchronous work: call it with a
// continuation, and it promises to invoke that continuation exactly
// once, though not necessarily before returning.
type Fiber func(k func(interface{}))

// Queue holds fibers that are ready to run right now (as opposed to
// fibers still waiting on a Future). The memoizer's stir loop drains it
// one entry per iteration, interleaved with guard/executor work.
type Queue struct {
	ready []func()
}

// NewQueue returns an empty fiber-ready queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Spawn enqueues k to run the next time the stir loop reaches for fiber
// work.
func (q *Queue) Spawn(k func()) {
	q.ready = append(q.ready, k)
}

// Idle reports whether the queue currently has nothing ready to run.
func (q *Queue) Idle() bool {
	return len(q.ready) == 0
}

// RunOne pops and runs a single ready fiber, if any, and reports whether
// it found one to run. A panic from the fiber body propagates to the
// caller; use RunOneSafe to sandbox it instead.
func (q *Queue) RunOne() bool {
	if len(q.ready) == 0 {
		return false
	}
	k := q.ready[0]
	q.ready = q.ready[1:]
	k()
	return true
}

// RunOneSafe is RunOne, but recovers any panic from the fiber body and
// hands it to onRecover instead of letting it escape -- the same
// sandboxing the memoizer applies to operation continuations, applied
// here to fiber bodies (Await/AwaitSet callbacks, SpawnFiber work) so a
// Fail sentinel or stray panic in one fiber can't abort the whole driver
// loop.
func (q *Queue) RunOneSafe(onRecover func(r interface{})) bool {
	if len(q.ready) == 0 {
		return false
	}
	k := q.ready[0]
	q.ready = q.ready[1:]
	func() {
		defer func() {
			if r := recover(); r != nil {
				onRecover(r)
			}
		}()
		k()
	}()
	return true
}

type futureState int

const (
	undet futureState = iota
	det
	never
)

// Future is a one-shot cell: it starts Undet and transitions exactly
// once, either to Det(value) or to Never. Waiters registered before the
// transition are enqueued onto the owning Queue once it happens; waiters
// registered after fire immediately (also via the queue, to preserve
// stack-safety and ordering with other queued work).
type Future struct {
	queue      *Queue
	state      futureState
	value      interface{}
	detWaiters []func(interface{})
	setWaiters []func(interface{}, bool)
}

// NewFuture returns an Undet future whose waiters will be scheduled onto
// queue.
func NewFuture(queue *Queue) *Future {
	return &Future{queue: queue, state: undet}
}

// Set transitions the future to Det(value). Calling Set (or SetNever) on
// an already-settled future is a programming error and panics, per spec
// §8 ("Setting a future twice raises a programming error").
func (f *Future) Set(value interface{}) {
	if f.state != undet {
		panic("fiber: Future.Set called on an already-settled future")
	}
	f.state = det
	f.value = value
	for _, k := range f.detWaiters {
		k := k
		f.queue.Spawn(func() { k(value) })
	}
	for _, k := range f.setWaiters {
		k := k
		f.queue.Spawn(func() { k(value, true) })
	}
	f.detWaiters = nil
	f.setWaiters = nil
}

// SetNever transitions the future to Never. Like Set, calling it twice
// (in any combination with Set) is a programming error.
func (f *Future) SetNever() {
	if f.state != undet {
		panic("fiber: Future.SetNever called on an already-settled future")
	}
	f.state = never
	for _, k := range f.setWaiters {
		k := k
		f.queue.Spawn(func() { k(nil, false) })
	}
	f.detWaiters = nil
	f.setWaiters = nil
}

// Await registers k to fire only if/when the future becomes Det. If the
// future becomes Never instead, k is never called.
func (f *Future) Await(k func(interface{})) {
	switch f.state {
	case det:
		v := f.value
		f.queue.Spawn(func() { k(v) })
	case never:
		// never fires; nothing to do.
	default:
		f.detWaiters = append(f.detWaiters, k)
	}
}

// AwaitSet registers k to fire once the future settles, whichever way:
// k(value, true) on Det, k(nil, false) on Never.
func (f *Future) AwaitSet(k func(interface{}, bool)) {
	switch f.state {
	case det:
		v := f.value
		f.queue.Spawn(func() { k(v, true) })
	case never:
		f.queue.Spawn(func() { k(nil, false) })
	default:
		f.setWaiters = append(f.setWaiters, k)
	}
}

// IsSettled reports whether the future has transitioned out of Undet.
func (f *Future) IsSettled() bool { return f.state != undet }

// Peek returns the future's value and true if it has settled Det,
// without going through the queue. It's meant for driver code inspecting
// a future after the stir loop has already gone idle, not for fibers --
// fibers should use Await/AwaitSet so ordering with other queued work is
// preserved.
func (f *Future) Peek() (interface{}, bool) {
	if f.state == det {
		return f.value, true
	}
	return nil, false
}

// SpawnFiber enqueues k() to run as soon as the stir loop reaches fiber
// work -- the primitive `spawn_fiber` of spec §4.6.
func SpawnFiber(q *Queue, k func()) {
	q.Spawn(k)
}

// OfFiber turns a Fiber into a Future by wiring the fiber's single call
// to its continuation into the future's Set.
func OfFiber(q *Queue, fib Fiber) *Future {
	f := NewFuture(q)
	q.Spawn(func() {
		fib(func(v interface{}) { f.Set(v) })
	})
	return f
}

// FailSignal is the sentinel value panicked by memo.Memoizer.Fail. It's
// caught only at the fiber/continuation boundary the memoizer runs
// continuations through, and must never be reported as an unexpected
// bug (spec §4.6).
type FailSignal struct {
	Mark    string
	Message string
}

func (f FailSignal) Error() string { return f.Message }

// IsFailSignal reports whether a recovered panic value is the Fail
// sentinel, as opposed to a genuine unexpected error.
func IsFailSignal(r interface{}) (FailSignal, bool) {
	fs, ok := r.(FailSignal)
	return fs, ok
}
