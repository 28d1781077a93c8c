// Package corestream is component B of the Scene runtime: the bounded
// FIFO backing every subprogram's input, with producer/consumer wakers
// and an end-of-stream flag.
//
// Grounded on sumex.stream and workers.worker's "dataSink chan *payload
// + atomic pending/processed/closed counters" shape
// (github.com/influx6/faux/sumex, github.com/influx6/faux/workers), but
// the teacher's unbounded `chan *payload` (which blocks a goroutine when
// full) is replaced with an explicit ring buffer guarded by a small
// mutex plus an ordered waker queue, so a full core returns Full(msg) to
// the caller instead of parking a goroutine on a channel send — the
// scheduler (not the Go runtime) owns suspension, per spec.md §5.
package corestream

import "sync"

// Waker is notified when a core gains a message (the consumer waker,
// fired on every successful push) or frees a slot (each successful pop
// wakes at most one parked producer waker); Close wakes all of them.
// Subprogram bodies implement the consumer waker by signalling a channel
// their Pop loop selects on.
type Waker interface {
	Wake()
}

// PushState is the result of Push.
type PushState int

const (
	// Pushed means the message was appended and the consumer woken.
	Pushed PushState = iota
	// Full means the core had no free slot; the message was not
	// accepted and the caller still owns it.
	Full
	// Closed means the core is closed and no longer accepts messages.
	Closed
)

// PopState is the result of Pop.
type PopState int

const (
	// Pending means the core is empty but still open; the caller
	// should register a consumer Waker and retry once woken.
	Pending PopState = iota
	// Ready means a message was dequeued.
	Ready
	// Drained means the core is closed and empty: no more messages
	// will ever arrive.
	Drained
)

// Core is the generic, type-safe input stream core for messages of
// type T. It satisfies Handle so the connection graph and scheduler can
// hold it without knowing T.
type Core[T any] struct {
	mu sync.Mutex

	buf  []T
	head int
	n    int

	closed bool

	allowThreadStealing bool

	consumer Waker

	parkedOrder []interface{}
	parkedWaker map[interface{}]Waker
}

// New returns a Core with the given capacity, which must be >= 1 per
// spec.md §3 invariant 4.
func New[T any](capacity int) *Core[T] {
	if capacity < 1 {
		panic("corestream: capacity must be >= 1")
	}
	return &Core[T]{
		buf:         make([]T, capacity),
		parkedWaker: make(map[interface{}]Waker),
	}
}

// Capacity returns the core's fixed buffer size.
func (c *Core[T]) Capacity() int {
	return len(c.buf)
}

// SetAllowThreadStealing toggles the "thread-stealing allowed" flag
// from spec.md §3 invariant 4.
func (c *Core[T]) SetAllowThreadStealing(allow bool) {
	c.mu.Lock()
	c.allowThreadStealing = allow
	c.mu.Unlock()
}

// AllowsThreadStealing reports the current flag value.
func (c *Core[T]) AllowsThreadStealing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowThreadStealing
}

// SetConsumerWaker registers the (at most one) consumer waker for this
// core, per spec.md §3 invariant 1. Passing nil clears it.
func (c *Core[T]) SetConsumerWaker(w Waker) {
	c.mu.Lock()
	c.consumer = w
	c.mu.Unlock()
}

// Len reports the number of messages currently queued.
func (c *Core[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// HasRoom reports whether Push would currently succeed, used by
// try_send_immediate's synchronous fast path.
func (c *Core[T]) HasRoom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.n < len(c.buf)
}

// IsClosed reports whether Close has been called.
func (c *Core[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push appends msg if there is room, waking the consumer. On Full the
// caller still owns msg (it is returned unchanged via the PushState
// contract: callers must not assume msg was consumed unless state ==
// Pushed).
func (c *Core[T]) Push(msg T) PushState {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return Closed
	}

	if c.n == len(c.buf) {
		c.mu.Unlock()
		return Full
	}

	idx := (c.head + c.n) % len(c.buf)
	c.buf[idx] = msg
	c.n++

	consumer := c.consumer
	c.mu.Unlock()

	if consumer != nil {
		consumer.Wake()
	}

	return Pushed
}

// Pop dequeues the oldest message, if any, and fires exactly one parked
// producer waker (FIFO, per spec.md §3 invariant 2) to let it retry.
func (c *Core[T]) Pop() (T, PopState) {
	var zero T

	c.mu.Lock()

	if c.n == 0 {
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return zero, Drained
		}
		return zero, Pending
	}

	msg := c.buf[c.head]
	c.buf[c.head] = zero
	c.head = (c.head + 1) % len(c.buf)
	c.n--

	var fired Waker
	if len(c.parkedOrder) > 0 {
		id := c.parkedOrder[0]
		c.parkedOrder = c.parkedOrder[1:]
		fired = c.parkedWaker[id]
		delete(c.parkedWaker, id)
	}

	c.mu.Unlock()

	if fired != nil {
		fired.Wake()
	}

	return msg, Ready
}

// ParkProducer registers w to be woken once a slot frees, keyed by
// identity so the same sink parking twice never duplicates its entry
// (spec.md §4.B "never duplicates an entry for the same sink").
// identity is typically the *outsink.Sink pointer.
func (c *Core[T]) ParkProducer(identity interface{}, w Waker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, already := c.parkedWaker[identity]; already {
		c.parkedWaker[identity] = w
		return
	}

	c.parkedOrder = append(c.parkedOrder, identity)
	c.parkedWaker[identity] = w
}

// UnparkProducer removes identity from the parked-producer queue
// without firing it, used when a sink gives up waiting (e.g. it is
// being retargeted to a different core).
func (c *Core[T]) UnparkProducer(identity interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.parkedWaker[identity]; !ok {
		return
	}
	delete(c.parkedWaker, identity)

	for i, id := range c.parkedOrder {
		if id == identity {
			c.parkedOrder = append(c.parkedOrder[:i], c.parkedOrder[i+1:]...)
			break
		}
	}
}

// Handle is the type-erased view of a Core[T] that the connection graph,
// output sinks and scheduler operate through without knowing T. Every
// *Core[T] satisfies Handle.
type Handle interface {
	PushAny(msg interface{}) PushState
	ParkProducer(identity interface{}, w Waker)
	UnparkProducer(identity interface{})
	Close()
	IsClosed() bool
	HasRoom() bool
	AllowsThreadStealing() bool
}

// PushAny is Push with the message boxed as interface{}, satisfying
// Handle. A msg of the wrong dynamic type is a programmer error (the
// connection graph is responsible for the type check described in
// spec.md §4.D's FilterInputDoesNotMatch/FilterOutputDoesNotMatch and
// the plain WrongInputType case) and panics rather than silently
// coercing or dropping it.
func (c *Core[T]) PushAny(msg interface{}) PushState {
	typed, ok := msg.(T)
	if !ok {
		panic("corestream: message type does not match this core's declared type")
	}
	return c.Push(typed)
}

// PollGuard tracks which input cores are already being synchronously
// polled along the current call chain, standing in for the "thread-local
// currently-polling set keyed by input-core identity" spec.md §4.C and
// §5 describe. Because a thread-stealing send recurses synchronously
// (never across a goroutine boundary), threading a *PollGuard through
// the call chain as an explicit parameter is exactly equivalent to a
// thread-local for this purpose — and unlike a real thread-local it
// needs no cleanup when goroutines are reused by the Go runtime.
type PollGuard struct {
	entered map[interface{}]bool
}

// NewPollGuard returns an empty guard, one per top-level call chain
// (see scheduler.Table.NewPollGuard, and the per-body guard
// scene.AddSubprogram keeps).
func NewPollGuard() *PollGuard {
	return &PollGuard{entered: make(map[interface{}]bool)}
}

// Enter marks identity as being polled. If it is already marked (a
// reentrant attempt), already is true and no state changes. Otherwise
// the caller must invoke the returned exit func once done, typically
// via defer.
func (g *PollGuard) Enter(identity interface{}) (exit func(), already bool) {
	if g.entered[identity] {
		return func() {}, true
	}
	g.entered[identity] = true
	return func() { delete(g.entered, identity) }, false
}

// Close marks the core closed: no further Push succeeds, but messages
// already queued still drain via Pop (spec.md §3 invariant 3). Wakes
// the consumer and every parked producer so they observe Closed/target
// gone.
func (c *Core[T]) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	consumer := c.consumer
	wakers := make([]Waker, 0, len(c.parkedOrder))
	for _, id := range c.parkedOrder {
		wakers = append(wakers, c.parkedWaker[id])
	}
	c.parkedOrder = nil
	c.parkedWaker = make(map[interface{}]Waker)

	c.mu.Unlock()

	if consumer != nil {
		consumer.Wake()
	}
	for _, w := range wakers {
		if w != nil {
			w.Wake()
		}
	}
}
