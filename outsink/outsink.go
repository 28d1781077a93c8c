// Package outsink is component C of the Scene runtime: a producer
// handle targeting exactly one input core (or disconnected/discard),
// driving the backpressure described in spec.md §4.C.
//
// Grounded on github.com/influx6/faux/sink.Sink's single-method "Emit"
// contract, repurposed from delivering log entries to delivering typed
// messages, plus pub.Ctx's end-of-stream signalling for the cancellation
// path. The state machine
// Disconnected -> Connected -> (InFlight <-> Connected) -> Disconnected
// is implemented with a broadcast-on-change channel (closed and
// replaced on every mutation) rather than a literal weak pointer — Go
// has no GC weak references in this module's target version, so the
// connection graph (component F) plays the role spec.md assigns to GC:
// it is the only writer of a Sink's target, and it clears it explicitly
// on disconnect/retarget instead of relying on the target being
// collected.
package outsink

import (
	"context"
	"errors"
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/corestream"
)

// Errors returned by Send.
var (
	ErrTargetClosed = errors.New("outsink: target closed")
	ErrTargetGone   = errors.New("outsink: target never connected and is now gone")
	ErrCancelled    = errors.New("outsink: send cancelled")
)

// TryResult is the outcome of TrySendImmediate.
type TryResult int

const (
	TryOK TryResult = iota
	TryFull
	TryNotConnected
	TryReentrant
)

// ImmediateResult is the outcome of SendImmediate.
type ImmediateResult int

const (
	// ImmediateOK means msg was handed to the target's FIFO (or the
	// sink is discarding).
	ImmediateOK ImmediateResult = iota
	// ImmediateReentrant means the target is already being polled along
	// the current call chain; msg was never pushed.
	ImmediateReentrant
	// ImmediateNotConnected means the sink has no target at all (still
	// Disconnected) — distinct from ImmediateNotPermitted below.
	ImmediateNotConnected
	// ImmediateNotPermitted means the sink is connected to a real
	// target, but that target's input core has not opted into
	// thread-stealing (corestream.Handle.AllowsThreadStealing is
	// false). Unlike ImmediateNotConnected there is a target; it is
	// just not reachable through this synchronous path.
	ImmediateNotPermitted
	// ImmediateFull means the push was attempted and the target's
	// buffer had no free slot; msg was never accepted and the caller
	// still owns it (output-sink invariant (b): never dropped silently).
	ImmediateFull
	// ImmediateClosed means the push was attempted against a target
	// that has already closed; msg was never accepted.
	ImmediateClosed
)

type chanWaker chan struct{}

func (w chanWaker) Wake() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// Sink is a typed output sink for messages of type T.
type Sink[T any] struct {
	mu      sync.Mutex
	target  corestream.Handle
	discard bool
	torn    error // set once a disconnected sink's would-be target is confirmed gone
	changed chan struct{}
}

// New returns a Sink starting in the Disconnected state.
func New[T any]() *Sink[T] {
	return &Sink[T]{changed: make(chan struct{})}
}

func (s *Sink[T]) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Bind points the sink at target, waking anything parked waiting for a
// connection. Called only by the connection graph.
func (s *Sink[T]) Bind(target corestream.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = target
	s.discard = false
	s.torn = nil
	s.broadcast()
}

// SetDiscard points the sink at the discard target: sends succeed
// immediately without a matching pop (spec.md §3 "Output sink": target
// is *discard*).
func (s *Sink[T]) SetDiscard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = nil
	s.discard = true
	s.torn = nil
	s.broadcast()
}

// Unbind returns the sink to Disconnected. Any sender already
// committed to the old target (inside Send's inner retry loop) keeps
// retrying against it per the "deliver to old target, then retarget"
// policy (spec.md §9 Open Question (i)) — Unbind only affects senders
// that have not yet picked a target.
func (s *Sink[T]) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = nil
	s.discard = false
	s.torn = nil
	s.broadcast()
}

// Teardown marks the sink as permanently gone: it was never connected
// and never will be (its would-be target program ended, or the
// connection rule naming it was removed with no replacement). Any
// sender parked waiting for a connection wakes with ErrTargetGone.
func (s *Sink[T]) Teardown(err error) {
	if err == nil {
		err = ErrTargetGone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = nil
	s.discard = false
	s.torn = err
	s.broadcast()
}

// Bindable is the type-erased view of a Sink[T] that the connection
// graph (component F) operates through without knowing T: every
// mutation it needs to perform (retarget, discard, disconnect, tear
// down) takes only already-erased arguments.
type Bindable interface {
	Bind(target corestream.Handle)
	Unbind()
	SetDiscard()
	Teardown(err error)
	IsConnected() bool
}

// IsConnected reports whether the sink currently has a concrete target
// (not discard, not disconnected).
func (s *Sink[T]) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target != nil
}

// Send delivers msg, blocking the calling goroutine (the subprogram's
// own future, per spec.md's await-point model) until it is handed to
// the target's FIFO, the target is confirmed gone, or ctx is done.
func (s *Sink[T]) Send(ctx context.Context, msg T) error {
	for {
		s.mu.Lock()
		discard := s.discard
		target := s.target
		torn := s.torn
		ch := s.changed
		s.mu.Unlock()

		if discard {
			return nil
		}

		if target == nil {
			if torn != nil {
				return torn
			}

			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ErrCancelled
			}
		}

		// Committed to target: a send in progress commits to whichever
		// target accepts it, even if the graph retargets this sink
		// meanwhile (spec.md §9 Open Question (i)).
		return s.deliverTo(ctx, target, msg)
	}
}

func (s *Sink[T]) deliverTo(ctx context.Context, target corestream.Handle, msg T) error {
	for {
		switch target.PushAny(msg) {
		case corestream.Pushed:
			return nil
		case corestream.Closed:
			return ErrTargetClosed
		case corestream.Full:
			woke := make(chanWaker, 1)
			target.ParkProducer(s, woke)

			select {
			case <-woke:
				continue
			case <-ctx.Done():
				target.UnparkProducer(s)
				return ErrCancelled
			}
		}
	}
}

// TrySendImmediate attempts a synchronous, non-blocking delivery. It
// succeeds only if a slot is free and the target is not already being
// polled along the current call chain (see corestream.PollGuard).
func (s *Sink[T]) TrySendImmediate(guard *corestream.PollGuard, msg T) TryResult {
	s.mu.Lock()
	discard := s.discard
	target := s.target
	s.mu.Unlock()

	if discard {
		return TryOK
	}
	if target == nil {
		return TryNotConnected
	}

	exit, already := guard.Enter(target)
	if already {
		return TryReentrant
	}
	defer exit()

	switch target.PushAny(msg) {
	case corestream.Pushed:
		return TryOK
	default:
		return TryFull
	}
}

// SendImmediate behaves like TrySendImmediate but is only meaningful
// for a target that opted into thread-stealing
// (corestream.Handle.AllowsThreadStealing): it is the synchronous,
// near-zero-latency delivery path spec.md §4.C describes for
// logging/tracing-style sends. It still only ever performs the one
// synchronous push attempt described there — backpressure beyond that
// is reported back as ImmediateFull rather than retried, so the caller
// can fall back to the blocking Send; msg is never silently dropped on
// a Full or Closed target (output-sink invariant (b)).
func (s *Sink[T]) SendImmediate(guard *corestream.PollGuard, msg T) ImmediateResult {
	s.mu.Lock()
	discard := s.discard
	target := s.target
	s.mu.Unlock()

	if discard {
		return ImmediateOK
	}
	if target == nil {
		return ImmediateNotConnected
	}
	if !target.AllowsThreadStealing() {
		return ImmediateNotPermitted
	}

	exit, already := guard.Enter(target)
	if already {
		return ImmediateReentrant
	}
	defer exit()

	switch target.PushAny(msg) {
	case corestream.Pushed:
		return ImmediateOK
	case corestream.Closed:
		return ImmediateClosed
	default:
		return ImmediateFull
	}
}
