// Package filter is component D of the Scene runtime: a pure, typed
// adapter from a stream of one message type to a stream of another,
// referenced by an opaque Handle once registered (spec.md §4.D).
//
// Grounded on pub.Lift/pub.WrapHandlers (github.com/influx6/faux/pub):
// the teacher composes untyped Handlers by threading one's output into
// the next's input; a Handle here plays the same role but is generic
// over its declared input/output types at registration time, then
// erases them behind Process so the connection graph (F) can hold and
// materialise filters without itself being generic. Mismatched wiring
// is rejected at connect time via CheckTypes rather than surfacing at
// the first message (FilterInputDoesNotMatch / FilterOutputDoesNotMatch).
package filter

import (
	"context"
	"errors"

	"github.com/Logicalshift/flo-scene-sub002/corestream"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/panics"
	"github.com/Logicalshift/flo-scene-sub002/scenelog"
)

// Errors returned when wiring a filter into a connection whose declared
// stream types don't match the filter's own.
var (
	ErrInputDoesNotMatch  = errors.New("filter: input type does not match connection")
	ErrOutputDoesNotMatch = errors.New("filter: output type does not match connection")
)

// Func is the pure transform a filter wraps. Returning an error drops
// the message (logged, never silently re-raised as a new message) —
// filters do not propagate errors as values of type B.
type Func[A, B any] func(ctx context.Context, msg A) (B, error)

// Process is the type-erased view of a materialised filter instance:
// the shape the connection graph and scheduler need to wire it in and
// drive it, without knowing its A/B types. It is the same shape
// subprogram.Record's process handle expects (spec.md §4.E "process
// handle") — to the rest of the runtime a filter instance looks like
// any other one-input, one-output process.
type Process interface {
	Input() corestream.Handle
	Output() outsink.Bindable
	Run(ctx context.Context)
}

// instance is one materialised filter process: it owns an input core
// of type A and an output sink of type B, and pumps every accepted
// message through the filter's function for as long as Run is driven.
type instance[A, B any] struct {
	name string
	core *corestream.Core[A]
	out  *outsink.Sink[B]
	fn   Func[A, B]
	log  scenelog.Log
}

func (in *instance[A, B]) Input() corestream.Handle { return in.core }
func (in *instance[A, B]) Output() outsink.Bindable { return in.out }

// Run pumps messages until ctx is cancelled or the input core drains
// after being closed, and closes its own input core on the way out. The
// output sink's downstream core is left open: it belongs to the target
// program and closes only when that program ends. A panic inside fn is
// recovered and the filter's own
// input core is closed in response (spec.md §9 Open Question (iii)):
// a misbehaving filter looks, to its upstream senders, like a program
// that stopped, rather than silently dropping the connection.
func (in *instance[A, B]) Run(ctx context.Context) {
	waker := make(chan struct{}, 1)
	in.core.SetConsumerWaker(wakeFunc(func() {
		select {
		case waker <- struct{}{}:
		default:
		}
	}))

	defer in.core.Close()

	for {
		msg, state := in.core.Pop()
		switch state {
		case corestream.Ready:
			in.apply(ctx, msg)
		case corestream.Drained:
			return
		case corestream.Pending:
			select {
			case <-waker:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (in *instance[A, B]) apply(ctx context.Context, msg A) {
	panics.Defer(func() {
		out, err := in.fn(ctx, msg)
		if err != nil {
			in.log.Dev(in.name, "filter.apply", "dropped message after transform error: %s", err)
			return
		}
		if sendErr := in.out.Send(ctx, out); sendErr != nil {
			in.log.Dev(in.name, "filter.apply", "downstream send failed: %s", sendErr)
		}
	}, func(r *panics.Recovered) {
		in.log.Error(in.name, "filter.apply", r, "panic applying transform")
		in.core.Close()
	})
}

type wakeFunc func()

func (w wakeFunc) Wake() { w() }

// Handle is the immutable, reusable registration record for a filter:
// the pair of declared types plus a factory for new Process instances.
// The same Handle is referenced by every connection that names it
// (spec.md §3 "Filter": "registered once at construction and
// referenced by handle thereafter").
type Handle struct {
	Name    string
	InType  idregistry.TypeToken
	OutType idregistry.TypeToken
	create  func(log scenelog.Log) Process
}

// New registers a filter wrapping fn, with the given input core
// capacity. The returned Handle has no running state of its own —
// materialising it (once per connection that uses it) is what
// allocates a core and a sink, per spec.md §4.D "the Scene materialises
// a process... interposed between source and target." Filters are pure
// and hold no hidden state visible to the Scene, so every connection
// that routes through this Handle gets its own freshly materialised
// Process rather than sharing one running instance.
func New[A, B any](name string, capacity int, fn Func[A, B]) *Handle {
	var zeroA A
	var zeroB B

	return &Handle{
		Name:    name,
		InType:  idregistry.TypeOf(zeroA),
		OutType: idregistry.TypeOf(zeroB),
		create: func(log scenelog.Log) Process {
			if log == nil {
				log = scenelog.Discard
			}
			return &instance[A, B]{
				name: name,
				core: corestream.New[A](capacity),
				out:  outsink.New[B](),
				fn:   fn,
				log:  log,
			}
		},
	}
}

// Materialize allocates a fresh Process for this filter, wired to the
// function it was registered with.
func (h *Handle) Materialize(log scenelog.Log) Process {
	return h.create(log)
}

// CheckTypes validates a proposed (sourceType, targetType) pair against
// this filter's declared input/output types, returning the installation
// errors spec.md §4.D names.
func (h *Handle) CheckTypes(sourceType, targetType idregistry.TypeToken) error {
	if sourceType != h.InType {
		return ErrInputDoesNotMatch
	}
	if targetType != h.OutType {
		return ErrOutputDoesNotMatch
	}
	return nil
}
