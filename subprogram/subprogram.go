// Package subprogram is component E of the Scene runtime: the
// per-program record spec.md §3 describes — identity, input core,
// declared output sinks keyed by stream id, a process handle, and the
// ended flag — plus the goroutine that drives a program's body.
//
// Grounded on workers.worker / sumex.stream's struct shape (uuid,
// config, Handler, atomic state counters, a "pubs []Worker" fan-out
// list), repurposed: "pubs" becomes declared output sinks keyed by
// StreamId instead of a flat listener list, and the teacher's
// autoscaling multi-goroutine pool collapses to exactly one goroutine
// per subprogram (spec.md's futures-as-processes model maps each
// subprogram onto a single cooperative task, not a pool).
package subprogram

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Logicalshift/flo-scene-sub002/corestream"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/panics"
	"github.com/Logicalshift/flo-scene-sub002/scenelog"
)

// Body is a subprogram's entry point: given its own input core and a
// cancellable context, it runs until its input is drained-and-closed
// or ctx is cancelled. Returning ends the subprogram.
type Body[T any] func(ctx context.Context, in *corestream.Core[T]) error

// Record is a subprogram's bookkeeping entry, the shape spec.md §3
// "Subprogram record" names: id, input-core handle, a map of declared
// output sinks keyed by StreamId, a process handle (here: a cancel
// func plus a done channel), and an ended flag.
type Record struct {
	id          idregistry.ProgramId
	inputStream idregistry.StreamId
	input       corestream.Handle

	log scenelog.Log

	cancel context.CancelFunc
	done   chan struct{}
	ended  int32

	mu      sync.Mutex
	outputs map[idregistry.StreamId]outsink.Bindable

	runErr error
}

// Id returns the subprogram's identity.
func (r *Record) Id() idregistry.ProgramId { return r.id }

// InputStreamId returns the StreamId this program's own input is
// registered under (spec.md §4.E step 2: "records the StreamId
// InputOf(T)").
func (r *Record) InputStreamId() idregistry.StreamId { return r.inputStream }

// Input returns the type-erased handle to this program's input core,
// the target every sink addressed to this program eventually binds to.
func (r *Record) Input() corestream.Handle { return r.input }

// Ended reports whether the subprogram's body has returned.
func (r *Record) Ended() bool { return atomic.LoadInt32(&r.ended) != 0 }

// Done returns a channel closed once the subprogram's body has
// returned, for callers that need to wait on shutdown (e.g. the
// scheduler retiring the record, or a test waiting for S1's reply).
func (r *Record) Done() <-chan struct{} { return r.done }

// Err returns the error the body returned, if any, valid only after
// Done() is closed.
func (r *Record) Err() error { return r.runErr }

// Stop cancels the subprogram's context and closes its input core,
// matching spec.md §4.G Cancellation: "stopping a program cancels its
// future; the input core is closed, pending senders receive
// TargetClosed." Stop is idempotent.
func (r *Record) Stop() {
	r.cancel()
	r.input.Close()
}

// OutputFor returns the previously declared sink for id, if any.
func (r *Record) OutputFor(id idregistry.StreamId) (outsink.Bindable, bool) {
	id = id.Canonical()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.outputs[id]
	return s, ok
}

// DeclareOutput records sink as this program's output for id, for the
// connection graph's reverse index to find later. A second call for
// the same id is a no-op returning false, so callers can distinguish
// "first declaration" from "already declared" without a separate check.
func (r *Record) DeclareOutput(id idregistry.StreamId, sink outsink.Bindable) bool {
	id = id.Canonical()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.outputs[id]; exists {
		return false
	}
	r.outputs[id] = sink
	return true
}

// Outputs returns a snapshot of every currently declared output sink,
// keyed by StreamId — used when tearing a program down to unbind every
// sink it owns.
func (r *Record) Outputs() map[idregistry.StreamId]outsink.Bindable {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[idregistry.StreamId]outsink.Bindable, len(r.outputs))
	for k, v := range r.outputs {
		snap[k] = v
	}
	return snap
}

// Spawn allocates an input core of capacity, records its StreamId
// (InputOf(T), per spec.md §4.E step 2), and starts body running on
// its own goroutine. A panic inside body is recovered and treated as
// the body returning that panic's value wrapped in an error — the
// record still ends cleanly and its input core still closes, rather
// than taking the process down (grounded on sumex/workers wrapping
// every Handler.Do call in panics.Defer-style recovery). The spawned
// core does not opt into thread-stealing; use SpawnWithOptions for a
// subprogram that should.
func Spawn[T any](parent context.Context, id idregistry.ProgramId, capacity int, body Body[T], log scenelog.Log) *Record {
	return SpawnWithOptions(parent, id, capacity, false, body, log)
}

// SpawnWithOptions is Spawn with the input core's thread-stealing flag
// under the caller's control, the knob sceneconfig.Config.
// AllowThreadStealingByDefault feeds into add_subprogram.
func SpawnWithOptions[T any](parent context.Context, id idregistry.ProgramId, capacity int, allowThreadStealing bool, body Body[T], log scenelog.Log) *Record {
	if log == nil {
		log = scenelog.Discard
	}

	ctx, cancel := context.WithCancel(parent)
	core := corestream.New[T](capacity)
	core.SetAllowThreadStealing(allowThreadStealing)

	r := &Record{
		id:          id,
		inputStream: idregistry.InputOf(*new(T)).Canonical(),
		input:       core,
		log:         log,
		cancel:      cancel,
		done:        make(chan struct{}),
		outputs:     make(map[idregistry.StreamId]outsink.Bindable),
	}

	go runBody(r, ctx, core, body)

	return r
}

// runBody drives body to completion, marking the record ended and closing
// its done channel however it finishes (normal return, error, or
// recovered panic).
func runBody[T any](r *Record, ctx context.Context, core *corestream.Core[T], body Body[T]) {
	defer func() {
		atomic.StoreInt32(&r.ended, 1)
		core.Close()
		close(r.done)
	}()

	panics.Defer(func() {
		r.runErr = body(ctx, core)
	}, func(rec *panics.Recovered) {
		r.log.Error(r.id.String(), "subprogram.run", rec, "subprogram panicked")
		r.runErr = rec
	})
}
