// Package scheduler is component G of the Scene runtime: the process
// table spec.md §4.G describes, plus the bookkeeping that ties a
// subprogram's lifetime to the table's view of it.
//
// spec.md §9 "Futures-as-processes" explicitly allows substituting any
// underlying async runtime for the hand-rolled wake-bit executor, as
// long as §5's invariants hold — this module takes that option: each
// subprogram (component E) already runs on its own goroutine, so the
// Go runtime's own scheduler plays the role of "N worker threads
// polling awake processes". What remains for this package, grounded on
// workers.worker's manage() loop (github.com/influx6/faux/workers) —
// which periodically collects Stats() and reaps/grows workers — is the
// process *table* itself: a registry subprograms can be looked up in
// by id, aggregate stats analogous to workers.Stat, automatic reaping
// once a subprogram's Done() channel closes, and a PollGuard factory
// for the thread-stealing send path (spec.md §4.G "Reentrancy is
// prevented by a per-thread stack of currently-polling input cores" —
// corestream.PollGuard, one per top-level external call).
package scheduler

import (
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/corestream"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/scenetrace"
	"github.com/Logicalshift/flo-scene-sub002/subprogram"
)

// Stats mirrors workers.Stat's shape: a snapshot of the table's
// population, scoped to what a process table (rather than an
// autoscaling pool) tracks.
type Stats struct {
	Registered int
	Running    int
	Ended      int
}

// Table is the process table: every live subprogram.Record, reachable
// by ProgramId, reaped automatically once its body returns.
type Table struct {
	mu    sync.RWMutex
	procs map[idregistry.ProgramId]*subprogram.Record
	ended int
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{procs: make(map[idregistry.ProgramId]*subprogram.Record)}
}

// Register adds rec to the table and arms automatic reaping: once
// rec.Done() closes, rec is removed from the table and onEnded (if
// non-nil) is called with it — the hook the Scene façade (component H)
// uses to tear down a program's declared output sinks via the
// connection graph's Unbind.
func (t *Table) Register(rec *subprogram.Record, onEnded func(*subprogram.Record)) {
	t.mu.Lock()
	t.procs[rec.Id()] = rec
	t.mu.Unlock()

	go func() {
		<-rec.Done()

		t.mu.Lock()
		delete(t.procs, rec.Id())
		t.ended++
		t.mu.Unlock()

		if onEnded != nil {
			onEnded(rec)
		}
	}()
}

// Lookup returns the record registered for id, if it is still live.
func (t *Table) Lookup(id idregistry.ProgramId) (*subprogram.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.procs[id]
	return r, ok
}

// Stop looks up id and stops it, reporting whether a live record was
// found (spec.md §4.H "stop_program").
func (t *Table) Stop(id idregistry.ProgramId) bool {
	rec, ok := t.Lookup(id)
	if !ok {
		return false
	}
	rec.Stop()
	return true
}

// Each calls fn for a snapshot of every currently live record, used by
// the Scene façade's Run (once its context is done) and Shutdown to
// Stop every program, and by its Programs introspection.
func (t *Table) Each(fn func(*subprogram.Record)) {
	t.mu.RLock()
	snap := make([]*subprogram.Record, 0, len(t.procs))
	for _, r := range t.procs {
		snap = append(snap, r)
	}
	t.mu.RUnlock()

	for _, r := range snap {
		fn(r)
	}
}

// Stats reports the table's current population.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	running := 0
	for _, r := range t.procs {
		if !r.Ended() {
			running++
		}
	}

	return Stats{
		Registered: len(t.procs) + t.ended,
		Running:    running,
		Ended:      t.ended,
	}
}

// Diagnose captures a snapshot of every goroutine's stack, tagged with
// id, for a caller that suspects the named program is stuck — parked on
// an input core that never wakes, or a sink whose target never
// connects. Whether id is still registered has no bearing on the
// snapshot itself; the tag is purely for the reader of the dump.
func (t *Table) Diagnose(id idregistry.ProgramId) scenetrace.Snapshot {
	return scenetrace.Capture(id.String())
}

// NewPollGuard returns a fresh reentrancy guard, one per top-level
// external call that may perform a thread-stealing send (spec.md
// §4.G): a send_immediate originating outside any subprogram's own
// poll loop starts a new guard, exactly as a new physical thread would
// start with an empty currently-polling stack.
func (t *Table) NewPollGuard() *corestream.PollGuard {
	return corestream.NewPollGuard()
}
