// Package scene is component H of the Scene runtime: the façade that
// owns the process table (G), the connection graph (F) and the
// serialization registry (A), plus the per-task Context handed to
// every subprogram body.
//
// Grounded on sumex.New/workers.New's constructor shape (an options
// struct with sane defaults, returning a single handle that owns every
// subordinate piece) and pub.Ctx for the per-task context surface.
package scene

import (
	"context"
	"errors"
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/connect"
	"github.com/Logicalshift/flo-scene-sub002/corestream"
	"github.com/Logicalshift/flo-scene-sub002/filter"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/panics"
	"github.com/Logicalshift/flo-scene-sub002/sceneconfig"
	"github.com/Logicalshift/flo-scene-sub002/scenelog"
	"github.com/Logicalshift/flo-scene-sub002/scenetrace"
	"github.com/Logicalshift/flo-scene-sub002/scheduler"
	"github.com/Logicalshift/flo-scene-sub002/subprogram"
)

// Errors returned by ConnectPrograms, matching spec.md §4.H's Scene API
// error list (FilterInputDoesNotMatch/FilterOutputDoesNotMatch are
// filter.ErrInputDoesNotMatch/ErrOutputDoesNotMatch, reused directly;
// Cancelled is outsink.ErrCancelled).
var (
	ErrTargetNotInScene = errors.New("scene: target program is not registered in this scene")
	ErrWrongInputType   = errors.New("scene: target program's input type does not match the connected stream")
)

// Scene is the runtime container: every add_subprogram'd program, the
// connection graph wiring them together, and the serialization
// registry used at the guest boundary.
type Scene struct {
	log    scenelog.Log
	cfg    sceneconfig.Config
	table  *scheduler.Table
	graph  *connect.Graph
	serial *idregistry.SerialRegistry

	rootCtx    context.Context
	rootCancel context.CancelFunc

	wg sync.WaitGroup

	mu          sync.Mutex
	defaultCodc idregistry.Codec
	defaultProg map[idregistry.TypeToken]idregistry.ProgramId
	defaultInit map[idregistry.TypeToken]func(*Scene) idregistry.ProgramId
	defaultOnce map[idregistry.TypeToken]*sync.Once

	errorCollector    idregistry.ProgramId
	hasErrorCollector bool

	filterMu       sync.Mutex
	filterBindings map[outsink.Bindable]*filterBinding
}

// filterBinding is the materialised filter.Process currently wired
// behind one sink, remembered so a repeated identical ConnectPrograms
// call (Testable Property 5: connection idempotence) reuses it instead
// of materialising — and leaking the goroutine and core behind — a
// second instance every time the same rule is re-applied.
type filterBinding struct {
	handle  *filter.Handle
	program idregistry.ProgramId
	cancel  context.CancelFunc
}

// New returns an empty Scene built with sceneconfig.Default(). A nil log
// installs scenelog.Discard.
func New(log scenelog.Log) *Scene {
	return NewWithConfig(log, sceneconfig.Default())
}

// NewWithConfig is New with an explicit Config — the default input-core
// capacity AddSubprogram falls back to when given capacity <= 0, and the
// thread-stealing default every subprogram's input core starts with
// unless overridden per-call (spec.md §3 Input stream core invariant 4).
func NewWithConfig(log scenelog.Log, cfg sceneconfig.Config) *Scene {
	if log == nil {
		log = scenelog.Discard
	}

	rootCtx, cancel := context.WithCancel(context.Background())

	s := &Scene{
		log:         log,
		cfg:         cfg,
		table:       scheduler.NewTable(),
		serial:      idregistry.NewSerialRegistry(),
		rootCtx:     rootCtx,
		rootCancel:  cancel,
		defaultProg: make(map[idregistry.TypeToken]idregistry.ProgramId),
		defaultInit: make(map[idregistry.TypeToken]func(*Scene) idregistry.ProgramId),
		defaultOnce: make(map[idregistry.TypeToken]*sync.Once),

		filterBindings: make(map[outsink.Bindable]*filterBinding),
	}
	s.graph = connect.New(s)
	return s
}

// WithSerializer installs codec as the default Codec for every message
// type registered afterwards via WithSerializableType that does not
// pass its own.
func (s *Scene) WithSerializer(codec idregistry.Codec) *Scene {
	s.mu.Lock()
	s.defaultCodc = codec
	s.mu.Unlock()
	return s
}

// WithSerializableType registers T under the stable cross-process name,
// per spec.md §4.H. T's default codec is idregistry.JSONCodec[T] unless
// WithSerializer installed a different one.
func WithSerializableType[T any](s *Scene, name string) error {
	var zero T
	token := idregistry.TypeOf(zero)

	s.mu.Lock()
	codec := s.defaultCodc
	s.mu.Unlock()
	if codec == nil {
		codec = idregistry.JSONCodec[T]()
	}

	return s.serial.Register(name, token, codec)
}

// RegisterDefaultInitializer installs init as T's default-target
// initializer hook (spec.md §3 "Default-target resolution"): invoked
// at most once, the first time a sink directed at the Default target
// needs T resolved and no default program has been installed yet.
func RegisterDefaultInitializer[T any](s *Scene, init func(*Scene) idregistry.ProgramId) {
	var zero T
	token := idregistry.TypeOf(zero)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultInit[token] = init
	s.defaultOnce[token] = &sync.Once{}
}

// SetDefaultProgram installs p directly as T's default target, bypassing
// any initializer hook — the path a system program uses to self-install
// once it has already started.
func SetDefaultProgram[T any](s *Scene, p idregistry.ProgramId) {
	var zero T
	token := idregistry.TypeOf(zero)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultProg[token] = p
}

func (s *Scene) resolveDefault(token idregistry.TypeToken) (idregistry.ProgramId, bool) {
	s.mu.Lock()
	if p, ok := s.defaultProg[token]; ok {
		s.mu.Unlock()
		return p, true
	}
	once, hasInit := s.defaultOnce[token]
	init := s.defaultInit[token]
	s.mu.Unlock()

	if !hasInit {
		return idregistry.ProgramId{}, false
	}

	once.Do(func() {
		p := init(s)
		s.mu.Lock()
		s.defaultProg[token] = p
		s.mu.Unlock()
	})

	s.mu.Lock()
	p, ok := s.defaultProg[token]
	s.mu.Unlock()
	return p, ok
}

// StopProgram stops the program identified by id, reporting whether it
// was found running in this scene.
func (s *Scene) StopProgram(id idregistry.ProgramId) bool {
	return s.table.Stop(id)
}

// ConnectPrograms installs the rule `(source, stream) → target`,
// validating target against the process table and, for a Filtered
// target, against the filter's declared input/output types.
func (s *Scene) ConnectPrograms(source connect.Source, stream idregistry.StreamId, target connect.Target) error {
	switch target.Kind {
	case connect.TargetProgram:
		rec, ok := s.table.Lookup(target.Program)
		if !ok {
			return ErrTargetNotInScene
		}
		if rec.InputStreamId().Type != stream.Type {
			return ErrWrongInputType
		}
	case connect.TargetFiltered:
		rec, ok := s.table.Lookup(target.Program)
		if !ok {
			return ErrTargetNotInScene
		}
		if err := target.Filter.CheckTypes(stream.Type, rec.InputStreamId().Type); err != nil {
			return err
		}
	}

	s.graph.Connect(source, stream, target)
	s.log.User(source, "scene.connect", "connected stream %s", stream.String())
	return nil
}

// Disconnect removes the rule `(source, stream) → *` entirely.
func (s *Scene) Disconnect(source connect.Source, stream idregistry.StreamId) {
	s.graph.Disconnect(source, stream)
}

func bindSink[T any](s *Scene, source connect.Source, stream idregistry.StreamId) *outsink.Sink[T] {
	sink := outsink.New[T]()
	target := s.graph.Bind(source, stream, sink)
	s.Apply(sink, stream, target)
	return sink
}

// SendTo returns a Sink<T> resolved via the connection graph on behalf
// of source, for messages of type T — the entry point external code
// (not running as a subprogram body) uses to inject messages into the
// scene (spec.md §4.H "send_to(target) → Sink<T>").
func SendTo[T any](s *Scene, source connect.Source) *outsink.Sink[T] {
	var zero T
	stream := idregistry.InputOf(zero)
	return bindSink[T](s, source, stream)
}

// Apply implements connect.Notifier: it turns a freshly resolved Target
// into a concrete action against sink. Bound as the Scene's own
// connect.Notifier so both the initial Bind and every later Connect
// re-notification share one code path.
func (s *Scene) Apply(sink outsink.Bindable, stream idregistry.StreamId, target connect.Target) {
	if target.Kind != connect.TargetFiltered {
		s.teardownFilterBinding(sink)
	}

	switch target.Kind {
	case connect.TargetNone:
		sink.Unbind()

	case connect.TargetDiscard:
		sink.SetDiscard()

	case connect.TargetProgram:
		rec, ok := s.table.Lookup(target.Program)
		if !ok {
			sink.Teardown(outsink.ErrTargetGone)
			return
		}
		sink.Bind(rec.Input())

	case connect.TargetFiltered:
		rec, ok := s.table.Lookup(target.Program)
		if !ok {
			s.teardownFilterBinding(sink)
			sink.Teardown(outsink.ErrTargetGone)
			return
		}

		s.filterMu.Lock()
		existing := s.filterBindings[sink]
		if existing != nil && existing.handle == target.Filter && existing.program == target.Program {
			s.filterMu.Unlock()
			// Re-applying the same (filter, target) pair this sink is
			// already wired through (Testable Property 5): the
			// previously materialised instance is still running and
			// still bound, so there is nothing to do. Materialising a
			// second instance here would orphan the first one's
			// goroutine and whatever it had buffered.
			return
		}
		s.filterMu.Unlock()

		// A genuine retarget (new filter, or the same filter routed to
		// a different downstream program): stop whatever instance this
		// sink previously ran through before starting a new one.
		s.teardownFilterBinding(sink)

		instCtx, cancel := context.WithCancel(s.rootCtx)
		inst := target.Filter.Materialize(s.log)
		go inst.Run(instCtx)
		inst.Output().Bind(rec.Input())
		sink.Bind(inst.Input())

		s.filterMu.Lock()
		s.filterBindings[sink] = &filterBinding{handle: target.Filter, program: target.Program, cancel: cancel}
		s.filterMu.Unlock()

	case connect.TargetDefault:
		prog, ok := s.resolveDefault(stream.Type)
		if !ok {
			sink.Unbind()
			return
		}
		rec, ok := s.table.Lookup(prog)
		if !ok {
			sink.Teardown(outsink.ErrTargetGone)
			return
		}
		sink.Bind(rec.Input())
	}
}

// teardownFilterBinding cancels and forgets any filter.Process
// previously materialised for sink, e.g. because its route was
// retargeted away from Filtered, pointed at a different filter or
// program, or the sink itself is being retired. A no-op if sink never
// had one. Cancelling instCtx unblocks the instance's Run loop, which
// closes its own input core on the way out — any message still
// in-flight to it observes ErrTargetClosed rather than vanishing.
func (s *Scene) teardownFilterBinding(sink outsink.Bindable) {
	s.filterMu.Lock()
	fb, ok := s.filterBindings[sink]
	if ok {
		delete(s.filterBindings, sink)
	}
	s.filterMu.Unlock()

	if ok {
		fb.cancel()
	}
}

// Run blocks until every subprogram added to the scene has ended, or
// ctx is done, whichever comes first — spec.md §4.H "run_scene() →
// Future". Cancelling ctx stops every still-running program.
func (s *Scene) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.table.Each(func(r *subprogram.Record) { r.Stop() })
		<-done
		return ctx.Err()
	}
}

// Shutdown stops every running program and cancels the scene's root
// context, used by tests and host shutdown paths that cannot wait for
// Run to return naturally.
func (s *Scene) Shutdown() {
	s.table.Each(func(r *subprogram.Record) { r.Stop() })
	s.rootCancel()
}

// resolveCapacity substitutes the Scene's configured default input-core
// capacity for a caller-supplied capacity <= 0.
func (s *Scene) resolveCapacity(capacity int) int {
	if capacity > 0 {
		return capacity
	}
	return s.cfg.DefaultInputCapacity
}

// Diagnose captures a snapshot of every goroutine's stack, tagged with
// id, and reports it at Error level — the tool a caller reaches for
// once it suspects a named program is stuck rather than merely slow.
func (s *Scene) Diagnose(id idregistry.ProgramId) scenetrace.Snapshot {
	snap := s.table.Diagnose(id)
	s.log.Error(id.String(), "scene.diagnose", nil, "%s", snap.String())
	return snap
}

// SceneEventKind distinguishes why a SceneEvent was delivered.
type SceneEventKind int

const (
	// ProgramStopped means the program ended normally (its own choice,
	// or StopProgram/Shutdown cancelled it) — spec.md §7 "a stopped
	// program appears in the event stream of the control program as
	// Stopped(id)". Err carries any error the body returned.
	ProgramStopped SceneEventKind = iota
	// ProgramPanicked means the program's body panicked; Err carries the
	// recovered value (a *panics.Recovered). A filter's panic is logged
	// by the filter and not reported here.
	ProgramPanicked
)

// SceneEvent is delivered to the scene's default error collector, if
// one was installed via WithDefaultErrorCollector, once for every
// program started with AddSubprogram that ends (SpawnCommand helpers
// are not reported) — grounded on
// original_source's default error-collector subprogram, read during the
// spec expansion (SPEC_FULL.md §11), still within spec.md §7's own
// "stopped program appears in the event stream of the control program"
// contract.
type SceneEvent struct {
	Kind    SceneEventKind
	Program idregistry.ProgramId
	Err     error
}

// notifyEnded reports rec's completion to the installed error
// collector, if any. Called once per ended program from the table's
// onEnded hook (context.go's AddSubprogram); a no-op if no collector was
// installed, or if rec is the collector itself (it cannot report on its
// own end).
func (s *Scene) notifyEnded(rec *subprogram.Record) {
	s.mu.Lock()
	collector, ok := s.errorCollector, s.hasErrorCollector
	s.mu.Unlock()

	if !ok || collector.Equal(rec.Id()) {
		return
	}

	ev := SceneEvent{Kind: ProgramStopped, Program: rec.Id()}
	if err := rec.Err(); err != nil {
		if _, panicked := err.(*panics.Recovered); panicked {
			ev.Kind = ProgramPanicked
		}
		ev.Err = err
	}

	if target, ok := s.table.Lookup(collector); ok {
		target.Input().PushAny(ev)
	}
}

// Programs returns a snapshot of every currently live program id,
// grounded on original_source/pipe/src/standard_json_commands/
// list_subprograms.rs's introspection, read during the spec expansion
// (SPEC_FULL.md §11) minus the JSON/command-pipe framing that stays out
// of scope.
func (s *Scene) Programs() []idregistry.ProgramId {
	var ids []idregistry.ProgramId
	s.table.Each(func(r *subprogram.Record) {
		ids = append(ids, r.Id())
	})
	return ids
}

// Connections returns a snapshot of every currently installed
// connect_programs rule, the list_connections-shaped counterpart to
// Programs (SPEC_FULL.md §11).
func (s *Scene) Connections() []connect.Rule {
	return s.graph.Rules()
}

// Table exposes the underlying process table, needed by query/guest
// components that must look a program up directly.
func (s *Scene) Table() *scheduler.Table { return s.table }

// Graph exposes the underlying connection graph.
func (s *Scene) Graph() *connect.Graph { return s.graph }

// SerialRegistry exposes the serialization-name registry.
func (s *Scene) SerialRegistry() *idregistry.SerialRegistry { return s.serial }

// WithDefaultErrorCollector adds an opt-in default subprogram that logs
// every SceneEvent the scene reports (every other program ending,
// normally or via a recovered panic) through s's own scenelog.Log, and
// returns the collector's ProgramId. Events are pushed straight into the
// installed collector's input core; they do not pass through the
// connection graph or SceneEvent's default target. Calling this twice
// replaces the previously installed collector as the receiver of events.
func WithDefaultErrorCollector(s *Scene) idregistry.ProgramId {
	id := idregistry.New()

	AddSubprogram[SceneEvent](s, id, 32, func(ctx context.Context, tc *Context, in *corestream.Core[SceneEvent]) error {
		waker := make(chan struct{}, 1)
		in.SetConsumerWaker(wakeFunc(func() {
			select {
			case waker <- struct{}{}:
			default:
			}
		}))

		for {
			ev, st := in.Pop()
			switch st {
			case corestream.Ready:
				if ev.Kind == ProgramPanicked {
					s.log.Error(ev.Program.String(), "scene.error-collector", ev.Err, "program ended after a panic")
				} else {
					s.log.User(ev.Program.String(), "scene.error-collector", "program stopped")
				}
			case corestream.Drained:
				return nil
			case corestream.Pending:
				select {
				case <-waker:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	s.mu.Lock()
	s.errorCollector = id
	s.hasErrorCollector = true
	s.mu.Unlock()

	return id
}
