package scene

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Logicalshift/flo-scene-sub002/connect"
	"github.com/Logicalshift/flo-scene-sub002/corestream"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/subprogram"
)

// ErrNoCurrentSender is returned by ReplyWith when the subprogram's
// input was not consumed in "with sources" mode (see Sourced, PopSourced)
// so there is no sender to reply to.
var ErrNoCurrentSender = errors.New("scene: no current sender to reply to")

// Body is a subprogram's entry point under the Scene façade: spec.md
// §4.H's per-task context, alongside the stdlib context and the raw
// input core subprogram.Body already provides.
type Body[T any] func(ctx context.Context, tc *Context, in *corestream.Core[T]) error

// Context is the per-task context handed to every subprogram body,
// grounded on pub.Ctx (github.com/influx6/faux/pub): current_program_id,
// send/send_message/reply_with, and the spawn_command/spawn_query
// helpers from spec.md §4.H.
type Context struct {
	scene *Scene
	id    idregistry.ProgramId
	goCtx context.Context

	recCh   chan *subprogram.Record
	recOnce sync.Once
	rec     *subprogram.Record

	// guard is entered against this program's own input core for the
	// entire lifetime of its body (see AddSubprogram), so a genuinely
	// self-directed TrySendImmediate/SendImmediate issued from inside a
	// running body — not just a manually-constructed test guard — is
	// caught as reentrant rather than racing its own Pop loop.
	guard *corestream.PollGuard

	spawnSeq int64

	mu    sync.Mutex
	sinks map[idregistry.StreamId]interface{}

	currentSender idregistry.ProgramId
	hasSender     bool
}

// CurrentProgramId returns the identity of the subprogram this context
// belongs to.
func (c *Context) CurrentProgramId() idregistry.ProgramId { return c.id }

// Ctx returns the stdlib context governing this subprogram's body,
// cancelled when the program is stopped or the scene shuts down — the
// deadline callers outside this package (e.g. the query package's
// Respond) should pass to Sink.Send.
func (c *Context) Ctx() context.Context { return c.goCtx }

func (c *Context) record() *subprogram.Record {
	c.recOnce.Do(func() { c.rec = <-c.recCh })
	return c.rec
}

// Sourced wraps a message with its sender's identity, the shape a
// subprogram declares as its input type to opt into "with sources"
// mode (spec.md §4.H reply_with: "requires the input to be consumed in
// with sources mode").
type Sourced[T any] struct {
	From idregistry.ProgramId
	Msg  T
}

// PopSourced pops the next Sourced[T] from in, recording its sender so
// a subsequent ReplyWith can address it, and returns the unwrapped
// message alongside the usual PopState. Called only from the body's
// own goroutine, same as in.Pop() itself.
func PopSourced[T any](tc *Context, in *corestream.Core[Sourced[T]]) (T, corestream.PopState) {
	msg, st := in.Pop()
	if st != corestream.Ready {
		var zero T
		return zero, st
	}
	tc.currentSender = msg.From
	tc.hasSender = true
	return msg.Msg, st
}

// AddSubprogram starts body as a new subprogram identified by id and
// registers it in s's process table, handing it a fresh Context. A
// capacity <= 0 falls back to s's configured default input-core
// capacity (sceneconfig.Config.DefaultInputCapacity); the input core
// starts with s's configured thread-stealing default
// (AllowThreadStealingByDefault).
func AddSubprogram[T any](s *Scene, id idregistry.ProgramId, capacity int, body Body[T]) *subprogram.Record {
	tc := &Context{
		scene: s,
		id:    id,
		recCh: make(chan *subprogram.Record, 1),
		sinks: make(map[idregistry.StreamId]interface{}),
	}

	wrapped := func(ctx context.Context, in *corestream.Core[T]) error {
		tc.goCtx = ctx

		// Mark this program's own input as "being polled" for as long as
		// its body runs. A body that turns around and targets itself with
		// TrySendImmediate/SendImmediate (via the helpers below) then hits
		// this same guard and is correctly refused as reentrant, instead
		// of the guard only ever being populated by an external caller.
		guard := corestream.NewPollGuard()
		exit, _ := guard.Enter(in)
		defer exit()
		tc.guard = guard

		return body(ctx, tc, in)
	}

	rec := subprogram.SpawnWithOptions(s.rootCtx, id, s.resolveCapacity(capacity), s.cfg.AllowThreadStealingByDefault, wrapped, s.log)
	tc.recCh <- rec

	s.wg.Add(1)
	s.table.Register(rec, func(r *subprogram.Record) {
		for _, sink := range r.Outputs() {
			s.graph.Unbind(sink)
			s.teardownFilterBinding(sink)
		}
		s.notifyEnded(r)
		s.wg.Done()
	})

	return rec
}

func outputFor[T any](c *Context, stream idregistry.StreamId) *outsink.Sink[T] {
	stream = stream.Canonical()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sinks[stream]; ok {
		return existing.(*outsink.Sink[T])
	}

	sink := bindSink[T](c.scene, connect.FromProgram(c.id), stream)
	c.record().DeclareOutput(stream, sink)
	c.sinks[stream] = sink
	return sink
}

// Send returns this program's declared Sink<T> directed at target,
// resolved through the connection graph and memoized for the life of
// the subprogram (spec.md §4.H "send<T>(target) → Sink<T>").
func Send[T any](tc *Context, target idregistry.ProgramId) *outsink.Sink[T] {
	stream := idregistry.InputOf(*new(T)).DirectedAt(target)
	return outputFor[T](tc, stream)
}

// SendMessage sends msg on this program's default outgoing stream of
// type T, blocking until it is delivered, discarded, or tc's context
// is done (spec.md §4.H "send_message<T>(msg) — convenience to default
// target").
func SendMessage[T any](tc *Context, msg T) error {
	stream := idregistry.InputOf(*new(T))
	sink := outputFor[T](tc, stream)
	return sink.Send(tc.goCtx, msg)
}

// TrySendImmediate attempts a synchronous, non-blocking send on sink
// using tc's own poll guard (see AddSubprogram), so a body that directs
// an immediate send back at its own input is refused as reentrant rather
// than racing its own Pop loop. The guard holds only this program's own
// input core; a send issued from another program's body is checked
// against that body's own guard. Prefer this
// over calling sink.TrySendImmediate with a guard built by hand.
func TrySendImmediate[T any](tc *Context, sink *outsink.Sink[T], msg T) outsink.TryResult {
	return sink.TrySendImmediate(tc.guard, msg)
}

// SendImmediate is TrySendImmediate's counterpart for targets that
// opted into thread-stealing (corestream.Handle.AllowsThreadStealing),
// distinguishing ImmediateNotConnected/ImmediateNotPermitted/
// ImmediateFull/ImmediateClosed outcomes. See TrySendImmediate for why
// tc's own guard should be used instead of a fresh one.
func SendImmediate[T any](tc *Context, sink *outsink.Sink[T], msg T) outsink.ImmediateResult {
	return sink.SendImmediate(tc.guard, msg)
}

// ReplyWith sends msg to the program that sent the message currently
// being processed, per the most recent PopSourced call. Returns
// ErrNoCurrentSender if the input was never consumed in "with sources"
// mode.
func ReplyWith[T any](tc *Context, msg T) error {
	if !tc.hasSender {
		return ErrNoCurrentSender
	}
	sink := Send[T](tc, tc.currentSender)
	return sink.Send(tc.goCtx, msg)
}

// SpawnCommand starts body as a helper subprogram with a task id
// derived from tc's own program id (spec.md §3 "Subprogram identity"),
// feeds it the single input value, and returns the stream of output
// values the helper produces — a private point-to-point pipe bound
// directly to the helper's own output sink, bypassing the connection
// graph entirely, since this plumbing is never a named Scene route
// (spec.md §4.H "starts a helper process ... whose output is returned
// as a stream to the caller").
func SpawnCommand[In, Out any](tc *Context, body func(ctx context.Context, in *corestream.Core[In], out *outsink.Sink[Out]) error, input In) *corestream.Core[Out] {
	seq := atomic.AddInt64(&tc.spawnSeq, 1)
	taskId := tc.id.Task(int(seq))

	outCore := corestream.New[Out](8)
	outSink := outsink.New[Out]()
	outSink.Bind(outCore)

	wrapped := func(ctx context.Context, in *corestream.Core[In]) error {
		return body(ctx, in, outSink)
	}

	rec := subprogram.SpawnWithOptions(tc.scene.rootCtx, taskId, 1, tc.scene.cfg.AllowThreadStealingByDefault, wrapped, tc.scene.log)

	tc.scene.wg.Add(1)
	tc.scene.table.Register(rec, func(*subprogram.Record) {
		outCore.Close()
		tc.scene.wg.Done()
	})

	rec.Input().PushAny(input)
	rec.Input().Close()

	return outCore
}

// QueryStream is the result of SpawnQuery: the stream of reply messages
// observed at the derived reply-to program, plus a Stop func the
// caller should invoke once it no longer needs replies (spec.md §4.H
// "the helper's lifetime is bounded by the response stream" — since Go
// has no reliable finalizer-driven teardown, this module makes that
// bound explicit via Stop rather than relying on garbage collection).
type QueryStream[Reply any] struct {
	Replies *corestream.Core[Reply]
	Stop    func()
}

// SpawnQuery derives a fresh reply-to program id from tc, builds the
// request via makeRequest(replyTo), sends it to target, and relays
// every message the reply-to program receives into the returned
// QueryStream — grounded on mque.Qu's one-shot typed drain
// (github.com/influx6/faux/mque), generalized from a single value to a
// stream of reply items (component I elaborates the receiving side of
// this convention for ordinary fan-out subscribers).
func SpawnQuery[Req, Reply any](tc *Context, target idregistry.ProgramId, makeRequest func(replyTo idregistry.ProgramId) Req) QueryStream[Reply] {
	seq := atomic.AddInt64(&tc.spawnSeq, 1)
	replyTo := tc.id.Task(int(seq))

	replies := corestream.New[Reply](8)

	helper := AddSubprogram[Reply](tc.scene, replyTo, 8, func(ctx context.Context, _ *Context, in *corestream.Core[Reply]) error {
		waker := make(chan struct{}, 1)
		in.SetConsumerWaker(wakeFunc(func() {
			select {
			case waker <- struct{}{}:
			default:
			}
		}))
		defer replies.Close()

		for {
			msg, st := in.Pop()
			switch st {
			case corestream.Ready:
				replies.Push(msg)
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

	// The reply-to program id is minted fresh for this call, so no host
	// ever declares a connect_programs rule for it; wire the one route it
	// needs (its own Reply stream, directed at itself) automatically.
	tc.scene.ConnectPrograms(connect.AnySource(), idregistry.InputOf(*new(Reply)).DirectedAt(replyTo), connect.ToProgram(replyTo))

	req := makeRequest(replyTo)
	sink := Send[Req](tc, target)
	go sink.Send(tc.goCtx, req)

	return QueryStream[Reply]{
		Replies: replies,
		Stop:    helper.Stop,
	}
}

type wakeFunc func()

func (w wakeFunc) Wake() { w() }
