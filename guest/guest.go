// Package guest is component J of the Scene runtime: the action/result
// tape spec.md §4.J describes for running a subprogram inside a sandbox
// that cannot share memory with the host, exchanging only serialized
// messages.
//
// Grounded on the teacher's JSON-sentry idiom for encoding arbitrary
// payloads to bytes (the same idiom idregistry.JSONCodec already
// supplies as the default Codec) plus original_source/scene/src/guest's
// GuestPollAction/GuestPollResult tapes, adapted to spec.md §4.J's
// trimmed Action/Result vocabulary (Connect/Send/Disconnect/
// ContinuePolling rather than the original's Accepted/Pending variants).
// Bytes are opaque to this package; the mapping to/from host types is
// entirely owned by the idregistry.SerialRegistry + Codec the Scene
// already carries (spec.md §4.J "message encoder ... installed per
// runtime").
package guest

import (
	"context"
	"errors"
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/connect"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/scene"
)

// Handle identifies a guest-side subprogram instance from the host's
// point of view, minted by the host once the guest announces it via
// CreateSubprogram (spec.md §4.J "AssignSubProgram(ProgramId, handle)").
type Handle int

// SinkHandle identifies a host-side sink the guest addresses by handle
// rather than by any host-side identity it cannot see.
type SinkHandle int

// ActionKind enumerates the host → guest tape entries from spec.md
// §4.J.
type ActionKind int

const (
	StartSubProgram ActionKind = iota
	AssignSubProgram
	SendMessage
	ActionReady
)

// Action is one host → guest tape entry. Only the fields relevant to
// Kind are populated.
type Action struct {
	Kind      ActionKind
	Handle    Handle
	ProgramId idregistry.ProgramId
	Bytes     []byte
	Sink      SinkHandle
}

// ResultKind enumerates the guest → host tape entries from spec.md
// §4.J.
type ResultKind int

const (
	CreateSubprogram ResultKind = iota
	EndedSubprogram
	ResultReady
	Connect
	Send
	Disconnect
	Stopped
	ContinuePolling
)

// Result is one guest → host tape entry. Only the fields relevant to
// Kind are populated. A Connect result's Target names the stream it
// wants wired, by the serialization name registered in the Scene's
// SerialRegistry (spec.md §4.J "Guest stream identity crosses the
// boundary as the serialization name only") — the guest never sees a
// host ProgramId, so routing a connected sink's decoded messages is
// resolved exactly like any other external send, through the Scene's
// own connection graph (connect.AnySource() for that stream).
type Result struct {
	Kind      ResultKind
	ProgramId idregistry.ProgramId
	Handle    Handle
	Sink      SinkHandle
	Target    string
	Bytes     []byte
}

// Runtime is what a sandboxed guest implementation must provide: given
// a batch of Actions, produce a batch of Results. This module has no
// real memory-isolated sandbox to run a Runtime inside, so host and
// guest are two Go values in the same process — but the Bridge only
// ever talks to Runtime through Poll, exactly the surface a real
// out-of-process (or WebAssembly) guest would expose.
type Runtime interface {
	Poll(ctx context.Context, actions []Action) []Result
}

// Errors a Bridge can return.
var (
	ErrGuestTerminated     = errors.New("guest: terminated after a protocol violation")
	ErrUnexpectedFirstKind = errors.New("guest: first result after StartSubProgram was not CreateSubprogram")
	ErrStreamMismatch      = errors.New("guest: main subprogram's declared stream does not match the expected type")
)

type pendingToGuest struct {
	handle Handle
	bytes  []byte
}

// Bridge drives a Runtime from the host side of a Scene: it owns the
// flow-control bookkeeping spec.md §4.J requires (no second
// SendMessage(h, …) before Ready(h); no second guest Send(…) on a host
// sink before the host's own Ready) and turns CreateSubprogram/Connect/
// Send/Disconnect results into calls against the host Scene.
type Bridge struct {
	scene *scene.Scene
	rt    Runtime

	mu sync.Mutex

	nextHandle      Handle
	programByHandle map[Handle]idregistry.ProgramId
	handleByProgram map[idregistry.ProgramId]Handle

	guestReady map[Handle]bool
	outbox     map[Handle][]pendingToGuest

	hostSinkTarget map[SinkHandle]*outsink.Sink[interface{}]
	hostSinkDecode map[SinkHandle]func([]byte) (interface{}, error)

	pendingActions []Action
	terminated     bool
	mainProgram    idregistry.ProgramId
}

// NewBridge returns a Bridge driving rt against s.
func NewBridge(s *scene.Scene, rt Runtime) *Bridge {
	return &Bridge{
		scene:           s,
		rt:              rt,
		programByHandle: make(map[Handle]idregistry.ProgramId),
		handleByProgram: make(map[idregistry.ProgramId]Handle),
		guestReady:      make(map[Handle]bool),
		outbox:          make(map[Handle][]pendingToGuest),
		hostSinkTarget:  make(map[SinkHandle]*outsink.Sink[interface{}]),
		hostSinkDecode:  make(map[SinkHandle]func([]byte) (interface{}, error)),
	}
}

// Start performs spec.md §4.J's startup handshake: StartSubProgram(0),
// expecting the first Result to be CreateSubprogram naming the main
// program. expectedName is the serialization name the main subprogram's
// input stream must declare via its first Connect result — a mismatch
// (or any other first Result kind) terminates the guest, per spec.md
// §4.J "the host then asserts the stream id matches the expected
// message type, else the guest is terminated."
func (b *Bridge) Start(ctx context.Context, expectedName string) (idregistry.ProgramId, error) {
	results := b.rt.Poll(ctx, []Action{{Kind: StartSubProgram, Handle: 0}})
	if len(results) == 0 || results[0].Kind != CreateSubprogram {
		b.terminated = true
		return idregistry.ProgramId{}, ErrUnexpectedFirstKind
	}

	created := results[0]

	// The only program in existence this early is the one CreateSubprogram
	// just named, so the first Connect in this same batch is necessarily
	// declaring its main stream.
	if expectedName != "" {
		for _, r := range results[1:] {
			if r.Kind == Connect {
				if r.Target != expectedName {
					b.terminated = true
					return idregistry.ProgramId{}, ErrStreamMismatch
				}
				break
			}
		}
	}

	b.mu.Lock()
	handle := b.nextHandle
	b.nextHandle++
	b.programByHandle[handle] = created.ProgramId
	b.handleByProgram[created.ProgramId] = handle
	b.guestReady[handle] = true
	b.mainProgram = created.ProgramId
	b.mu.Unlock()

	if err := b.applyResults(ctx, results[1:]); err != nil {
		b.terminated = true
		return idregistry.ProgramId{}, err
	}

	return created.ProgramId, b.queueAssign(ctx, handle, created.ProgramId)
}

func (b *Bridge) queueAssign(ctx context.Context, handle Handle, pid idregistry.ProgramId) error {
	results := b.rt.Poll(ctx, []Action{{Kind: AssignSubProgram, Handle: handle, ProgramId: pid}})
	return b.applyResults(ctx, results)
}

// SendToGuest queues the already-encoded bytes for delivery to the
// guest's main subprogram, flushed on the next Poll; it does no encoding
// itself. Queued sends are
// delivered strictly in order and gated by the guest's own Ready
// results (spec.md §4.J "the host must not send SendMessage(h, …)
// again until the guest emits Ready(h)").
func (b *Bridge) SendToGuest(bytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminated {
		return ErrGuestTerminated
	}
	handle, ok := b.handleByProgram[b.mainProgram]
	if !ok {
		return errors.New("guest: main subprogram not yet started")
	}
	b.outbox[handle] = append(b.outbox[handle], pendingToGuest{handle: handle, bytes: bytes})
	return nil
}

// Poll flushes whatever SendToGuest calls and host Ready acknowledgements
// have queued, drives one round of rt.Poll, and applies the results.
// Callers loop on Poll until the guest stops emitting ContinuePolling.
func (b *Bridge) Poll(ctx context.Context) error {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return ErrGuestTerminated
	}

	actions := b.pendingActions
	b.pendingActions = nil

	for handle, queue := range b.outbox {
		if !b.guestReady[handle] {
			continue
		}
		if len(queue) == 0 {
			continue
		}
		next := queue[0]
		b.outbox[handle] = queue[1:]
		b.guestReady[handle] = false
		actions = append(actions, Action{Kind: SendMessage, Handle: handle, Bytes: next.bytes})
	}
	b.mu.Unlock()

	results := b.rt.Poll(ctx, actions)
	return b.applyResults(ctx, results)
}

func (b *Bridge) applyResults(ctx context.Context, results []Result) error {
	for _, r := range results {
		switch r.Kind {
		case CreateSubprogram:
			b.mu.Lock()
			handle := b.nextHandle
			b.nextHandle++
			b.programByHandle[handle] = r.ProgramId
			b.handleByProgram[r.ProgramId] = handle
			b.guestReady[handle] = true
			b.mu.Unlock()
			if err := b.queueAssign(ctx, handle, r.ProgramId); err != nil {
				return err
			}

		case EndedSubprogram:
			b.mu.Lock()
			pid := b.programByHandle[r.Handle]
			delete(b.programByHandle, r.Handle)
			delete(b.handleByProgram, pid)
			delete(b.guestReady, r.Handle)
			delete(b.outbox, r.Handle)
			b.mu.Unlock()

		case ResultReady:
			b.mu.Lock()
			b.guestReady[r.Handle] = true
			b.mu.Unlock()

		case Connect:
			if err := b.connectSink(r); err != nil {
				return err
			}

		case Send:
			b.deliverToHost(ctx, r)
			b.mu.Lock()
			b.pendingActions = append(b.pendingActions, Action{Kind: ActionReady, Sink: r.Sink})
			b.mu.Unlock()

		case Disconnect:
			b.mu.Lock()
			delete(b.hostSinkTarget, r.Sink)
			delete(b.hostSinkDecode, r.Sink)
			b.mu.Unlock()

		case Stopped:
			b.mu.Lock()
			b.terminated = true
			b.mu.Unlock()
			return nil

		case ContinuePolling:
			// Caller's Poll loop keeps going; nothing to apply.
		}
	}
	return nil
}

// connectSink wires a guest-declared sink to whatever the host's own
// connection graph routes r.Target's stream to — the guest names a
// stream by serialization name only, never a host ProgramId, so this
// resolves exactly the way an external SendTo call would (component F),
// using a type-erased Sink[interface{}] since the concrete Go type
// behind r.Target is only known at the registry lookup below.
func (b *Bridge) connectSink(r Result) error {
	token, codec, err := b.scene.SerialRegistry().Lookup(r.Target)
	if err != nil {
		return err
	}

	stream := idregistry.StreamOf(token)
	sink := outsink.New[interface{}]()
	target := b.scene.Graph().Bind(connect.AnySource(), stream, sink)
	b.scene.Apply(sink, stream, target)

	b.mu.Lock()
	b.hostSinkTarget[r.Sink] = sink
	b.hostSinkDecode[r.Sink] = codec.Decode
	b.mu.Unlock()
	return nil
}

func (b *Bridge) deliverToHost(ctx context.Context, r Result) {
	b.mu.Lock()
	sink := b.hostSinkTarget[r.Sink]
	decode := b.hostSinkDecode[r.Sink]
	b.mu.Unlock()

	if sink == nil || decode == nil {
		return
	}
	msg, err := decode(r.Bytes)
	if err != nil {
		return
	}
	sink.Send(ctx, msg)
}

// Terminated reports whether the bridge has stopped driving the guest,
// either because it emitted Stopped or because a protocol violation was
// observed.
func (b *Bridge) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}
