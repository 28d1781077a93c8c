// Package idregistry is component A of the Scene runtime: stable
// identifiers for programs, streams and filters, name<->id interning,
// and the serialization-name registry used to cross process/guest
// boundaries.
//
// Interning and the serialization registry are process-wide but
// append-only, so — as spec.md §9 "Global state" requires — they
// behave like static tables rather than mutable globals: once a name
// or serialization entry is registered it is never removed or
// reassigned. Grounded on mque.MQue's mutex-guarded append-only
// subscriber slice and pubro's Register/Get/Has singleton-registry
// idiom (github.com/influx6/faux/mque, github.com/influx6/faux/pubro),
// generalized from "named constructors" to "named types".
package idregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// ErrUnknownType is returned when a lookup by serialization name finds
// no registered entry.
var ErrUnknownType = errors.New("idregistry: unknown type")

// ErrAlreadyRegistered is returned when a serialization name is
// registered a second time with a different type, which would break the
// append-only guarantee cross-process peers rely on. Codecs are not
// compared.
var ErrAlreadyRegistered = errors.New("idregistry: serialization name already registered with a different type")

//==============================================================================
// Name interning
//==============================================================================

// Symbol is a dense integer standing in for an interned string, stable
// for the lifetime of the process. Comparing two Symbols is a plain
// integer compare, which is why ProgramId and StreamId prefer them over
// raw strings on the hot send/connect paths.
type Symbol int

// Interner maps strings to dense Symbols and back. The zero Interner is
// not usable; use NewInterner.
type Interner struct {
	mu      sync.RWMutex
	bySym   []string
	byName  map[string]Symbol
}

// NewInterner returns an empty, ready-to-use Interner.
func NewInterner() *Interner {
	return &Interner{byName: make(map[string]Symbol)}
}

// Intern returns the Symbol for name, minting a new one on first use.
func (in *Interner) Intern(name string) Symbol {
	in.mu.RLock()
	if s, ok := in.byName[name]; ok {
		in.mu.RUnlock()
		return s
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	// Re-check: another goroutine may have interned name while we
	// waited for the write lock.
	if s, ok := in.byName[name]; ok {
		return s
	}

	s := Symbol(len(in.bySym))
	in.bySym = append(in.bySym, name)
	in.byName[name] = s
	return s
}

// Name returns the string a Symbol was interned from. Panics if sym was
// never minted by this Interner — a Symbol is only ever meaningful
// relative to the Interner that produced it.
func (in *Interner) Name(sym Symbol) string {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if int(sym) < 0 || int(sym) >= len(in.bySym) {
		panic(fmt.Sprintf("idregistry: symbol %d not interned", sym))
	}
	return in.bySym[sym]
}

// global is the process-wide interner used by ProgramId's well-known
// names and StreamId's type tokens, matching spec.md §9's "process-wide,
// append-only" global-state rule.
var global = NewInterner()

// Global returns the process-wide Interner.
func Global() *Interner { return global }

//==============================================================================
// Runtime type identity
//==============================================================================

// TypeToken is the runtime identity of a message type: two TypeTokens
// compare equal iff the Go types they were derived from are identical.
type TypeToken struct {
	sym Symbol
}

var (
	typeTokenMu sync.Mutex
	typeTokens  = map[reflect.Type]TypeToken{}
)

// TypeOf returns the stable TypeToken for v's dynamic type, minting one
// on first use. Passing a nil interface panics — a message must have a
// concrete type to carry runtime identity.
func TypeOf(v interface{}) TypeToken {
	return TokenForType(reflect.TypeOf(v))
}

// TokenForType is TypeOf for an already-resolved reflect.Type.
func TokenForType(t reflect.Type) TypeToken {
	if t == nil {
		panic("idregistry: cannot derive a TypeToken for a nil type")
	}

	typeTokenMu.Lock()
	defer typeTokenMu.Unlock()

	if tok, ok := typeTokens[t]; ok {
		return tok
	}

	tok := TypeToken{sym: global.Intern(fmt.Sprintf("type:%s#%d", t.String(), len(typeTokens)))}
	typeTokens[t] = tok
	return tok
}

// String renders the TypeToken's interned name, useful for logging and
// error messages.
func (t TypeToken) String() string { return global.Name(t.sym) }

//==============================================================================
// Serialization-name registry
//==============================================================================

// Codec encodes and decodes a single message type to/from the opaque
// bytes that cross a guest boundary (see the guest package). The
// default is JSONCodec[T], which scene.WithSerializableType applies
// when no other codec was installed.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(b []byte) (interface{}, error)
}

// jsonCodec is the default Codec every message type gets unless a host
// installs a bespoke one, grounded on the teacher's own JSON-sentry
// idiom for encoding arbitrary payloads to bytes.
type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(b []byte) (interface{}, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSONCodec returns the default JSON Codec for message type T.
func JSONCodec[T any]() Codec {
	return jsonCodec[T]{}
}

type entry struct {
	token TypeToken
	codec Codec
}

// SerialRegistry maps stable serialization names ("app::Module::Type")
// to a (TypeToken, Codec) pair. A Scene owns one SerialRegistry,
// filled through scene.WithSerializableType and reachable through
// Scene.SerialRegistry.
type SerialRegistry struct {
	mu      sync.RWMutex
	byName  map[string]entry
	byToken map[TypeToken]string
}

// NewSerialRegistry returns an empty registry.
func NewSerialRegistry() *SerialRegistry {
	return &SerialRegistry{
		byName:  make(map[string]entry),
		byToken: make(map[TypeToken]string),
	}
}

// Register associates name with token and codec. Re-registering the
// same name with the same token is a no-op that keeps the first codec
// (idempotent, as add_subprogram's initializer hook requires);
// re-registering with a different token is ErrAlreadyRegistered.
func (r *SerialRegistry) Register(name string, token TypeToken, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.token != token {
			return ErrAlreadyRegistered
		}
		return nil
	}

	r.byName[name] = entry{token: token, codec: codec}
	r.byToken[token] = name
	return nil
}

// Lookup resolves a serialization name to its TypeToken and Codec.
func (r *SerialRegistry) Lookup(name string) (TypeToken, Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		return TypeToken{}, nil, ErrUnknownType
	}
	return e.token, e.codec, nil
}

// NameOf returns the serialization name registered for token, if any.
func (r *SerialRegistry) NameOf(token TypeToken) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byToken[token]
	return name, ok
}

//==============================================================================
// Program identity
//==============================================================================

// ProgramId identifies a subprogram. It is either a well-known interned
// name (two ProgramIds built from the same name always compare equal)
// or a freshly minted unique id (New). A derived "task" id (Task)
// extends a parent id with a sequence number so that a command spawned
// by a parent is still attributable to it (spec.md §3 "Subprogram
// identity") — the derivation is folded into the interned name itself,
// rather than kept as a separate slice field, so ProgramId stays a
// single comparable Symbol and can be used directly as a map key (see
// StreamId.DirectedAt, which embeds one).
type ProgramId struct {
	sym Symbol
}

// Named returns the well-known ProgramId for name. Calling Named twice
// with the same name returns equal ProgramIds.
func Named(name string) ProgramId {
	return ProgramId{sym: global.Intern("program:" + name)}
}

// New mints a fresh, process-unique ProgramId, grounded on the uuid
// minting sumex.New/workers.New perform for each stream/worker.
func New() ProgramId {
	id := uuid.NewV4().String()
	return ProgramId{sym: global.Intern("program:$" + id)}
}

// Task derives a child task id from p by appending seq, so a command
// spawned by a parent program is still attributable to it (spec.md §3
// "Subprogram identity").
func (p ProgramId) Task(seq int) ProgramId {
	return ProgramId{sym: global.Intern(fmt.Sprintf("%s/%d", global.Name(p.sym), seq))}
}

// String renders the ProgramId for logging/debugging.
func (p ProgramId) String() string {
	return global.Name(p.sym)
}

// Equal reports whether p and o identify the same program.
func (p ProgramId) Equal(o ProgramId) bool {
	return p.sym == o.sym
}

//==============================================================================
// Stream identity
//==============================================================================

// StreamId is the runtime identity of a typed stream: a TypeToken,
// optionally refined by a specific target program (spec.md §3 "the Foo
// stream directed at program P"), and optionally carrying a stable
// serialization name used across process/guest boundaries. Two
// StreamIds compare equal only if both the type and the optional
// target match (refined and unrefined StreamIds of the same type never
// compare equal).
type StreamId struct {
	Type       TypeToken
	target     ProgramId
	hasTarget  bool
	SerialName string
}

// InputOf returns the unrefined StreamId for messages of v's type, the
// identity a subprogram's own input core is always registered under.
func InputOf(v interface{}) StreamId {
	return StreamId{Type: TypeOf(v)}
}

// StreamOf is InputOf for an already-resolved TypeToken, used where no
// sample value is convenient (e.g. deserializing a connection rule).
func StreamOf(token TypeToken) StreamId {
	return StreamId{Type: token}
}

// DirectedAt returns a copy of s refined to target program p.
func (s StreamId) DirectedAt(p ProgramId) StreamId {
	s.target = p
	s.hasTarget = true
	return s
}

// Target returns the refinement program and whether one is set.
func (s StreamId) Target() (ProgramId, bool) {
	return s.target, s.hasTarget
}

// WithSerialName returns a copy of s carrying name as its stable
// cross-process serialization name.
func (s StreamId) WithSerialName(name string) StreamId {
	s.SerialName = name
	return s
}

// Equal reports whether s and o identify the same stream: same type,
// and either both unrefined or both refined to the same target program.
func (s StreamId) Equal(o StreamId) bool {
	if s.Type != o.Type || s.hasTarget != o.hasTarget {
		return false
	}
	if s.hasTarget {
		return s.target.Equal(o.target)
	}
	return true
}

// Canonical strips the SerialName before s is used as a map key (e.g. a
// connection-graph rule key, or a subprogram's declared-output table).
// SerialName does not participate in StreamId.Equal, but Go's built-in
// map hashing compares every field, so a StreamId carrying a serial
// name would otherwise hash differently than the same stream without
// one — Canonical keeps the two consistent.
func (s StreamId) Canonical() StreamId {
	s.SerialName = ""
	return s
}

// String renders the StreamId for logging/debugging.
func (s StreamId) String() string {
	if s.hasTarget {
		return fmt.Sprintf("%s->%s", s.Type, s.target)
	}
	return s.Type.String()
}
