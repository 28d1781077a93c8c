// Package connect is component F of the Scene runtime: the mapping
// `(source, stream) → target` (spec.md §3 "Connection graph"), plus
// the reverse index used to re-wire already-bound sinks when a rule
// changes.
//
// Grounded on subscriptions.Subscription's trie-of-routes plus its
// subCache reverse index (github.com/influx6/faux/subscriptions):
// the teacher routes topic paths to Subscribers and keeps a reverse
// cache so a Subscriber can be found and re-registered; here the
// "topic path" collapses to an exact `(Source, StreamId)` key (no
// wildcard path matching is named anywhere in spec.md, so the trie's
// glob machinery has no role to play) while the reverse-cache idea
// survives unchanged as `bound`/`sinkKey` below.
package connect

import (
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/filter"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
)

// SourceKind discriminates the three kinds of StreamSource spec.md §3
// names.
type SourceKind int

const (
	SourceAll SourceKind = iota
	SourceProgram
	SourceFiltered
)

// Source identifies who a connection rule applies to: every producer,
// one specific program, or anything funneled through a named filter.
type Source struct {
	Kind    SourceKind
	Program idregistry.ProgramId
	Filter  *filter.Handle
}

// AnySource matches every producer.
func AnySource() Source { return Source{Kind: SourceAll} }

// FromProgram matches only messages whose sender is p.
func FromProgram(p idregistry.ProgramId) Source {
	return Source{Kind: SourceProgram, Program: p}
}

// FromFilter matches messages emitted by instances of h.
func FromFilter(h *filter.Handle) Source {
	return Source{Kind: SourceFiltered, Filter: h}
}

// TargetKind discriminates the four kinds of StreamTarget spec.md §3
// names, plus the zero value meaning "no rule" (disconnected).
type TargetKind int

const (
	// TargetNone means no rule is installed: the equivalent of calling
	// disconnect, or never having called connect_programs at all.
	TargetNone TargetKind = iota
	TargetDiscard
	TargetDefault
	TargetProgram
	TargetFiltered
)

// Target identifies what a connection rule points at.
type Target struct {
	Kind    TargetKind
	Program idregistry.ProgramId
	Filter  *filter.Handle
}

// DiscardTarget accepts and drops every message.
func DiscardTarget() Target { return Target{Kind: TargetDiscard} }

// DefaultTarget resolves to the per-type default the Scene maintains,
// invoking that type's initializer hook on first use if none is set
// (spec.md §4.F "Default-target resolution").
func DefaultTarget() Target { return Target{Kind: TargetDefault} }

// ToProgram routes directly to p's input core.
func ToProgram(p idregistry.ProgramId) Target {
	return Target{Kind: TargetProgram, Program: p}
}

// ToFilter routes through filter h before reaching p.
func ToFilter(h *filter.Handle, p idregistry.ProgramId) Target {
	return Target{Kind: TargetFiltered, Filter: h, Program: p}
}

type ruleKey struct {
	stream  idregistry.StreamId
	kind    SourceKind
	program idregistry.ProgramId
	filter  *filter.Handle
}

func keyFor(source Source, stream idregistry.StreamId) ruleKey {
	return ruleKey{stream: stream.Canonical(), kind: source.Kind, program: source.Program, filter: source.Filter}
}

// Notifier is how the graph hands a freshly resolved Target to the
// layer that can turn it into a concrete action against a sink —
// bind it to a real input core, materialise a filter in between, mark
// it discard, or tear it down. stream is passed alongside so a
// TargetDefault resolution can key off the message type (the sink
// itself is reached only through the type-erased Bindable). This
// package stays agnostic of the subprogram registry and filter
// materialisation, both of which live above it (component H).
type Notifier interface {
	Apply(sink outsink.Bindable, stream idregistry.StreamId, target Target)
}

// Graph is the connection graph: the rule table plus the reverse index
// from each bound sink's own (source, stream) key, used to re-wire every
// affected sink when a rule changes (spec.md §4.F steps 1-2). A change to
// an All rule also reaches sinks bound under a more specific source that
// has no rule of its own, since those resolve through the All rule.
type Graph struct {
	mu       sync.Mutex
	rules    map[ruleKey]Target
	bound    map[ruleKey]map[outsink.Bindable]struct{}
	sinkKey  map[outsink.Bindable]ruleKey
	notifier Notifier
}

// New returns an empty Graph reporting resolved targets to notifier.
func New(notifier Notifier) *Graph {
	return &Graph{
		rules:    make(map[ruleKey]Target),
		bound:    make(map[ruleKey]map[outsink.Bindable]struct{}),
		sinkKey:  make(map[outsink.Bindable]ruleKey),
		notifier: notifier,
	}
}

// Connect installs or replaces the rule `(source, stream) → target`
// (spec.md §4.F). Re-applying the same rule is idempotent in its
// observable effect (Testable Property 5): every currently bound sink
// is re-notified with the same Target it already has, which collapses
// to a no-op in every Notifier implementation driven by this package.
//
// Connect returns the rule's previous Target (the zero Target,
// TargetNone, if none was installed) so a caller can restore it later —
// spec.md is silent on connect_programs's return value; this mirrors
// original_source/scene/src/connect_result.rs's ConnectResult, read
// during the spec expansion (SPEC_FULL.md §11), without adding anything
// spec.md forbids.
func (g *Graph) Connect(source Source, stream idregistry.StreamId, target Target) Target {
	key := keyFor(source, stream)

	g.mu.Lock()
	previous := g.rules[key]
	if target.Kind == TargetNone {
		delete(g.rules, key)
	} else {
		g.rules[key] = target
	}
	var affected []outsink.Bindable
	var resolved []Target
	for k, sinks := range g.bound {
		_, ownRule := g.rules[k]
		if k.stream != key.stream || (k != key && (key.kind != SourceAll || ownRule)) {
			continue
		}
		t, _ := g.resolve(Source{Kind: k.kind, Program: k.program, Filter: k.filter}, k.stream)
		for sink := range sinks {
			affected = append(affected, sink)
			resolved = append(resolved, t)
		}
	}
	notifier := g.notifier
	g.mu.Unlock()

	for i, sink := range affected {
		notifier.Apply(sink, key.stream, resolved[i])
	}

	return previous
}

// Disconnect removes the rule `(source, stream) → *` entirely
// (spec.md §4.F "disconnect is the same with a nil target"): every
// sink that depended on it is re-notified with whatever now resolves
// for it — TargetNone, unless a less specific rule still applies.
// Returns the rule's previous Target, the same as Connect.
func (g *Graph) Disconnect(source Source, stream idregistry.StreamId) Target {
	return g.Connect(source, stream, Target{})
}

// resolve applies the specificity tie-break from spec.md §4.F:
// "Program > Filtered > All". A concrete sender is either a specific
// program or a specific filter instance, never both at once, so in
// practice this collapses to "try the rule for this sender's own
// identity, else fall back to the All rule" — which still honours the
// documented ordering, since a sender's own identity (whichever kind
// it is) is always more specific than All.
func (g *Graph) resolve(source Source, stream idregistry.StreamId) (Target, bool) {
	if source.Kind != SourceAll {
		if t, ok := g.rules[keyFor(source, stream)]; ok {
			return t, true
		}
	}
	if t, ok := g.rules[keyFor(AnySource(), stream)]; ok {
		return t, true
	}
	return Target{}, false
}

// Bind resolves the current target for (source, stream), registers
// sink into the reverse index so future Connect/Disconnect calls
// re-notify it, and returns the resolved Target (the zero Target,
// TargetNone, if no rule matches yet — callers should treat this as
// Disconnected, not an error, per spec.md §4.C). Resolution is lazy:
// nothing is bound until a sink asks (spec.md §2 "resolved lazily when
// a sink is first materialized").
func (g *Graph) Bind(source Source, stream idregistry.StreamId, sink outsink.Bindable) Target {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, _ := g.resolve(source, stream)

	key := keyFor(source, stream)
	if old, had := g.sinkKey[sink]; had && old != key {
		delete(g.bound[old], sink)
	}
	if g.bound[key] == nil {
		g.bound[key] = make(map[outsink.Bindable]struct{})
	}
	g.bound[key][sink] = struct{}{}
	g.sinkKey[sink] = key

	return target
}

// Unbind removes sink from the reverse index, e.g. when its owning
// program ends and its declared sinks no longer need re-wiring.
func (g *Graph) Unbind(sink outsink.Bindable) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key, ok := g.sinkKey[sink]
	if !ok {
		return
	}
	delete(g.bound[key], sink)
	delete(g.sinkKey, sink)
}

// Rule is one installed `(source, stream) → target` entry, the shape
// Rules returns for introspection (spec.md is silent on listing
// installed rules; this is grounded on original_source's
// list_subprograms/list_connections-style introspection, read during
// the spec expansion — see SPEC_FULL.md §11 — minus the JSON/command-pipe
// framing that stays out of scope).
type Rule struct {
	Source Source
	Stream idregistry.StreamId
	Target Target
}

// Rules returns a snapshot of every currently installed rule, in no
// particular order.
func (g *Graph) Rules() []Rule {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Rule, 0, len(g.rules))
	for key, target := range g.rules {
		out = append(out, Rule{
			Source: Source{Kind: key.kind, Program: key.program, Filter: key.filter},
			Stream: key.stream,
			Target: target,
		})
	}
	return out
}
