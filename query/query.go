// Package query is component I of the Scene runtime: conventions layered
// over ordinary messages for Query (request → stream of reply items) and
// Subscribe (ongoing fan-out event delivery), per spec.md §4.I. Neither
// convention needs its own wire format or scheduler support — both are
// built entirely on Context.Send and the connection graph already
// provide.
//
// Grounded on subscriptions.Subscription's Subscriber/Fire fan-out
// contract (github.com/influx6/faux/subscriptions): "fans out events by
// cloning; on send failure the subscriber is removed silently" maps
// directly onto Registry.Publish iterating a snapshot of subscriber
// sinks and unsubscribing whichever one's Send errors. mque.Qu's
// one-shot typed drain (github.com/influx6/faux/mque) grounds Respond's
// "send a stream of reply items, then let the caller's query stream end
// naturally" convention.
package query

import (
	"context"
	"sync"

	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/Logicalshift/flo-scene-sub002/scene"
)

// SubscribeRequest is a Subscribe message's conventional shape: a
// request carrying the subscriber's own program id, per spec.md §4.I
// ("A request carrying the subscriber's program id").
type SubscribeRequest struct {
	By idregistry.ProgramId
}

// UnsubscribeRequest cancels a prior Subscribe.
type UnsubscribeRequest struct {
	By idregistry.ProgramId
}

// Registry is the subscriber set a source program maintains for events
// of type T, resolved and sent through the same connection-graph path
// Context.Send uses — spec.md §4.I's "weak sink references" become this
// module's explicit Unsubscribe-on-failure, the same substitution
// outsink.Sink itself makes for its target pointer (component C).
type Registry[T any] struct {
	mu   sync.Mutex
	subs map[idregistry.ProgramId]*outsink.Sink[T]
}

// NewRegistry returns an empty subscriber registry for event type T.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[idregistry.ProgramId]*outsink.Sink[T])}
}

// Subscribe registers subscriber as a recipient of every future Publish.
// The outgoing sink is resolved exactly as Context.Send resolves any
// other target, so delivery still honors whatever connect_programs rule
// governs the subscriber's stream.
func (r *Registry[T]) Subscribe(tc *scene.Context, subscriber idregistry.ProgramId) {
	sink := scene.Send[T](tc, subscriber)

	r.mu.Lock()
	r.subs[subscriber] = sink
	r.mu.Unlock()
}

// Unsubscribe removes subscriber, a no-op if it was never subscribed.
func (r *Registry[T]) Unsubscribe(subscriber idregistry.ProgramId) {
	r.mu.Lock()
	delete(r.subs, subscriber)
	r.mu.Unlock()
}

// Count reports the number of currently live subscribers.
func (r *Registry[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Publish fans event out to every current subscriber. A subscriber
// whose Send fails — its target ended, or ctx is done before delivery —
// is removed silently, matching spec.md §4.I and the "background helper
// tasks ... may swallow send failures to disconnected sinks" exception
// in spec.md §7's error propagation policy.
func (r *Registry[T]) Publish(ctx context.Context, event T) {
	r.mu.Lock()
	snap := make(map[idregistry.ProgramId]*outsink.Sink[T], len(r.subs))
	for id, sink := range r.subs {
		snap[id] = sink
	}
	r.mu.Unlock()

	for id, sink := range snap {
		if err := sink.Send(ctx, event); err != nil {
			r.Unsubscribe(id)
		}
	}
}

// Respond sends every item in items to replyTo's stream of T, the
// target-side convention for Query (spec.md §4.I: "send exactly one
// response containing a stream of reply items"). The querier's
// QueryStream ends once its helper is Stopped — there is no explicit
// end-of-response signal in the core (spec.md §4.I "no distinguished
// no-response error"), so Respond's only job is delivering the items
// themselves; a target that returns with no error and no items
// represents an empty result set.
func Respond[T any](tc *scene.Context, replyTo idregistry.ProgramId, items []T) error {
	sink := scene.Send[T](tc, replyTo)

	for _, item := range items {
		if err := sink.Send(tc.Ctx(), item); err != nil {
			return err
		}
	}
	return nil
}
