// Package rmwadapter implements a robotics publish/subscribe and
// request/reply middleware on top of a generic pub/sub overlay offering
// key-expression routing, liveliness tokens and queryables.
//
// ## How it works
//
// A [Context] opens one shared [transportSession] per process: a gossip
// membership layer (serf/memberlist) that carries liveliness tokens and
// point-to-point queries, plus a QUIC fabric for the data plane. Creating
// a [Node] and then a [Publisher], [Subscription], [Service] or [Client]
// declares a liveliness token whose key expression (see keyexpr.go)
// losslessly encodes the entity's identity and, for topic/service
// endpoints, its effective QoS. Every process ingests every other
// process's tokens into a [graphCache], so `list_topic_names_and_types`
// and friends are answerable locally without a round-trip.
//
// ## Design Principles
//
// The adapter is anti-fragile in the same sense as its teacher: it never
// assumes the overlay is infallible. Transport callbacks never propagate
// errors upward — they log and continue, so a single malformed token or a
// slow peer can never wedge the graph cache. Every user-facing operation
// past `Shutdown` fails fast with [ErrShutdown].
package rmwadapter
