// Package syncengine keeps the per-domain event logs of a node consistent
// with its peers.
//
// Local events are stamped from a single persistent lamport clock, signed
// and appended, then pushed to the handler's recipients through a bounded
// per-peer outbound queue that is flushed whenever the peer becomes
// Identified. Remote events are verified, passed through the domain's
// capability gate and inserted in (lamport, origin, id) order; an insert
// behind the tail rebuilds the domain view from the log.
//
// SyncWithPeer reconciles logs pairwise: a manifest of the peer's visible
// events above the last synced lamport, parallel fetches of what is
// missing, and a push of what the peer reports it lacks.
package syncengine
