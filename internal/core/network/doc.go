// Package network is the peer membership and messaging layer.
//
// A single event loop goroutine owns every peer's state. Dials, Identify
// exchanges, relay reservations and inbound handlers run on a bounded
// worker pool and post their completions back to the loop, so state only
// changes in one place and transitions are totally ordered.
//
// Peer state machine:
//
//	Discovered -> Dialing -> Connected -> Identified
//	                                        -> RelayReservationPending -> RelayReserved
//	any -> Disconnected | Failed
//
// No application message is sent to or accepted from a peer before it is
// Identified. Relay reservations are queued as intents and fire exactly once
// on the Identify transition of the relay.
//
// Files:
//
//	network.go    loop, lifecycle and the worker pool
//	peer.go       per-peer state and transitions
//	dial.go       outbound connections and connection adoption
//	listen.go     listeners and local addresses
//	identify.go   the Identify exchange
//	messages.go   signed request/response and fire-and-forget messages
//	relay.go      relay intents and reservations
//	discovery.go  discovery sources
//	prune.go      expiry of unreachable peers
//	peers.go      snapshots, blocking and stats
//	host.go       the pkgif.Host surface used by relay and holepunch
package network
