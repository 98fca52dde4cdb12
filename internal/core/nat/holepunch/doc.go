// Package holepunch upgrades relayed connections to direct ones.
//
// The peer that starts the upgrade sends CONNECT with its direct
// addresses over the relayed connection, the other side answers CONNECT
// with its own, and the starter measures the round trip. It then sends
// SYNC and both sides dial each other directly, the starter after half a
// round trip, so that the two dials cross in the NATs at about the same
// time. A successful dial yields a second, direct connection; the relayed
// one is left to its owner.
//
// Upgrades are best effort. Callers log failures and keep using the relay.
package holepunch
