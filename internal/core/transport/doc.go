// Package transport holds what every transport shares: multistream protocol
// negotiation, a yamux-backed connection used wherever a single byte stream
// has to carry many streams, the Manager that routes dials and listens to the
// transport that understands an address, and an in-memory transport for
// tests.
//
// Concrete transports live in subpackages (quic) and in the relay package.
package transport
