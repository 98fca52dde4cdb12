// Package relay implements circuit relaying for peers that cannot accept
// inbound connections.
//
// A peer behind NAT reserves a slot on a relay over the hop protocol. Other
// peers then reach it by asking the relay to CONNECT; the relay opens a stop
// stream to the reserved peer and splices the two streams together. The
// spliced stream is authenticated end to end with a signed nonce exchange
// and then carries a yamux session, so a circuit behaves like any other
// connection.
//
// Layout:
//
//	messages.go   hop and stop messages
//	limiter.go    reservation, circuit and bandwidth limits
//	server.go     the relay side
//	client.go     reservations and the circuit transport
//	handshake.go  end to end authentication over a circuit
package relay
