// Package quic implements the QUIC transport.
//
// QUIC brings TLS 1.3 and native stream multiplexing, so a connection needs
// no extra security or muxer layer. Each side presents a self-signed
// certificate made with its Ed25519 identity key; the peer id is derived
// from the certificate's public key and checked against the id the dialer
// expected.
//
// Address format:
//
//	/ip4/1.2.3.4/udp/4001/quic-v1
//	/ip6/::1/udp/4001/quic-v1
//
// Listening and dialing share one UDP socket so that a hole-punching dial
// leaves from the port the peer already knows.
package quic
