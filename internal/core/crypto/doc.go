// Package crypto provides harbor's cryptographic primitives.
//
// Signing uses Ed25519. Key agreement uses X25519 with keys derived from the
// Ed25519 identity, so a peer's agreement key can be computed from its peer
// id. Conversation keys are HKDF-SHA256 over the X25519 shared secret bound
// to the sorted pair of peer ids. Symmetric encryption is
// XChaCha20-Poly1305 with a random per-sealer prefix and a counter, so a
// nonce never repeats for a key held by one sealer. Content hashes are
// BLAKE3-256.
package crypto
