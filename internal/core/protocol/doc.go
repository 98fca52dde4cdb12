// Package protocol defines the messages peers exchange, their signed
// envelope and the length-prefixed framing used on streams.
//
// Every message kind belongs to a closed enumeration. Bodies are encoded
// field by field with protowire, so new fields can be added without breaking
// older peers, and envelopes carry the sender's Ed25519 signature over the
// canonical encoding. Receivers call Envelope.Verify before Open; nothing
// unsigned or malformed leaves this package as a Message.
package protocol
