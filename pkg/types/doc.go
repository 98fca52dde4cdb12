// Package types holds harbor's value types: peer identifiers, capability and
// domain enums, peer records, lifecycle events and the shared error kinds.
//
// It is the lowest layer of the module and imports no other harbor package.
//
// Files:
//   - peerid.go  - PeerID, derived from the Ed25519 signing key
//   - enums.go   - CapabilityKind, Domain, PeerState
//   - peer.go    - Profile, PeerRecord, PeerInfo
//   - events.go  - event bus payloads
//   - errors.go  - error kinds surfaced at the API boundary
package types
