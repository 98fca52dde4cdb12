package types

import "errors"

// ============================================================================
//                              Error kinds
// ============================================================================

// These are the error kinds surfaced at the API boundary. Lower layers wrap
// them with fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	// ErrAuthenticationFailed wrong passphrase or tampered identity store.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrValidation malformed input.
	ErrValidation = errors.New("validation error")

	// ErrSignatureInvalid signature does not verify against the origin key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnauthorized the capability check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPeerUnreachable the peer did not answer within the deadline.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransport the underlying connection failed.
	ErrTransport = errors.New("transport error")

	// ErrCorruptStore persisted state failed an integrity check.
	ErrCorruptStore = errors.New("corrupt store")
)

var (
	// ErrInvalidPassphrase passphrase shorter than the minimum length.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrDecrypt ciphertext failed authentication.
	ErrDecrypt = errors.New("decrypt error")

	// ErrIdentityLocked no identity is unlocked.
	ErrIdentityLocked = errors.New("identity locked")

	// ErrIdentityExists an identity is already stored.
	ErrIdentityExists = errors.New("identity already exists")

	// ErrNotFound the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotIdentified the peer has not completed Identify.
	ErrNotIdentified = errors.New("peer not identified")
)

// ============================================================================
//                              ID errors
// ============================================================================

var (
	// ErrEmptyPeerID empty peer id.
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID the string is not a harbor peer id.
	ErrInvalidPeerID = errors.New("invalid peer ID")
)
