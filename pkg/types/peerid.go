package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// ============================================================================
//                              PeerID
// ============================================================================

// PeerID identifies a peer.
//
// It is the base58btc encoding of an identity multihash over the raw 32-byte
// Ed25519 signing key, so the key can be recovered from the id and any
// signature attributed to a peer can be checked without a lookup. The string
// form is valid inside a /p2p/ multiaddr component.
type PeerID string

// EmptyPeerID is the zero PeerID.
const EmptyPeerID PeerID = ""

// PeerIDFromPublicKey derives the peer id of an Ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return EmptyPeerID, fmt.Errorf("%w: public key length %d", ErrInvalidPeerID, len(pub))
	}
	digest, err := mh.Sum(pub, mh.IDENTITY, -1)
	if err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerID(base58.Encode(digest)), nil
}

// ParsePeerID parses and validates the string form of a peer id.
func ParsePeerID(s string) (PeerID, error) {
	id := PeerID(s)
	if _, err := id.PublicKey(); err != nil {
		return EmptyPeerID, err
	}
	return id, nil
}

// PublicKey extracts the embedded Ed25519 signing key.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	if id == EmptyPeerID {
		return nil, ErrEmptyPeerID
	}
	raw, err := base58.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	dec, err := mh.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if dec.Code != mh.IDENTITY || len(dec.Digest) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected multihash", ErrInvalidPeerID)
	}
	return ed25519.PublicKey(dec.Digest), nil
}

// Validate reports whether id is well formed.
func (id PeerID) Validate() error {
	_, err := id.PublicKey()
	return err
}

// String returns the base58 form.
func (id PeerID) String() string { return string(id) }

// ShortString returns a short prefix for logs.
func (id PeerID) ShortString() string {
	s := string(id)
	// Every id shares the multihash header prefix; skip it.
	if len(s) > 14 {
		return s[len(s)-8:]
	}
	return s
}

// IsEmpty reports whether id is the zero value.
func (id PeerID) IsEmpty() bool { return id == EmptyPeerID }

// Bytes returns the decoded multihash bytes, or nil for a malformed id.
func (id PeerID) Bytes() []byte {
	raw, err := base58.Decode(string(id))
	if err != nil {
		return nil
	}
	return raw
}

// SortedPair returns a and b in ascending order.
func SortedPair(a, b PeerID) (PeerID, PeerID) {
	if b < a {
		return b, a
	}
	return a, b
}
