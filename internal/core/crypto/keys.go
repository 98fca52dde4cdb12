package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/dep2p/harbor/pkg/types"
)

// KeySize is the size of agreement keys, conversation keys and seeds.
const KeySize = 32

const conversationInfo = "harbor/conversation/v1"

// AgreementPrivateKey derives the X25519 private scalar from an Ed25519 key.
//
// This is the same clamped scalar Ed25519 signs with, so the matching public
// key is the Montgomery form of the Ed25519 public key.
func AgreementPrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	h := sha512.Sum512(priv.Seed())
	s := make([]byte, KeySize)
	copy(s, h[:KeySize])
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s, nil
}

// AgreementPublicKey converts an Ed25519 public key to its X25519 form.
func AgreementPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return p.BytesMontgomery(), nil
}

// AgreementKeyForPeer returns the X25519 public key embedded in a peer id.
func AgreementKeyForPeer(id types.PeerID) ([]byte, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return nil, err
	}
	return AgreementPublicKey(pub)
}

// ConversationContext binds a conversation key to both participants,
// independent of who computes it.
func ConversationContext(a, b types.PeerID) []byte {
	lo, hi := types.SortedPair(a, b)
	return []byte(lo.String() + "|" + hi.String())
}

// DeriveConversationKey derives the symmetric key shared by two peers.
//
// Both sides obtain the same key when they pass the same context.
func DeriveConversationKey(localPriv, remotePub, context []byte) ([]byte, error) {
	if len(localPriv) != KeySize || len(remotePub) != KeySize {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(localPriv, remotePub)
	if err != nil {
		// Low-order remote point.
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	info := make([]byte, 0, len(conversationInfo)+1+len(context))
	info = append(info, conversationInfo...)
	info = append(info, 0)
	info = append(info, context...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Sign signs msg with an Ed25519 key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyFrom checks sig against the key embedded in a peer id.
func VerifyFrom(id types.PeerID, msg, sig []byte) error {
	pub, err := id.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return Verify(pub, msg, sig)
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
