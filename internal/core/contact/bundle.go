// Package contact encodes shareable contact strings and keeps the contact
// list.
package contact

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/pkg/types"
)

// Scheme prefixes every contact string.
const Scheme = "harbor://"

// Version is the bundle format written by Encode. Versioned bundles carry
// keys base64-encoded exactly once; only unversioned bundles get the
// double-encoding fallback.
const Version = 1

const keySize = 32

// Bundle is everything needed to add and reach a peer.
type Bundle struct {
	Version      int
	PeerID       types.PeerID
	PublicKey    ed25519.PublicKey
	AgreementKey []byte
	Addrs        []ma.Multiaddr
	Profile      types.Profile
}

// wireBundle is the JSON form. Multiaddr and X25519Public are the field
// names of unversioned bundles.
type wireBundle struct {
	V            int      `json:"v,omitempty"`
	PeerID       string   `json:"peerId,omitempty"`
	PublicKey    string   `json:"publicKey"`
	AgreementKey string   `json:"agreementKey,omitempty"`
	X25519Public string   `json:"x25519Public,omitempty"`
	Addrs        []string `json:"addrs,omitempty"`
	Multiaddr    string   `json:"multiaddr,omitempty"`
	DisplayName  string   `json:"displayName"`
	Bio          string   `json:"bio,omitempty"`
	AvatarHash   string   `json:"avatarHash,omitempty"`
}

// Encode returns the contact string of b.
func Encode(b *Bundle) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	w := wireBundle{
		V:            Version,
		PeerID:       b.PeerID.String(),
		PublicKey:    base64.StdEncoding.EncodeToString(b.PublicKey),
		AgreementKey: base64.StdEncoding.EncodeToString(b.AgreementKey),
		DisplayName:  b.Profile.DisplayName,
		Bio:          b.Profile.Bio,
		AvatarHash:   b.Profile.AvatarHash,
	}
	for _, a := range b.Addrs {
		w.Addrs = append(w.Addrs, a.String())
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return Scheme + base64.RawURLEncoding.EncodeToString(data), nil
}

// Parse decodes and validates a contact string.
func Parse(s string) (*Bundle, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, Scheme) {
		return nil, fmt.Errorf("%w: contact string must start with %s", types.ErrValidation, Scheme)
	}
	data, err := decodeBase64(strings.TrimPrefix(s, Scheme))
	if err != nil {
		return nil, fmt.Errorf("%w: contact encoding: %v", types.ErrValidation, err)
	}
	var w wireBundle
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: contact data: %v", types.ErrValidation, err)
	}

	b := &Bundle{
		Version: w.V,
		Profile: types.Profile{DisplayName: w.DisplayName, Bio: w.Bio, AvatarHash: w.AvatarHash},
	}
	switch w.V {
	case 0:
		err = b.fromLegacy(&w)
	case Version:
		err = b.fromV1(&w)
	default:
		err = fmt.Errorf("%w: unsupported contact version %d", types.ErrValidation, w.V)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) fromV1(w *wireBundle) error {
	pub, err := base64.StdEncoding.DecodeString(w.PublicKey)
	if err != nil || len(pub) != keySize {
		return fmt.Errorf("%w: public key must be %d raw bytes", types.ErrValidation, keySize)
	}
	agree, err := base64.StdEncoding.DecodeString(w.AgreementKey)
	if err != nil || len(agree) != keySize {
		return fmt.Errorf("%w: agreement key must be %d raw bytes", types.ErrValidation, keySize)
	}
	b.PublicKey, b.AgreementKey = pub, agree
	b.PeerID = types.PeerID(w.PeerID)
	return b.parseAddrs(w.Addrs)
}

func (b *Bundle) fromLegacy(w *wireBundle) error {
	pub, err := decodeKey(w.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", types.ErrValidation, err)
	}
	agreeField := w.X25519Public
	if agreeField == "" {
		agreeField = w.AgreementKey
	}
	agree, err := decodeKey(agreeField)
	if err != nil {
		return fmt.Errorf("%w: agreement key: %v", types.ErrValidation, err)
	}
	b.PublicKey, b.AgreementKey = pub, agree

	addrs := w.Addrs
	if w.Multiaddr != "" {
		addrs = append([]string{w.Multiaddr}, addrs...)
	}
	if err := b.parseAddrs(addrs); err != nil {
		return err
	}
	b.PeerID = types.PeerID(w.PeerID)
	if b.PeerID.IsEmpty() {
		for _, a := range b.Addrs {
			if id, ok := namedPeer(a); ok {
				b.PeerID = id
				break
			}
		}
	}
	return nil
}

func (b *Bundle) parseAddrs(addrs []string) error {
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("%w: address %q: %v", types.ErrValidation, s, err)
		}
		b.Addrs = append(b.Addrs, a)
	}
	return nil
}

// decodeKey decodes one base64 layer and, when the result is itself base64
// text of a key, strips the redundant inner layer.
func decodeKey(s string) ([]byte, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) == keySize {
		return raw, nil
	}
	inner, err := decodeBase64(string(bytes.TrimSpace(raw)))
	if err == nil && len(inner) == keySize {
		return inner, nil
	}
	return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), keySize)
}

var encodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// Validate checks that the peer id, both keys and the addresses agree.
func (b *Bundle) Validate() error {
	if len(b.PublicKey) != keySize || len(b.AgreementKey) != keySize {
		return fmt.Errorf("%w: contact keys must be %d bytes", types.ErrValidation, keySize)
	}
	id, err := types.PeerIDFromPublicKey(b.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if b.PeerID.IsEmpty() {
		b.PeerID = id
	}
	if b.PeerID != id {
		return fmt.Errorf("%w: peer id does not match public key", types.ErrValidation)
	}
	agree, err := crypto.AgreementPublicKey(b.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if !bytes.Equal(agree, b.AgreementKey) {
		return fmt.Errorf("%w: agreement key does not belong to peer", types.ErrValidation)
	}
	for _, a := range b.Addrs {
		if named, ok := namedPeer(a); ok && named != id {
			return fmt.Errorf("%w: address %s names another peer", types.ErrValidation, a)
		}
	}
	return nil
}

// namedPeer returns the peer an address leads to. For a relay circuit that
// is the target after /p2p-circuit, not the relay.
func namedPeer(a ma.Multiaddr) (types.PeerID, bool) {
	if addrutil.IsCircuit(a) {
		_, _, target, err := addrutil.SplitCircuit(a)
		if err != nil {
			return types.EmptyPeerID, false
		}
		return target, true
	}
	v, err := a.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return types.EmptyPeerID, false
	}
	return types.PeerID(v), true
}

// AddrInfo returns the bundle's peer and addresses.
func (b *Bundle) AddrInfo() types.AddrInfo {
	return types.AddrInfo{ID: b.PeerID, Addrs: b.Addrs}
}
