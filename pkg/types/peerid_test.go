package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerID_RoundTripsPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id, err := PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.NoError(t, id.Validate())

	got, err := id.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	parsed, err := ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestPeerID_UsableInMultiaddr(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := PeerIDFromPublicKey(pub)
	require.NoError(t, err)

	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/4001/quic-v1/p2p/" + id.String())
	require.NoError(t, err)

	v, err := addr.ValueForProtocol(ma.P_P2P)
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)
}

func TestPeerID_Invalid(t *testing.T) {
	_, err := ParsePeerID("")
	assert.ErrorIs(t, err, ErrEmptyPeerID)

	_, err = ParsePeerID("not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidPeerID)

	_, err = PeerIDFromPublicKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

func TestSortedPair(t *testing.T) {
	a, b := SortedPair("b", "a")
	assert.Equal(t, PeerID("a"), a)
	assert.Equal(t, PeerID("b"), b)
}
