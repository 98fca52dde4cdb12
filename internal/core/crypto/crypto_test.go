package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/dep2p/harbor/pkg/types"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, types.PeerID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := types.PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	return pub, priv, id
}

func TestAgreementKeysMatch(t *testing.T) {
	pub, priv, id := genKey(t)

	scalar, err := AgreementPrivateKey(priv)
	require.NoError(t, err)
	fromScalar, err := curve25519.X25519(scalar, curve25519.Basepoint)
	require.NoError(t, err)

	fromPub, err := AgreementPublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, fromScalar, fromPub)

	fromID, err := AgreementKeyForPeer(id)
	require.NoError(t, err)
	assert.Equal(t, fromPub, fromID)
}

func TestDeriveConversationKey_Symmetric(t *testing.T) {
	_, privA, idA := genKey(t)
	_, privB, idB := genKey(t)

	sa, _ := AgreementPrivateKey(privA)
	sb, _ := AgreementPrivateKey(privB)
	pa, _ := AgreementKeyForPeer(idA)
	pb, _ := AgreementKeyForPeer(idB)

	ctxAB := ConversationContext(idA, idB)
	assert.Equal(t, ctxAB, ConversationContext(idB, idA))

	kA, err := DeriveConversationKey(sa, pb, ctxAB)
	require.NoError(t, err)
	kB, err := DeriveConversationKey(sb, pa, ctxAB)
	require.NoError(t, err)
	assert.Equal(t, kA, kB)

	other, err := DeriveConversationKey(sa, pb, []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, kA, other)
}

func TestDeriveConversationKey_RejectsLowOrder(t *testing.T) {
	_, priv, _ := genKey(t)
	s, _ := AgreementPrivateKey(priv)
	_, err := DeriveConversationKey(s, make([]byte, KeySize), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAEAD_RoundTripAndTamper(t *testing.T) {
	key := make([]byte, KeySize)
	_, _ = rand.Read(key)
	ad := []byte("ad")

	for _, size := range []int{0, 1, 31, 1024} {
		msg := make([]byte, size)
		_, _ = rand.Read(msg)

		sealed, err := Encrypt(key, msg, ad)
		require.NoError(t, err)

		got, err := Decrypt(key, sealed, ad)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, got))

		for i := 0; i < len(sealed); i++ {
			bad := append([]byte(nil), sealed...)
			bad[i] ^= 0x01
			_, err := Decrypt(key, bad, ad)
			require.ErrorIs(t, err, ErrDecrypt, "flip at byte %d", i)
		}

		_, err = Decrypt(key, sealed, []byte("other"))
		assert.ErrorIs(t, err, ErrDecrypt)
	}

	_, err := Decrypt(key, []byte("short"), nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSealer_NoncesDoNotRepeat(t *testing.T) {
	key := make([]byte, KeySize)
	s, err := NewSealer(key)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sealed, err := s.Seal([]byte("x"), nil)
		require.NoError(t, err)
		nonce := string(sealed[:24])
		require.False(t, seen[nonce])
		seen[nonce] = true

		pt, err := s.Open(sealed, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), pt)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, id := genKey(t)
	sig := Sign(priv, []byte("hello"))

	assert.NoError(t, Verify(pub, []byte("hello"), sig))
	assert.NoError(t, VerifyFrom(id, []byte("hello"), sig))
	assert.ErrorIs(t, Verify(pub, []byte("hellp"), sig), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifyFrom("bogus", []byte("hello"), sig), ErrSignatureInvalid)
}

func TestHashContent(t *testing.T) {
	h := HashContent([]byte("abc"))
	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	hs := NewHasher()
	_, _ = hs.Write([]byte("a"))
	_, _ = hs.Write([]byte("bc"))
	assert.Equal(t, h, hs.Sum())

	_, err = ParseContentHash("zz")
	assert.ErrorIs(t, err, types.ErrValidation)
}
