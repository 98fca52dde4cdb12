package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/pkg/types"
)

func testKey(t *testing.T) (ed25519.PrivateKey, types.PeerID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := types.PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	return priv, id
}

func TestNewTLSConfig(t *testing.T) {
	priv, id := testKey(t)
	server, client, err := NewTLSConfig(priv)
	require.NoError(t, err)

	assert.Equal(t, tls.RequireAnyClientCert, server.ClientAuth)
	assert.Equal(t, tls.NoClientCert, client.ClientAuth)
	assert.Equal(t, []string{ALPN}, server.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), client.MinVersion)

	raw := server.Certificates[0].Certificate
	require.NoError(t, verifyPeerCertificate(raw, nil))

	cert, err := x509.ParseCertificate(raw[0])
	require.NoError(t, err)
	got, err := PeerIDFromState(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}})
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestNewTLSConfig_BadKey(t *testing.T) {
	_, _, err := NewTLSConfig(ed25519.PrivateKey{1, 2, 3})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestVerifyPeerCertificate_Rejects(t *testing.T) {
	assert.ErrorIs(t, verifyPeerCertificate(nil, nil), ErrNoCertificate)
	assert.ErrorIs(t, verifyPeerCertificate([][]byte{{1, 2, 3}}, nil), types.ErrAuthenticationFailed)

	_, other := testKey(t)
	priv, _ := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "forged"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: peerIDExtensionOID, Value: []byte(other)},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.NoError(t, err)
	assert.ErrorIs(t, verifyPeerCertificate([][]byte{der}, nil), types.ErrAuthenticationFailed)

	template.ExtraExtensions = nil
	template.NotAfter = time.Now().Add(-time.Minute)
	der, err = x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.NoError(t, err)
	assert.ErrorIs(t, verifyPeerCertificate([][]byte{der}, nil), types.ErrAuthenticationFailed)
}

func TestPeerIDFromState_NoCertificate(t *testing.T) {
	_, err := PeerIDFromState(tls.ConnectionState{})
	assert.ErrorIs(t, err, ErrNoCertificate)
}
