package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/dep2p/harbor/pkg/types"
)

// ALPN is the application protocol negotiated in the TLS handshake.
const ALPN = "harbor"

// peerIDExtensionOID carries the peer id in the certificate. The id derived
// from the certificate key is authoritative; the extension only has to agree
// with it.
var peerIDExtensionOID = []int{1, 3, 6, 1, 4, 1, 53594, 7, 1}

// NewTLSConfig returns the server and client TLS configurations for the
// identity key priv.
func NewTLSConfig(priv ed25519.PrivateKey) (server, client *tls.Config, err error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("%w: private key length %d", types.ErrValidation, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"harbor"},
			CommonName:   "harbor " + id.ShortString(),
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(180 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: peerIDExtensionOID, Value: []byte(id)},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	// Self-signed certificates have no CA to chain to. Identity is checked
	// in verifyPeerCertificate instead.
	server = &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{ALPN},
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
	}
	client = server.Clone()
	client.ClientAuth = tls.NoClientCert
	return server, client, nil
}

// verifyPeerCertificate derives the peer id from the certificate key,
// checks that an embedded id agrees and that the certificate is current.
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: parse certificate: %v", types.ErrAuthenticationFailed, err)
	}
	derived, err := peerIDFromCertificate(cert)
	if err != nil {
		return err
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(peerIDExtensionOID) && types.PeerID(ext.Value) != derived {
			return fmt.Errorf("%w: certificate names %s but key is %s",
				types.ErrAuthenticationFailed, types.PeerID(ext.Value).ShortString(), derived.ShortString())
		}
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate not valid at %s", types.ErrAuthenticationFailed, now.Format(time.RFC3339))
	}
	return nil
}

func peerIDFromCertificate(cert *x509.Certificate) (types.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.EmptyPeerID, fmt.Errorf("%w: unsupported key type %T", types.ErrAuthenticationFailed, cert.PublicKey)
	}
	return types.PeerIDFromPublicKey(pub)
}

// PeerIDFromState returns the peer id proven by a completed handshake.
func PeerIDFromState(state tls.ConnectionState) (types.PeerID, error) {
	if len(state.PeerCertificates) == 0 {
		return types.EmptyPeerID, ErrNoCertificate
	}
	return peerIDFromCertificate(state.PeerCertificates[0])
}
