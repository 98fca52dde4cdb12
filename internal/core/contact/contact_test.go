package contact

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/engine/badger"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/pkg/types"
)

func newIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(types.Profile{DisplayName: name, Bio: "hello"})
	require.NoError(t, err)
	return id
}

func bundleOf(t *testing.T, id *identity.Identity) *Bundle {
	t.Helper()
	addr := ma.StringCast("/ip4/10.0.0.1/udp/4001/quic-v1/p2p/" + id.PeerID().String())
	return &Bundle{
		Version:      Version,
		PeerID:       id.PeerID(),
		PublicKey:    id.PublicKey(),
		AgreementKey: id.AgreementPublicKey(),
		Addrs:        []ma.Multiaddr{addr},
		Profile:      id.Profile(),
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	id := newIdentity(t, "alice")
	s, err := Encode(bundleOf(t, id))
	require.NoError(t, err)
	assert.Contains(t, s, Scheme)

	b, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, Version, b.Version)
	assert.Equal(t, id.PeerID(), b.PeerID)
	assert.Len(t, b.PublicKey, 32)
	assert.Len(t, b.AgreementKey, 32)
	assert.Equal(t, "alice", b.Profile.DisplayName)
	require.Len(t, b.Addrs, 1)
}

func legacyString(t *testing.T, fields map[string]any) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return Scheme + base64.RawURLEncoding.EncodeToString(data)
}

func TestParse_LegacyDoubleEncodedKeys(t *testing.T) {
	id := newIdentity(t, "bob")
	double := func(raw []byte) string {
		return base64.StdEncoding.EncodeToString([]byte(base64.StdEncoding.EncodeToString(raw)))
	}
	s := legacyString(t, map[string]any{
		"multiaddr":    "/ip4/10.0.0.2/udp/4001/quic-v1/p2p/" + id.PeerID().String(),
		"displayName":  "bob",
		"publicKey":    double(id.PublicKey()),
		"x25519Public": double(id.AgreementPublicKey()),
	})

	b, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Version)
	assert.Equal(t, id.PeerID(), b.PeerID)
	assert.Equal(t, []byte(id.PublicKey()), []byte(b.PublicKey))
	assert.Equal(t, id.AgreementPublicKey(), b.AgreementKey)
	assert.Len(t, b.PublicKey, 32)
	assert.Len(t, b.AgreementKey, 32)
}

func TestParse_VersionedRejectsDoubleEncoding(t *testing.T) {
	id := newIdentity(t, "carol")
	double := base64.StdEncoding.EncodeToString([]byte(base64.StdEncoding.EncodeToString(id.PublicKey())))
	s := legacyString(t, map[string]any{
		"v":            1,
		"peerId":       id.PeerID().String(),
		"publicKey":    double,
		"agreementKey": base64.StdEncoding.EncodeToString(id.AgreementPublicKey()),
		"displayName":  "carol",
	})
	_, err := Parse(s)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestParse_Rejects(t *testing.T) {
	a, b := newIdentity(t, "a"), newIdentity(t, "b")
	key := func(k []byte) string { return base64.StdEncoding.EncodeToString(k) }

	cases := map[string]string{
		"scheme":   "http://abc",
		"encoding": Scheme + "!!!",
		"json":     Scheme + base64.RawURLEncoding.EncodeToString([]byte("{")),
		"version": legacyString(t, map[string]any{
			"v": 7, "publicKey": key(a.PublicKey()), "agreementKey": key(a.AgreementPublicKey()),
		}),
		"peer mismatch": legacyString(t, map[string]any{
			"v": 1, "peerId": b.PeerID().String(), "publicKey": key(a.PublicKey()), "agreementKey": key(a.AgreementPublicKey()),
		}),
		"agreement mismatch": legacyString(t, map[string]any{
			"v": 1, "publicKey": key(a.PublicKey()), "agreementKey": key(b.AgreementPublicKey()),
		}),
		"foreign addr": legacyString(t, map[string]any{
			"v": 1, "publicKey": key(a.PublicKey()), "agreementKey": key(a.AgreementPublicKey()),
			"addrs": []string{"/ip4/1.1.1.1/udp/1/quic-v1/p2p/" + b.PeerID().String()},
		}),
		"foreign circuit target": legacyString(t, map[string]any{
			"v": 1, "publicKey": key(a.PublicKey()), "agreementKey": key(a.AgreementPublicKey()),
			"addrs": []string{"/ip4/1.1.1.1/udp/1/quic-v1/p2p/" + a.PeerID().String() + "/p2p-circuit/p2p/" + b.PeerID().String()},
		}),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(s)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func newService(t *testing.T, me *identity.Identity) *Service {
	t.Helper()
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	ks := identity.NewKeystore()
	ks.Set(me)
	return NewService(store.New(eng), ks, nil)
}

func TestService_Lifecycle(t *testing.T) {
	me, bob := newIdentity(t, "me"), newIdentity(t, "bob")
	svc := newService(t, me)

	s, err := Encode(bundleOf(t, bob))
	require.NoError(t, err)
	_, rec, err := svc.AddFromString(s)
	require.NoError(t, err)
	assert.True(t, rec.Contact)
	assert.Equal(t, bob.AgreementPublicKey(), rec.AgreementKey)
	assert.Len(t, rec.Addrs, 1)

	list, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	changed, err := svc.Block(bob.PeerID())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, svc.IsBlocked(bob.PeerID()))
	list, err = svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	changed, err = svc.Unblock(bob.PeerID())
	require.NoError(t, err)
	assert.True(t, changed)

	removed, err := svc.Remove(bob.PeerID())
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.Remove(newIdentity(t, "x").PeerID())
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = svc.Add(me.PeerID(), types.Profile{}, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEncodeParse_CircuitAddress(t *testing.T) {
	me, relay := newIdentity(t, "me"), newIdentity(t, "relay")
	relayAddr := ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1/p2p/" + relay.PeerID().String())
	circuit, err := addrutil.Circuit(relayAddr, me.PeerID())
	require.NoError(t, err)

	b := bundleOf(t, me)
	b.Addrs = append(b.Addrs, circuit)
	s, err := Encode(b)
	require.NoError(t, err)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, me.PeerID(), parsed.PeerID)
	require.Len(t, parsed.Addrs, 2)
	assert.True(t, parsed.Addrs[1].Equal(circuit))

	// Without an explicit peer id the circuit target, not the relay, names
	// the contact.
	key := func(k []byte) string { return base64.StdEncoding.EncodeToString(k) }
	parsed, err = Parse(legacyString(t, map[string]any{
		"v": 1, "publicKey": key(me.PublicKey()), "agreementKey": key(me.AgreementPublicKey()),
		"addrs": []string{circuit.String()},
	}))
	require.NoError(t, err)
	assert.Equal(t, me.PeerID(), parsed.PeerID)
}

func TestService_ContactString(t *testing.T) {
	me := newIdentity(t, "me")
	svc := newService(t, me)

	s, err := svc.ContactString(nil)
	require.NoError(t, err)
	b, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, me.PeerID(), b.PeerID)
	assert.Equal(t, "hello", b.Profile.Bio)

	relay := newIdentity(t, "relay")
	circuit, err := addrutil.Circuit(ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1/p2p/"+relay.PeerID().String()), me.PeerID())
	require.NoError(t, err)
	s, err = svc.ContactString([]ma.Multiaddr{circuit})
	require.NoError(t, err)
	b, err = Parse(s)
	require.NoError(t, err)
	require.Len(t, b.Addrs, 1)
	assert.True(t, b.Addrs[0].Equal(circuit))
}
