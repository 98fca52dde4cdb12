package identity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/pkg/types"
)

type memStore struct {
	mu  sync.Mutex
	rec *Record
}

func (m *memStore) LoadIdentity() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, types.ErrNotFound
	}
	cp := *m.rec
	return &cp, nil
}

func (m *memStore) SaveIdentity(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rec = &cp
	return nil
}

func testConfig() config.IdentityConfig {
	c := config.DefaultIdentityConfig()
	c.KDFTime = 1
	c.KDFMemory = 64
	c.KDFThreads = 1
	return c
}

func newService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	st := &memStore{}
	return NewService(st, NewKeystore(), testConfig()), st
}

func TestService_CreateThenUnlock(t *testing.T) {
	svc, _ := newService(t)

	id, err := svc.Create("correct horse", types.Profile{DisplayName: "alice"})
	require.NoError(t, err)
	assert.True(t, svc.Keystore().Unlocked())

	svc.Lock()
	_, err = svc.Keystore().Current()
	assert.ErrorIs(t, err, types.ErrIdentityLocked)

	again, err := svc.Unlock("correct horse")
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), again.PeerID())
	assert.Equal(t, "alice", again.Profile().DisplayName)
	assert.Equal(t, id.AgreementPublicKey(), again.AgreementPublicKey())
}

func TestService_PassphraseRules(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Create("short", types.Profile{DisplayName: "a"})
	assert.ErrorIs(t, err, types.ErrInvalidPassphrase)

	_, err = svc.Create("long enough", types.Profile{DisplayName: "  "})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.Create("long enough", types.Profile{DisplayName: "a"})
	require.NoError(t, err)

	_, err = svc.Create("long enough", types.Profile{DisplayName: "b"})
	assert.ErrorIs(t, err, types.ErrIdentityExists)

	_, err = svc.Unlock("wrong passphrase")
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

func TestService_UnlockWithoutIdentity(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Unlock("whatever123")
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err := svc.Exists()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecord_TamperDetection(t *testing.T) {
	svc, st := newService(t)
	_, err := svc.Create("passphrase!", types.Profile{DisplayName: "a"})
	require.NoError(t, err)

	t.Run("sealed seed flipped", func(t *testing.T) {
		rec, _ := st.LoadIdentity()
		rec.SealedSeed = append([]byte(nil), rec.SealedSeed...)
		rec.SealedSeed[len(rec.SealedSeed)-1] ^= 1
		_, err := rec.Open("passphrase!")
		assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	})

	t.Run("malformed record", func(t *testing.T) {
		rec, _ := st.LoadIdentity()
		rec.Salt = nil
		_, err := rec.Open("passphrase!")
		assert.ErrorIs(t, err, types.ErrCorruptStore)
	})

	t.Run("public key mismatch", func(t *testing.T) {
		rec, _ := st.LoadIdentity()
		other, err := Generate(types.Profile{DisplayName: "b"})
		require.NoError(t, err)
		rec.SigningPublic = other.PublicKey()
		_, err = rec.Open("passphrase!")
		assert.ErrorIs(t, err, types.ErrCorruptStore)
	})
}

func TestIdentity_ConversationKeyIsShared(t *testing.T) {
	a, err := Generate(types.Profile{DisplayName: "a"})
	require.NoError(t, err)
	b, err := Generate(types.Profile{DisplayName: "b"})
	require.NoError(t, err)

	ka, err := a.ConversationKey(b.PeerID())
	require.NoError(t, err)
	kb, err := b.ConversationKey(a.PeerID())
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestKeystore_LockZeroesKeys(t *testing.T) {
	ks := NewKeystore()
	id, err := Generate(types.Profile{DisplayName: "a"})
	require.NoError(t, err)
	ks.Set(id)

	priv := id.PrivateKey()
	ks.Lock()
	assert.Equal(t, make([]byte, len(priv)), []byte(priv))
}
