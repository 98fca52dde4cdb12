package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityKind_Parse(t *testing.T) {
	for _, k := range AllCapabilities {
		got, err := ParseCapabilityKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
		assert.True(t, k.Valid())
	}

	_, err := ParseCapabilityKind("admin")
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, CapabilityKind(0).Valid())
}

func TestPeerState_Predicates(t *testing.T) {
	assert.False(t, PeerConnected.IsIdentified())
	assert.True(t, PeerConnected.IsConnected())
	assert.True(t, PeerRelayReserved.IsIdentified())
	assert.True(t, PeerFailed.IsTerminal())
	assert.False(t, PeerDialing.IsConnected())
}
