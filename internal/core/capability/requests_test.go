package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// loopNet hands requests straight to the handler registered on the other
// side, as from.
type loopNet struct {
	from     types.PeerID
	handlers map[protocol.Kind]protocol.Handler
	remote   *loopNet
}

func (n *loopNet) Handle(k protocol.Kind, h protocol.Handler) error {
	if n.handlers == nil {
		n.handlers = make(map[protocol.Kind]protocol.Handler)
	}
	n.handlers[k] = h
	return nil
}

func (n *loopNet) Request(ctx context.Context, _ types.PeerID, msg protocol.Message) (protocol.Message, error) {
	return n.remote.handlers[msg.Kind()](ctx, n.from, msg)
}

func TestRequestPermission(t *testing.T) {
	alice, bob := newIdentity(t, "alice"), newIdentity(t, "bob")
	ha, hb := newHarness(t, alice), newHarness(t, bob)
	na, nb := &loopNet{from: alice.PeerID()}, &loopNet{from: bob.PeerID()}
	na.remote, nb.remote = nb, na
	require.NoError(t, ha.svc.Attach(na))
	require.NoError(t, hb.svc.Attach(nb))

	ctx := context.Background()
	granted, err := ha.svc.RequestPermission(ctx, bob.PeerID(), types.CapabilityChat, "hello")
	require.NoError(t, err)
	assert.False(t, granted)

	pending := hb.svc.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, alice.PeerID(), pending[0].From)
	assert.Equal(t, "hello", pending[0].Message)

	_, err = hb.svc.IssueGrant(ctx, alice.PeerID(), types.CapabilityChat, 0)
	require.NoError(t, err)
	granted, err = ha.svc.RequestPermission(ctx, bob.PeerID(), types.CapabilityChat, "")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Empty(t, hb.svc.PendingRequests())

	_, err = ha.svc.RequestPermission(ctx, bob.PeerID(), types.CapabilityKind(0), "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestWrapPicksMessageKind(t *testing.T) {
	alice, bob := newIdentity(t, "alice"), newIdentity(t, "bob")
	h := newHarness(t, alice)
	ctx := context.Background()

	g, err := h.svc.IssueGrant(ctx, bob.PeerID(), types.CapabilityCall, 0)
	require.NoError(t, err)
	_, err = h.svc.RevokeGrant(ctx, g.ID)
	require.NoError(t, err)

	events := h.log.Events()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.KindPermissionGrant, h.svc.Wrap(events[0]).Kind())
	assert.Equal(t, protocol.KindPermissionRevoke, h.svc.Wrap(events[1]).Kind())
	assert.Equal(t, []types.PeerID{bob.PeerID()}, h.svc.Recipients(events[1]))
}
