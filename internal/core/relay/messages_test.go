package relay

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/pkg/types"
)

func TestHopMessage_Frame(t *testing.T) {
	id, err := identity.Generate(types.Profile{})
	require.NoError(t, err)

	in := &HopMessage{
		Type:          HopStatus,
		Status:        StatusOK,
		Expiration:    time.UnixMilli(1_700_000_000_000).UTC(),
		Addrs:         []string{"/ip4/1.2.3.4/udp/4001/quic-v1/p2p/" + id.PeerID().String() + "/p2p-circuit"},
		LimitDuration: 2 * time.Minute,
		LimitRate:     4096,
	}
	var buf bytes.Buffer
	require.NoError(t, writeMsg(&buf, in))

	var out HopMessage
	require.NoError(t, readMsg(bufio.NewReader(&buf), &out))
	assert.Equal(t, *in, out)
}

func TestHopMessage_Rejects(t *testing.T) {
	var m HopMessage
	assert.ErrorIs(t, m.Unmarshal((&HopMessage{Type: 9}).Marshal()), ErrMalformedMessage)
	assert.ErrorIs(t, m.Unmarshal((&HopMessage{Type: HopConnect}).Marshal()), ErrMalformedMessage)
	assert.ErrorIs(t, m.Unmarshal([]byte{0xff}), types.ErrValidation)

	var s StopMessage
	assert.ErrorIs(t, s.Unmarshal((&StopMessage{Type: StopConnect, Peer: "nope"}).Marshal()), ErrMalformedMessage)
	require.NoError(t, s.Unmarshal((&StopMessage{Type: StopStatus, Status: StatusPermissionDenied}).Marshal()))
	assert.ErrorIs(t, s.Status.Err(), ErrPermissionDenied)
}

func TestStatus_ErrRoundTrip(t *testing.T) {
	for _, st := range []Status{
		StatusResourceLimitExceeded, StatusNoReservation, StatusMalformedMessage,
		StatusUnexpectedMessage, StatusPermissionDenied, StatusConnectionFailed,
	} {
		assert.Equal(t, st, statusFor(st.Err()), st.String())
	}
	assert.NoError(t, StatusOK.Err())
	assert.Equal(t, "Status(99)", Status(99).String())
}

func TestHandshake(t *testing.T) {
	a, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	b, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	mallory, err := identity.Generate(types.Profile{})
	require.NoError(t, err)

	run := func(expectedByA, expectedByB types.PeerID) (error, error) {
		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			err := handshakeResponder(bw, bufio.NewReader(br), b, expectedByB)
			_ = bw.Close()
			done <- err
		}()
		errA := handshakeInitiator(aw, bufio.NewReader(ar), a, expectedByA)
		_ = aw.Close()
		return errA, <-done
	}

	errA, errB := run(b.PeerID(), a.PeerID())
	require.NoError(t, errA)
	require.NoError(t, errB)

	errA, _ = run(mallory.PeerID(), a.PeerID())
	assert.ErrorIs(t, errA, ErrHandshake)

	_, errB = run(b.PeerID(), mallory.PeerID())
	assert.ErrorIs(t, errB, ErrHandshake)
}
