package relay

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dep2p/harbor/pkg/types"
)

func TestLimiter_Reservations(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxReservations: 1})

	require.NoError(t, l.AllowReservation("a"))
	require.NoError(t, l.AllowReservation("a"))
	assert.ErrorIs(t, l.AllowReservation("b"), ErrResourceLimitExceeded)

	l.ReleaseReservation("a")
	require.NoError(t, l.AllowReservation("b"))
	assert.Equal(t, 1, l.Stats().Reservations)
}

func TestLimiter_CircuitLimit(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxCircuits: 3, MaxCircuitsPerPeer: 2})
	a, b := types.PeerID("a"), types.PeerID("b")

	require.NoError(t, l.AllowCircuit(a))
	require.NoError(t, l.AllowCircuit(a))
	assert.ErrorIs(t, l.AllowCircuit(a), ErrTooManyCircuits)

	require.NoError(t, l.AllowCircuit(b))
	assert.ErrorIs(t, l.AllowCircuit(b), ErrResourceLimitExceeded)

	l.ReleaseCircuit(a)
	require.NoError(t, l.AllowCircuit(b))
	assert.Equal(t, LimiterStats{Circuits: 3, UniquePeers: 2}, l.Stats())

	// Releasing more than was allowed is a no-op.
	l.ReleaseCircuit("nobody")
	assert.Equal(t, 3, l.Stats().Circuits)
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.AllowCircuit("a"))
	}
	assert.Nil(t, l.Bandwidth())
}

func TestRateWriter(t *testing.T) {
	var out bytes.Buffer
	lim := rate.NewLimiter(rate.Limit(64*1024), copyBufferSize)
	w := &rateWriter{ctx: context.Background(), w: &out, lim: lim}

	data := bytes.Repeat([]byte("x"), 3*copyBufferSize)
	n, err := io.Copy(w, bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	assert.Equal(t, data, out.Bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := &rateWriter{ctx: ctx, w: io.Discard, lim: rate.NewLimiter(1, copyBufferSize)}
	_, err = slow.Write(make([]byte, copyBufferSize))
	assert.ErrorIs(t, err, context.Canceled)
}
