package quic

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

const echoProto = "/harbor/echo/1.0.0"

func loopback() ma.Multiaddr { return ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1") }

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	priv, _ := testKey(t)
	tr, err := New(priv, transport.NewProtocols(echoProto), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransport_DialAndStream(t *testing.T) {
	server, client := newTestTransport(t), newTestTransport(t)

	l, err := server.Listen(loopback())
	require.NoError(t, err)
	_, err = server.Listen(loopback())
	assert.ErrorIs(t, err, ErrAlreadyListening)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan pkgif.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
		s, err := c.AcceptStream(ctx)
		if err != nil {
			return
		}
		_, _ = io.Copy(s, s)
		_ = s.Close()
	}()

	conn, err := client.Dial(ctx, l.Addr(), server.LocalPeer())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, server.LocalPeer(), conn.RemotePeer())
	assert.Equal(t, client.LocalPeer(), conn.LocalPeer())
	assert.False(t, conn.Relayed())
	assert.NotNil(t, conn.RemoteAddr())

	s, err := conn.OpenStream(ctx, echoProto)
	require.NoError(t, err)
	assert.Equal(t, echoProto, s.Protocol())
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	in := <-accepted
	require.NotNil(t, in)
	assert.Equal(t, client.LocalPeer(), in.RemotePeer())

	require.NoError(t, conn.Close())
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("close not observed")
	}
}

func TestTransport_PeerMismatch(t *testing.T) {
	server, client := newTestTransport(t), newTestTransport(t)
	l, err := server.Listen(loopback())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _, _ = l.Accept(ctx) }()

	_, wrong := testKey(t)
	_, err = client.Dial(ctx, l.Addr(), wrong)
	assert.ErrorIs(t, err, transport.ErrPeerIDMismatch)
}

func TestTransport_Closed(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Listen(loopback())
	assert.ErrorIs(t, err, ErrTransportClosed)
	_, err = tr.Dial(context.Background(), ma.StringCast("/ip4/127.0.0.1/udp/1/quic-v1"), "")
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestTransport_CanDial(t *testing.T) {
	tr := newTestTransport(t)
	assert.True(t, tr.CanDial(ma.StringCast("/ip4/127.0.0.1/udp/4001/quic-v1")))
	assert.False(t, tr.CanDial(ma.StringCast("/ip4/127.0.0.1/tcp/4001")))
	_, err := tr.Dial(context.Background(), ma.StringCast("/ip4/127.0.0.1/tcp/4001"), "")
	assert.ErrorIs(t, err, transport.ErrInvalidAddress)
}
