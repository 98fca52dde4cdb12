package transport

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

const testProto = "/harbor/test/1.0.0"

func testPeer(t *testing.T) types.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := types.PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func anyAddr() ma.Multiaddr { return ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1") }

func TestNegotiate_Pipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	protos := NewProtocols("/harbor/other/1.0.0", testProto)
	assert.True(t, protos.Has(testProto))
	assert.ElementsMatch(t, []string{"/harbor/other/1.0.0", testProto}, protos.List())

	got := make(chan string, 1)
	go func() {
		p, err := protos.Negotiate(b)
		if err == nil {
			got <- p
		}
		close(got)
	}()
	require.NoError(t, Select(a, testProto))
	assert.Equal(t, testProto, <-got)
}

func TestNegotiate_Unsupported(t *testing.T) {
	a, b := net.Pipe()
	protos := NewProtocols(testProto)
	protos.Remove(testProto)
	assert.False(t, protos.Has(testProto))

	go func() {
		_, _ = protos.Negotiate(b)
		_ = b.Close()
	}()
	err := Select(a, testProto)
	assert.ErrorIs(t, err, types.ErrTransport)
	_ = a.Close()
}

func TestWithContext_Cancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := WithContext(ctx, a, func() error {
		_, err := a.Read(make([]byte, 1))
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type pair struct {
	client, server pkgif.Conn
}

func connect(t *testing.T, protos *Protocols) (pair, types.PeerID, types.PeerID) {
	t.Helper()
	mn := NewMemoryNetwork()
	alice, bob := testPeer(t), testPeer(t)
	ta := mn.Transport(alice, protos)
	tb := mn.Transport(bob, protos)
	t.Cleanup(func() { _ = ta.Close(); _ = tb.Close() })

	l, err := tb.Listen(anyAddr())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan pkgif.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	c, err := ta.Dial(ctx, l.Addr(), bob)
	require.NoError(t, err)
	s := <-accepted
	require.NotNil(t, s)
	t.Cleanup(func() { _ = c.Close(); _ = s.Close() })
	return pair{client: c, server: s}, alice, bob
}

func TestMemoryTransport_Streams(t *testing.T) {
	p, alice, bob := connect(t, NewProtocols(testProto))

	assert.Equal(t, alice, p.client.LocalPeer())
	assert.Equal(t, bob, p.client.RemotePeer())
	assert.Equal(t, alice, p.server.RemotePeer())
	assert.False(t, p.client.Relayed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		s, err := p.server.AcceptStream(ctx)
		if err != nil {
			return
		}
		defer s.Close()
		_, _ = io.Copy(s, s)
	}()

	s, err := p.client.OpenStream(ctx, testProto)
	require.NoError(t, err)
	assert.Equal(t, testProto, s.Protocol())

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, s.Reset())
}

func TestMemoryTransport_UnknownProtocolSkipped(t *testing.T) {
	p, _, _ := connect(t, NewProtocols(testProto))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan string, 1)
	go func() {
		s, err := p.server.AcceptStream(ctx)
		if err == nil {
			accepted <- s.Protocol()
			_ = s.Close()
		}
		close(accepted)
	}()

	_, err := p.client.OpenStream(ctx, "/harbor/nope/1.0.0")
	assert.Error(t, err)

	s, err := p.client.OpenStream(ctx, testProto)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, testProto, <-accepted)
}

func TestMemoryTransport_CloseSignalsDone(t *testing.T) {
	p, _, _ := connect(t, NewProtocols(testProto))
	require.NoError(t, p.client.Close())
	select {
	case <-p.server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server side did not observe close")
	}
}

func TestMemoryTransport_DialErrors(t *testing.T) {
	mn := NewMemoryNetwork()
	protos := NewProtocols(testProto)
	bob := testPeer(t)
	ta := mn.Transport(testPeer(t), protos)
	tb := mn.Transport(bob, protos)
	defer ta.Close()
	defer tb.Close()

	ctx := context.Background()
	_, err := ta.Dial(ctx, ma.StringCast("/ip4/127.0.0.1/udp/1/quic-v1"), bob)
	assert.ErrorIs(t, err, types.ErrTransport)

	l, err := tb.Listen(anyAddr())
	require.NoError(t, err)
	_, err = ta.Dial(ctx, l.Addr(), testPeer(t))
	assert.ErrorIs(t, err, ErrPeerIDMismatch)

	_, err = tb.Listen(l.Addr())
	assert.ErrorIs(t, err, types.ErrTransport)

	require.NoError(t, l.Close())
	_, err = ta.Dial(ctx, l.Addr(), bob)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestManager_Routing(t *testing.T) {
	mn := NewMemoryNetwork()
	bob := testPeer(t)
	tb := mn.Transport(bob, NewProtocols(testProto))
	m := NewManager(mn.Transport(testPeer(t), NewProtocols(testProto)))
	m.Add(tb)

	circuit := ma.StringCast("/ip4/1.2.3.4/udp/1/quic-v1/p2p/" + bob.String() + "/p2p-circuit/p2p/" + testPeer(t).String())
	assert.False(t, m.CanDial(circuit))
	_, err := m.Dial(context.Background(), circuit, bob)
	assert.ErrorIs(t, err, ErrNoTransport)

	assert.True(t, m.CanDial(anyAddr()))
	l, err := m.Listen(anyAddr())
	require.NoError(t, err)
	assert.NotNil(t, l.Addr())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.For(anyAddr())
	assert.ErrorIs(t, err, ErrClosed)
}
