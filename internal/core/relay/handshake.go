package relay

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	handshakeContext = "harbor/circuit/1"
	nonceSize        = 32
)

// bufferedStream reads through the bufio.Reader that parsed the relay
// messages, so bytes it already buffered are not lost.
type bufferedStream struct {
	io.ReadWriteCloser
	r *bufio.Reader
}

func (s *bufferedStream) Read(p []byte) (int, error) { return s.r.Read(p) }

type hello struct {
	id    types.PeerID
	nonce []byte
	sig   []byte
}

func (h *hello) marshal() []byte {
	b := wire.AppendString(nil, 1, string(h.id))
	b = wire.AppendBytes(b, 2, h.nonce)
	return wire.AppendBytes(b, 3, h.sig)
}

func (h *hello) unmarshal(data []byte) error {
	*h = hello{}
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			h.id = types.PeerID(f.String())
		case 2:
			h.nonce = f.Copy()
		case 3:
			h.sig = f.Copy()
		}
		return nil
	})
}

func readHello(r *bufio.Reader) (*hello, error) {
	data, err := protocol.ReadFrame(r, maxMessageSize)
	if err != nil {
		return nil, err
	}
	h := &hello{}
	if err := h.unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return h, nil
}

// transcript is what each side signs. The role byte keeps a signature from
// being reflected back to its author.
func transcript(role byte, initiator, responder types.PeerID, ni, nr []byte) []byte {
	b := append([]byte(handshakeContext), role)
	b = wire.AppendString(b, 1, string(initiator))
	b = wire.AppendString(b, 2, string(responder))
	b = wire.AppendBytes(b, 3, ni)
	return wire.AppendBytes(b, 4, nr)
}

func newNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// handshakeInitiator proves the local identity to the circuit target and
// checks that the remote end is expected.
//
//	initiator -> hello{id, nonce}
//	responder -> hello{id, nonce, sig}
//	initiator -> hello{sig}
func handshakeInitiator(rw io.Writer, r *bufio.Reader, signer protocol.Signer, expected types.PeerID) error {
	local := signer.PeerID()
	ni, err := newNonce()
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(rw, (&hello{id: local, nonce: ni}).marshal()); err != nil {
		return err
	}

	resp, err := readHello(r)
	if err != nil {
		return err
	}
	if resp.id != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshake, expected.ShortString(), resp.id.ShortString())
	}
	if len(resp.nonce) != nonceSize {
		return fmt.Errorf("%w: bad nonce", ErrHandshake)
	}
	if err := crypto.VerifyFrom(resp.id, transcript(1, local, resp.id, ni, resp.nonce), resp.sig); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	sig := signer.Sign(transcript(0, local, resp.id, ni, resp.nonce))
	return protocol.WriteFrame(rw, (&hello{sig: sig}).marshal())
}

// handshakeResponder is the other half of handshakeInitiator. expected is
// the initiator named by the relay.
func handshakeResponder(rw io.Writer, r *bufio.Reader, signer protocol.Signer, expected types.PeerID) error {
	local := signer.PeerID()
	init, err := readHello(r)
	if err != nil {
		return err
	}
	if init.id != expected {
		return fmt.Errorf("%w: relay named %s, remote claims %s", ErrHandshake, expected.ShortString(), init.id.ShortString())
	}
	if len(init.nonce) != nonceSize {
		return fmt.Errorf("%w: bad nonce", ErrHandshake)
	}

	nr, err := newNonce()
	if err != nil {
		return err
	}
	sig := signer.Sign(transcript(1, init.id, local, init.nonce, nr))
	if err := protocol.WriteFrame(rw, (&hello{id: local, nonce: nr, sig: sig}).marshal()); err != nil {
		return err
	}

	fin, err := readHello(r)
	if err != nil {
		return err
	}
	if err := crypto.VerifyFrom(init.id, transcript(0, init.id, local, init.nonce, nr), fin.sig); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return nil
}
